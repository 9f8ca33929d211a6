// Package walmart scrapes walmart.com browse pages. Listings come from the
// __NEXT_DATA__ payload of each page, upcs and descriptions from the
// product pages, which are fetched a few at a time.
package walmart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/fetch"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/internal/scraper"
	"grocery-ingest/lib/htmlutil"
)

const (
	report_discover = "adapter.discover"
	report_browse   = "adapter.browse"
	report_detail   = "adapter.detail"
)

const (
	DefaultDepartmentPath = "/cp/food/976759"
	DefaultSiteURL        = "https://www.walmart.com"
	DefaultFanOutWidth    = 4
	// walmart never serves more than 25 pages of a browse listing
	DefaultMaxPages = 25
)

type Config struct {
	// DepartmentPath is the department page whose navigation lists the
	// categories to scrape.
	DepartmentPath string
	// SiteURL resolves the relative urls found in page data.
	SiteURL string
	// SkipDetails disables product page requests, products then have no
	// barcode or description.
	SkipDetails bool
	FanOutWidth int
	MaxPages    int
}

func (c *Config) defaults() {
	if c.DepartmentPath == "" {
		c.DepartmentPath = DefaultDepartmentPath
	}
	if c.SiteURL == "" {
		c.SiteURL = DefaultSiteURL
	}
	if c.FanOutWidth <= 0 {
		c.FanOutWidth = DefaultFanOutWidth
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
}

type Adapter struct {
	cfg    Config
	client *fetch.Client
	tel    telemetry.API
}

func New(cfg Config, client *fetch.Client, tel telemetry.API) *Adapter {
	cfg.defaults()
	return &Adapter{
		cfg:    cfg,
		client: client,
		tel:    telemetry.NewScopedAPI("walmart", tel),
	}
}

func (a *Adapter) Retailer() product.Retailer {
	return product.Walmart
}

// pageData fetches a page and returns its initialData. A missing page is
// reported with found set to false.
func (a *Adapter) pageData(ctx context.Context, target string, params map[string]string) (data json.RawMessage, found bool, err error) {
	res, err := a.client.Get(ctx, target, nil, params)
	if err != nil {
		return nil, false, err
	}
	if res.Status == http.StatusNotFound || res.Status == http.StatusGone {
		return nil, false, nil
	}
	if res.Status >= 400 {
		return nil, false, scrapeerr.Errorf(scrapeerr.Transient, "GET %s: status %d", target, res.Status)
	}

	payload, err := htmlutil.NextData(res.Body)
	if err != nil {
		return nil, false, scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("GET %s: %w", target, err))
	}
	var next nextData
	err = json.Unmarshal(payload, &next)
	if err != nil {
		return nil, false, scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("GET %s: %w", target, err))
	}
	return next.Props.PageProps.InitialData, true, nil
}

func categoryID(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return path.Base(strings.TrimSuffix(u.Path, "/"))
}

// DiscoverCategories reads the category navigation of the food department.
// Top level entries without children are scraped as they are.
func (a *Adapter) DiscoverCategories(ctx context.Context) ([]product.Category, error) {
	raw, found, err := a.pageData(ctx, a.cfg.DepartmentPath, nil)
	if err == nil && !found {
		err = scrapeerr.Errorf(scrapeerr.Transient, "department page %s not found", a.cfg.DepartmentPath)
	}
	if err != nil {
		a.tel.ReportBroken(report_discover, err)
		return nil, err
	}
	var department departmentData
	err = json.Unmarshal(raw, &department)
	if err != nil {
		a.tel.ReportBroken(report_discover, err)
		return nil, scrapeerr.Wrap(scrapeerr.Parse, err)
	}

	seen := map[string]bool{}
	var out []product.Category
	add := func(link navigationLink, parent string) {
		id := categoryID(link.URL)
		name := htmlutil.CleanText(link.Name)
		if id == "" || id == "." || name == "" || seen[id] {
			return
		}
		seen[id] = true
		c := product.Category{
			Retailer:   product.Walmart,
			ID:         id,
			Name:       name,
			ParentName: parent,
			URL:        link.URL,
			Path:       []string{name},
		}
		if parent != "" {
			c.Path = []string{parent, name}
		}
		out = append(out, c)
	}
	for _, module := range department.ContentLayout.Modules {
		for _, top := range module.Configs.Categories {
			if len(top.SubCategories) == 0 {
				add(top, "")
				continue
			}
			parent := htmlutil.CleanText(top.Name)
			for _, sub := range top.SubCategories {
				add(sub, parent)
			}
		}
	}
	if len(out) == 0 {
		err = scrapeerr.Errorf(scrapeerr.Parse, "no categories on %s", a.cfg.DepartmentPath)
		a.tel.ReportBroken(report_discover, err)
		return nil, err
	}
	return out, nil
}

func (a *Adapter) categoryPath(category product.Category) string {
	if category.URL != "" {
		return category.URL
	}
	return "/browse/" + category.ID
}

// ScrapeCategory walks the numbered pages of a category. A blocked page is
// skipped, the next page number is still requested.
func (a *Adapter) ScrapeCategory(ctx context.Context, category product.Category) iter.Seq2[[]product.RawProduct, error] {
	return func(yield func([]product.RawProduct, error) bool) {
		maxPage := a.cfg.MaxPages
		for page := 1; page <= maxPage; page++ {
			if ctx.Err() != nil {
				return
			}

			items, last, err := a.browse(ctx, category, page)
			if err != nil {
				a.tel.ReportWarning(report_browse, err, category.ID, page)
				if !yield(nil, err) || !errors.Is(err, scrapeerr.Blocked) {
					return
				}
				continue
			}
			if len(items) == 0 {
				return
			}
			if last > 0 {
				maxPage = min(last, a.cfg.MaxPages)
			}

			raws, err := a.withDetails(ctx, items)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(raws, nil) {
				return
			}
		}
	}
}

// browse returns the product items of one page and the last page number.
func (a *Adapter) browse(ctx context.Context, category product.Category, page int) ([]listingRecord, int, error) {
	params := map[string]string{"affinityOverride": "default"}
	if page > 1 {
		params["page"] = strconv.Itoa(page)
	}
	raw, found, err := a.pageData(ctx, a.categoryPath(category), params)
	if err != nil || !found {
		return nil, 0, err
	}
	var data browseData
	err = json.Unmarshal(raw, &data)
	if err != nil {
		return nil, 0, scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("category %s page %d: %w", category.ID, page, err))
	}

	var out []listingRecord
	for _, stack := range data.SearchResult.ItemStacks {
		for _, item := range stack.Items {
			var header itemHeader
			err := json.Unmarshal(item, &header)
			// ads and editorial tiles share the stack with products
			if err != nil || header.Typename != "Product" {
				continue
			}
			out = append(out, listingRecord{id: header.UsItemID, body: item})
		}
	}
	return out, data.SearchResult.PaginationV2.MaxPage, nil
}

type listingRecord struct {
	id   string
	body json.RawMessage
}

// withDetails attaches the product page data to every listing record. A
// product page that fails leaves its record listing only; a blocked one
// stops the remaining lookups of the page.
func (a *Adapter) withDetails(ctx context.Context, items []listingRecord) ([]product.RawProduct, error) {
	details := make([]json.RawMessage, len(items))
	if !a.cfg.SkipDetails {
		err := scraper.FanOut(ctx, a.cfg.FanOutWidth, len(items), func(ctx context.Context, i int) error {
			if items[i].id == "" {
				return nil
			}
			detail, err := a.detail(ctx, items[i].id)
			if errors.Is(err, scrapeerr.Blocked) {
				return err
			}
			if err != nil {
				a.tel.ReportWarning(report_detail, err, items[i].id)
				return nil
			}
			details[i] = detail
			return nil
		})
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			a.tel.ReportWarning(report_detail, err)
		}
	}

	out := make([]product.RawProduct, 0, len(items))
	for i, item := range items {
		body, err := json.Marshal(envelope{Listing: item.body, Detail: details[i]})
		if err != nil {
			return nil, scrapeerr.Wrap(scrapeerr.Parse, err)
		}
		out = append(out, product.RawProduct{ID: item.id, Body: body})
	}
	return out, nil
}

func (a *Adapter) detail(ctx context.Context, id string) (json.RawMessage, error) {
	raw, found, err := a.pageData(ctx, "/ip/"+url.PathEscape(id), nil)
	if err != nil || !found {
		return nil, err
	}
	var data detailData
	err = json.Unmarshal(raw, &data)
	if err != nil {
		return nil, scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("product %s: %w", id, err))
	}
	if len(data.Data.Product) == 0 || string(data.Data.Product) == "null" {
		return nil, nil
	}
	return data.Data.Product, nil
}

// SupportsFullInventory is false, browse pages stop at MaxPages.
func (a *Adapter) SupportsFullInventory() bool {
	return false
}

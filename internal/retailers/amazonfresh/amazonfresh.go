// Package amazonfresh scrapes Amazon Fresh search result pages. Products
// are identified by ASIN, barcodes are filled in later by the barcode
// backfill.
package amazonfresh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"

	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/fetch"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/internal/taxonomy"

	"github.com/PuerkitoBio/goquery"
)

const report_results = "adapter.results"

const (
	DefaultSiteURL  = "https://www.amazon.com"
	DefaultMaxPages = 20
	// search index that limits results to Amazon Fresh
	freshIndex = "amazonfresh"
)

// BlockSignatures mark the robot check pages amazon serves with a 200.
var BlockSignatures = []string{
	"api-services-support@amazon.com",
	"to discuss automated access to amazon data",
	"enter the characters you see below",
	"/errors/validatecaptcha",
}

type Config struct {
	SiteURL  string
	MaxPages int
}

func (c *Config) defaults() {
	if c.SiteURL == "" {
		c.SiteURL = DefaultSiteURL
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
		tel:    telemetry.NewScopedAPI("amazonfresh", tel),
	}
}

func (a *Adapter) Retailer() product.Retailer {
	return product.AmazonFresh
}

// DiscoverCategories returns the browse nodes of the taxonomy table.
func (a *Adapter) DiscoverCategories(ctx context.Context) ([]product.Category, error) {
	categories := taxonomy.StaticCategories(product.AmazonFresh)
	if len(categories) == 0 {
		return nil, scrapeerr.Errorf(scrapeerr.Config, "amazonfresh: taxonomy table lists no categories")
	}
	return categories, nil
}

func withQuery(href string, values map[string]string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	q := u.Query()
	for k, v := range values {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (a *Adapter) startURL(category product.Category) string {
	href := category.URL
	if href == "" {
		href = "/s?rh=" + url.QueryEscape("n:"+category.ID)
	}
	return withQuery(href, map[string]string{"i": freshIndex})
}

// ScrapeCategory follows the next link of the result pages. When a page is
// blocked its successor is requested by page number instead.
func (a *Adapter) ScrapeCategory(ctx context.Context, category product.Category) iter.Seq2[[]product.RawProduct, error] {
	return func(yield func([]product.RawProduct, error) bool) {
		next := a.startURL(category)
		for page := 1; page <= a.cfg.MaxPages && next != ""; page++ {
			if ctx.Err() != nil {
				return
			}

			cards, nextHref, err := a.results(ctx, next)
			if err != nil {
				a.tel.ReportWarning(report_results, err, category.ID, page)
				if !yield(nil, err) || !errors.Is(err, scrapeerr.Blocked) {
					return
				}
				next = withQuery(next, map[string]string{"page": strconv.Itoa(page + 1)})
				continue
			}
			if len(cards) == 0 {
				return
			}

			raws := make([]product.RawProduct, 0, len(cards))
			for _, c := range cards {
				body, err := json.Marshal(c)
				if err != nil {
					yield(nil, scrapeerr.Wrap(scrapeerr.Parse, err))
					return
				}
				raws = append(raws, product.RawProduct{ID: c.ASIN, Body: body})
			}
			if !yield(raws, nil) {
				return
			}
			next = nextHref
		}
	}
}

func (a *Adapter) results(ctx context.Context, href string) ([]card, string, error) {
	res, err := a.client.Get(ctx, href, nil, nil)
	if err != nil {
		return nil, "", err
	}
	if res.Status == http.StatusNotFound {
		return nil, "", nil
	}
	if res.Status >= 400 {
		return nil, "", scrapeerr.Errorf(scrapeerr.Transient, "GET %s: status %d", href, res.Status)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return nil, "", scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("GET %s: %w", href, err))
	}
	if doc.Find("div.s-main-slot, div.s-search-results").Length() == 0 {
		return nil, "", scrapeerr.Errorf(scrapeerr.Parse, "GET %s: not a result page", href)
	}
	return parseCards(doc), nextLink(doc), nil
}

func nextLink(doc *goquery.Document) string {
	next := doc.Find("a.s-pagination-next").First()
	if next.Length() == 0 || next.HasClass("s-pagination-disabled") {
		return ""
	}
	href, _ := next.Attr("href")
	return href
}

// SupportsFullInventory is false, search results are capped and ranked.
func (a *Adapter) SupportsFullInventory() bool {
	return false
}

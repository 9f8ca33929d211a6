// Package target scrapes target.com through the json apis behind its
// category pages. Categories come from the taxonomy table, barcodes and
// store availability from a batch summary endpoint.
package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"strings"

	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/fetch"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/internal/taxonomy"

	"github.com/google/uuid"
)

const (
	report_search  = "adapter.search"
	report_summary = "adapter.summary"
)

const (
	DefaultSearchPath   = "/redsky_aggregations/v1/web/plp_search_v2"
	DefaultSummaryPath  = "/redsky_aggregations/v1/web/product_summary_with_fulfillment_v1"
	DefaultSiteURL      = "https://www.target.com"
	DefaultPageSize     = 24
	DefaultSummaryBatch = 28
	DefaultFanOutWidth  = 2
	// the search api refuses offsets past this
	maxOffset = 1200
)

type Config struct {
	StoreID string
	// APIKey is the public key the storefront sends with every api call.
	APIKey      string
	SearchPath  string
	SummaryPath string
	SiteURL     string
	PageSize    int
	// SummaryBatch is the number of tcins per summary request.
	SummaryBatch int
	FanOutWidth  int
	// VisitorID identifies the sweep to the api, a random one is used
	// when empty.
	VisitorID string
}

func (c *Config) defaults() {
	if c.SearchPath == "" {
		c.SearchPath = DefaultSearchPath
	}
	if c.SummaryPath == "" {
		c.SummaryPath = DefaultSummaryPath
	}
	if c.SiteURL == "" {
		c.SiteURL = DefaultSiteURL
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.SummaryBatch <= 0 {
		c.SummaryBatch = DefaultSummaryBatch
	}
	if c.FanOutWidth <= 0 {
		c.FanOutWidth = DefaultFanOutWidth
	}
	if c.VisitorID == "" {
		c.VisitorID = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
}

type Adapter struct {
	cfg    Config
	client *fetch.Client
	tel    telemetry.API
}

func New(cfg Config, client *fetch.Client, tel telemetry.API) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, scrapeerr.Errorf(scrapeerr.Config, "target: missing api key, set TARGET_API_KEY")
	}
	if cfg.StoreID == "" {
		return nil, scrapeerr.Errorf(scrapeerr.Config, "target: missing store id")
	}
	cfg.defaults()
	return &Adapter{
		cfg:    cfg,
		client: client,
		tel:    telemetry.NewScopedAPI("target", tel),
	}, nil
}

func (a *Adapter) Retailer() product.Retailer {
	return product.Target
}

// DiscoverCategories returns the categories of the taxonomy table, the
// storefront has no navigation api worth following.
func (a *Adapter) DiscoverCategories(ctx context.Context) ([]product.Category, error) {
	categories := taxonomy.StaticCategories(product.Target)
	if len(categories) == 0 {
		return nil, scrapeerr.Errorf(scrapeerr.Config, "target: taxonomy table lists no categories")
	}
	return categories, nil
}

type searchResponse struct {
	Data struct {
		Search struct {
			Products       []json.RawMessage `json:"products"`
			SearchResponse struct {
				TypedMetadata struct {
					TotalResults int `json:"total_results"`
					Count        int `json:"count"`
					Offset       int `json:"offset"`
				} `json:"typed_metadata"`
			} `json:"search_response"`
		} `json:"search"`
	} `json:"data"`
}

func (a *Adapter) params(extra map[string]string) map[string]string {
	params := map[string]string{
		"key":        a.cfg.APIKey,
		"channel":    "WEB",
		"visitor_id": a.cfg.VisitorID,
	}
	for k, v := range extra {
		params[k] = v
	}
	return params
}

// getJSON performs a GET against the api. found is false for categories or
// products the api does not know.
func (a *Adapter) getJSON(ctx context.Context, path string, params map[string]string, out any) (found bool, err error) {
	res, err := a.client.Get(ctx, path, map[string]string{"accept": "application/json"}, params)
	if err != nil {
		return false, err
	}
	switch {
	case res.Status == http.StatusNotFound:
		return false, nil
	case res.Status == http.StatusUnauthorized:
		return false, scrapeerr.Errorf(scrapeerr.Fatal, "GET %s: api key rejected", path)
	case res.Status >= 400:
		return false, scrapeerr.Errorf(scrapeerr.Transient, "GET %s: status %d", path, res.Status)
	}
	err = json.Unmarshal(res.Body, out)
	if err != nil {
		return false, scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("GET %s: %w", path, err))
	}
	return true, nil
}

func (a *Adapter) search(ctx context.Context, category product.Category, offset int) (searchResponse, bool, error) {
	var res searchResponse
	found, err := a.getJSON(ctx, a.cfg.SearchPath, a.params(map[string]string{
		"category":          category.ID,
		"count":             strconv.Itoa(a.cfg.PageSize),
		"offset":            strconv.Itoa(offset),
		"page":              "/c/" + category.ID,
		"pricing_store_id":  a.cfg.StoreID,
		"store_ids":         a.cfg.StoreID,
		"include_sponsored": "false",
	}), &res)
	return res, found, err
}

// ScrapeCategory pages through a category by offset. A blocked page is
// skipped by advancing the offset a full page.
func (a *Adapter) ScrapeCategory(ctx context.Context, category product.Category) iter.Seq2[[]product.RawProduct, error] {
	return func(yield func([]product.RawProduct, error) bool) {
		offset := 0
		total := -1
		for offset < maxOffset && (total < 0 || offset < total) {
			if ctx.Err() != nil {
				return
			}

			res, found, err := a.search(ctx, category, offset)
			if err != nil {
				a.tel.ReportWarning(report_search, err, category.ID, offset)
				if !yield(nil, err) || !errors.Is(err, scrapeerr.Blocked) {
					return
				}
				offset += a.cfg.PageSize
				continue
			}
			products := res.Data.Search.Products
			if !found || len(products) == 0 {
				return
			}
			total = res.Data.Search.SearchResponse.TypedMetadata.TotalResults

			page := make([]product.RawProduct, 0, len(products))
			for _, body := range products {
				var id struct {
					TCIN string `json:"tcin"`
				}
				_ = json.Unmarshal(body, &id)
				page = append(page, product.RawProduct{ID: id.TCIN, Body: body})
			}
			if !yield(page, nil) {
				return
			}
			offset += len(products)
		}
	}
}

// SupportsFullInventory is false, the search api stops answering past a
// fixed offset.
func (a *Adapter) SupportsFullInventory() bool {
	return false
}

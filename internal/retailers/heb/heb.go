// Package heb scrapes H-E-B through the GraphQL api its web storefront
// uses. Listings carry every field the schema needs, including upcs and a
// price for each shopping context, so no detail requests are made.
package heb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync/atomic"

	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/fetch"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
)

const (
	report_discover = "adapter.discover"
	report_browse   = "adapter.browse"
	report_refresh  = "adapter.refresh-session"
)

const (
	DefaultGraphQLPath     = "/graphql"
	DefaultSiteURL         = "https://www.heb.com"
	DefaultPageSize        = 60
	DefaultPrimaryContext  = "CURBSIDE"
	DefaultMaxAuthFailures = 3

	// a cursor that keeps failing is given up on after this many attempts
	maxCursorAttempts = 3
)

type Config struct {
	StoreID string
	// GraphQLPath is resolved against the fetch client's base url.
	GraphQLPath string
	// SiteURL prefixes the relative product page urls of the api.
	SiteURL  string
	PageSize int
	// PrimaryContext is the shopping context whose prices become the top
	// level prices.
	PrimaryContext string
	// MaxAuthFailures consecutive unauthenticated answers abort the sweep.
	MaxAuthFailures int
}

func (c *Config) defaults() {
	if c.GraphQLPath == "" {
		c.GraphQLPath = DefaultGraphQLPath
	}
	if c.SiteURL == "" {
		c.SiteURL = DefaultSiteURL
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PrimaryContext == "" {
		c.PrimaryContext = DefaultPrimaryContext
	}
	if c.MaxAuthFailures <= 0 {
		c.MaxAuthFailures = DefaultMaxAuthFailures
	}
}

// Refresher mints fresh cookies, it is satisfied by *session.Manager.
type Refresher interface {
	GetCookies(ctx context.Context, force bool) (map[string]string, error)
}

type Adapter struct {
	cfg     Config
	storeID int
	client  *fetch.Client
	session Refresher
	tel     telemetry.API

	authFailures atomic.Int32
}

// New returns an adapter for one store. session may be nil, it is only
// used to refresh cookies after the api stops accepting them.
func New(cfg Config, client *fetch.Client, session Refresher, tel telemetry.API) (*Adapter, error) {
	cfg.defaults()
	storeID, err := strconv.Atoi(cfg.StoreID)
	if err != nil || storeID <= 0 {
		return nil, scrapeerr.Errorf(scrapeerr.Config, "heb: store id must be numeric, got %q", cfg.StoreID)
	}
	return &Adapter{
		cfg:     cfg,
		storeID: storeID,
		client:  client,
		session: session,
		tel:     telemetry.NewScopedAPI("heb", tel),
	}, nil
}

func (a *Adapter) Retailer() product.Retailer {
	return product.HEB
}

// SupportsFullInventory is true, the navigation tree covers the whole
// assortment of a store.
func (a *Adapter) SupportsFullInventory() bool {
	return true
}

// call runs a graphql operation and keeps track of consecutive
// authentication failures.
func (a *Adapter) call(ctx context.Context, name, query string, variables, output any) error {
	err := a.graphqlQuery(ctx, name, query, variables, output)

	var unauth errUnauthenticated
	if !errors.As(err, &unauth) {
		if err == nil {
			a.authFailures.Store(0)
		}
		return err
	}

	failures := a.authFailures.Add(1)
	if int(failures) >= a.cfg.MaxAuthFailures {
		return scrapeerr.Wrap(scrapeerr.Fatal, fmt.Errorf("%w, %d times in a row", unauth, failures))
	}
	if a.session != nil {
		_, rerr := a.session.GetCookies(ctx, true)
		if rerr != nil {
			a.tel.ReportWarning(report_refresh, rerr)
		}
	}
	return scrapeerr.Wrap(scrapeerr.Blocked, unauth)
}

type navigationNode struct {
	ID            string           `json:"id"`
	DisplayName   string           `json:"displayName"`
	Href          string           `json:"href"`
	SubCategories []navigationNode `json:"subCategories"`
}

type navigationResponse struct {
	ShopNavigation []navigationNode `json:"shopNavigation"`
}

// DiscoverCategories walks the navigation tree down to its leaves. The top
// level name is the parent of every leaf below it.
func (a *Adapter) DiscoverCategories(ctx context.Context) ([]product.Category, error) {
	var res navigationResponse
	err := a.call(ctx, "ShopNavigation", navigationQuery, map[string]any{
		"storeId": a.storeID,
	}, &res)
	if err != nil {
		a.tel.ReportBroken(report_discover, err)
		return nil, err
	}

	seen := map[string]bool{}
	var out []product.Category
	var walk func(node navigationNode, top string, path []string)
	walk = func(node navigationNode, top string, path []string) {
		if node.ID == "" || node.DisplayName == "" {
			return
		}
		path = append(path[:len(path):len(path)], node.DisplayName)
		if len(node.SubCategories) > 0 {
			for _, child := range node.SubCategories {
				walk(child, top, path)
			}
			return
		}
		if seen[node.ID] {
			return
		}
		seen[node.ID] = true

		parent := top
		if parent == node.DisplayName {
			parent = ""
		}
		out = append(out, product.Category{
			Retailer:   product.HEB,
			ID:         node.ID,
			Name:       node.DisplayName,
			ParentName: parent,
			URL:        node.Href,
			Path:       path,
		})
	}
	for _, top := range res.ShopNavigation {
		walk(top, top.DisplayName, nil)
	}
	return out, nil
}

type browseResponse struct {
	BrowseCategory struct {
		Total    int `json:"total"`
		PageInfo struct {
			HasNextPage bool   `json:"hasNextPage"`
			EndCursor   string `json:"endCursor"`
		} `json:"pageInfo"`
		Records []json.RawMessage `json:"records"`
	} `json:"browseCategory"`
}

func (a *Adapter) browse(ctx context.Context, category product.Category, cursor string) (browseResponse, error) {
	variables := map[string]any{
		"categoryId": category.ID,
		"storeId":    a.storeID,
		"limit":      a.cfg.PageSize,
	}
	if cursor != "" {
		variables["cursor"] = cursor
	}
	var res browseResponse
	err := a.call(ctx, "BrowseCategory", browseQuery, variables, &res)
	return res, err
}

// ScrapeCategory follows the cursor of a category. A failed page is
// retried with the same cursor when the consumer keeps ranging, since the
// next cursor is only known from a successful page.
func (a *Adapter) ScrapeCategory(ctx context.Context, category product.Category) iter.Seq2[[]product.RawProduct, error] {
	return func(yield func([]product.RawProduct, error) bool) {
		cursor := ""
		attempts := 0
		for {
			if ctx.Err() != nil {
				return
			}

			res, err := a.browse(ctx, category, cursor)
			if err != nil {
				a.tel.ReportWarning(report_browse, err, category.ID, cursor)
				attempts++
				if !yield(nil, err) {
					return
				}
				if !errors.Is(err, scrapeerr.Blocked) || attempts >= maxCursorAttempts {
					return
				}
				continue
			}
			attempts = 0

			page := make([]product.RawProduct, 0, len(res.BrowseCategory.Records))
			for _, record := range res.BrowseCategory.Records {
				var id struct {
					ProductID string `json:"productId"`
				}
				// records without an id are left to extraction to reject
				_ = json.Unmarshal(record, &id)
				page = append(page, product.RawProduct{ID: id.ProductID, Body: record})
			}
			if !yield(page, nil) {
				return
			}

			info := res.BrowseCategory.PageInfo
			if !info.HasNextPage || info.EndCursor == "" || info.EndCursor == cursor {
				return
			}
			cursor = info.EndCursor
		}
	}
}

// Package retailers maps retailer ids to their adapters and to the defaults
// the executables need to build one: base url, pacing, session warm up and
// block signatures.
package retailers

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/fetch"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/retailers/amazonfresh"
	"grocery-ingest/internal/retailers/heb"
	"grocery-ingest/internal/retailers/target"
	"grocery-ingest/internal/retailers/walmart"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/internal/scraper"
	"grocery-ingest/internal/session"
)

// Options are the settings of one sweep an adapter reads.
type Options struct {
	StoreID     string
	SkipDetails bool
	// Settings holds retailer specific values from config and env, for
	// instance api_key.
	Settings map[string]string
}

func (o Options) setting(key string) string {
	return o.Settings[key]
}

// Deps are the shared components handed to a constructor.
type Deps struct {
	Client  *fetch.Client
	Session *session.Manager
	Tel     telemetry.API
}

type Definition struct {
	Retailer       product.Retailer
	DisplayName    string
	BaseURL        string
	DefaultStoreID string

	// Delay and DelayVariance pace the sweep between pages and categories.
	Delay         time.Duration
	DelayVariance time.Duration
	// MinInterval is the floor between two http requests.
	MinInterval time.Duration
	Cloudflare  bool
	Headers     map[string]string

	HomeURL         string
	WarmURLs        []string
	RefreshInterval time.Duration
	RequiresBrowser bool
	// BrowserPost sends Post requests through the browser page so they
	// carry its fingerprint.
	BrowserPost     bool
	Hint            string
	BlockSignatures []string

	// Settings lists the keys of Options.Settings the adapter reads, each
	// mapped to the env variable that provides it.
	Settings map[string]string

	New func(opts Options, deps Deps) (scraper.Adapter, error)
}

// FetchConfig is the fetch client configuration of the retailer.
func (d Definition) FetchConfig() fetch.Config {
	return fetch.Config{
		Retailer:        d.Retailer,
		BaseURL:         d.BaseURL,
		Headers:         d.Headers,
		MinInterval:     d.MinInterval,
		Cloudflare:      d.Cloudflare,
		BlockSignatures: d.BlockSignatures,
	}
}

// SessionConfig is the session configuration of the retailer at storeID.
func (d Definition) SessionConfig(storeID string) session.Config {
	return session.Config{
		Retailer:        d.Retailer,
		StoreID:         storeID,
		HomeURL:         d.HomeURL,
		WarmURLs:        d.WarmURLs,
		RefreshInterval: d.RefreshInterval,
		RequiresBrowser: d.RequiresBrowser,
		Hint:            d.Hint,
		BlockSignatures: d.BlockSignatures,
	}
}

// Pacer returns the pacer of the retailer.
func (d Definition) Pacer() scraper.Pacer {
	return scraper.Pacer{Base: d.Delay, Variance: d.DelayVariance}
}

var definitions = map[product.Retailer]Definition{
	product.HEB: {
		Retailer:        product.HEB,
		DisplayName:     "H-E-B",
		BaseURL:         heb.DefaultSiteURL,
		DefaultStoreID:  "92",
		Delay:           2 * time.Second,
		DelayVariance:   time.Second,
		MinInterval:     500 * time.Millisecond,
		Headers:         map[string]string{"apollographql-client-name": "WebPlatform-Solar (Production)"},
		HomeURL:         heb.DefaultSiteURL,
		WarmURLs:        []string{heb.DefaultSiteURL + "/category/shop/fruit-vegetables/490020"},
		RefreshInterval: 30 * time.Minute,
		RequiresBrowser: true,
		BrowserPost:     true,
		Hint:            "heb sits behind incapsula, export the cookies of a logged in browser session with --cookies-file or HEB_COOKIES",
		BlockSignatures: []string{"incapsula incident id"},
		New: func(opts Options, deps Deps) (scraper.Adapter, error) {
			var refresher heb.Refresher
			if deps.Session != nil {
				refresher = deps.Session
			}
			adapter, err := heb.New(heb.Config{StoreID: opts.StoreID}, deps.Client, refresher, deps.Tel)
			if err != nil {
				return nil, err
			}
			return adapter, nil
		},
	},
	product.Walmart: {
		Retailer:        product.Walmart,
		DisplayName:     "Walmart",
		BaseURL:         walmart.DefaultSiteURL,
		DefaultStoreID:  "5260",
		Delay:           3 * time.Second,
		DelayVariance:   1500 * time.Millisecond,
		MinInterval:     time.Second,
		Cloudflare:      true,
		HomeURL:         walmart.DefaultSiteURL,
		WarmURLs:        []string{walmart.DefaultSiteURL + walmart.DefaultDepartmentPath},
		RefreshInterval: 20 * time.Minute,
		RequiresBrowser: true,
		Hint:            "walmart challenges fresh sessions, solve one captcha in a browser and pass its cookies with --cookies-file or WALMART_COOKIES",
		New: func(opts Options, deps Deps) (scraper.Adapter, error) {
			return walmart.New(walmart.Config{SkipDetails: opts.SkipDetails}, deps.Client, deps.Tel), nil
		},
	},
	product.Target: {
		Retailer:       product.Target,
		DisplayName:    "Target",
		BaseURL:        "https://redsky.target.com",
		DefaultStoreID: "1375",
		Delay:          time.Second,
		DelayVariance:  500 * time.Millisecond,
		MinInterval:    250 * time.Millisecond,
		Headers: map[string]string{
			"origin":  target.DefaultSiteURL,
			"referer": target.DefaultSiteURL + "/",
		},
		Settings: map[string]string{"api_key": "TARGET_API_KEY"},
		New: func(opts Options, deps Deps) (scraper.Adapter, error) {
			adapter, err := target.New(target.Config{
				StoreID: opts.StoreID,
				APIKey:  opts.setting("api_key"),
			}, deps.Client, deps.Tel)
			if err != nil {
				return nil, err
			}
			return adapter, nil
		},
	},
	product.AmazonFresh: {
		Retailer:        product.AmazonFresh,
		DisplayName:     "Amazon Fresh",
		BaseURL:         amazonfresh.DefaultSiteURL,
		DefaultStoreID:  "default",
		Delay:           4 * time.Second,
		DelayVariance:   2 * time.Second,
		MinInterval:     2 * time.Second,
		HomeURL:         amazonfresh.DefaultSiteURL + "/alm/storefront?almBrandId=QW1hem9uIEZyZXNo",
		RefreshInterval: time.Hour,
		RequiresBrowser: true,
		Hint:            "amazon fresh prices depend on the delivery address, pass the cookies of a browser with the address set via --cookies-file or AMAZONFRESH_COOKIES",
		BlockSignatures: amazonfresh.BlockSignatures,
		New: func(opts Options, deps Deps) (scraper.Adapter, error) {
			return amazonfresh.New(amazonfresh.Config{}, deps.Client, deps.Tel), nil
		},
	},
}

// Lookup returns the definition of a retailer id, ids are case insensitive.
func Lookup(id string) (Definition, error) {
	def, ok := definitions[product.Retailer(strings.ToLower(strings.TrimSpace(id)))]
	if !ok {
		return Definition{}, scrapeerr.Errorf(scrapeerr.Config, "unknown retailer %q, known: %s", id, strings.Join(IDs(), ", "))
	}
	return def, nil
}

// IDs returns the known retailer ids, sorted.
func IDs() []string {
	ids := make([]string, 0, len(definitions))
	for id := range definitions {
		ids = append(ids, string(id))
	}
	slices.Sort(ids)
	return ids
}

// All returns every definition ordered by retailer id.
func All() []Definition {
	out := make([]Definition, 0, len(definitions))
	for _, id := range IDs() {
		out = append(out, definitions[product.Retailer(id)])
	}
	return out
}

// Build constructs the adapter of d, falling back to the default store.
func (d Definition) Build(opts Options, deps Deps) (scraper.Adapter, error) {
	if opts.StoreID == "" {
		opts.StoreID = d.DefaultStoreID
	}
	adapter, err := d.New(opts, deps)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", d.Retailer, err)
	}
	return adapter, nil
}

// Package scraper drives one sweep of one retailer location: discovery,
// the grocery filter, lazy pagination, extraction, enrichment and the sink.
// Retailers plug in through the small capability interfaces below.
package scraper

import (
	"context"
	"iter"

	"grocery-ingest/internal/product"
)

type CategoryDiscoverer interface {
	// DiscoverCategories returns every leaf category that may contain a
	// grocery product in the retailer's preferred order. A missing subtree
	// is skipped, not an error.
	DiscoverCategories(ctx context.Context) ([]product.Category, error)
}

type CategoryScraper interface {
	// ScrapeCategory yields the category's listing page by page. A page that
	// failed is yielded as an error; the sequence keeps going after Blocked
	// errors when the consumer keeps ranging and stops after any other error.
	ScrapeCategory(ctx context.Context, category product.Category) iter.Seq2[[]product.RawProduct, error]
}

type ProductExtractor interface {
	// ExtractProduct never performs I/O and returns the same product for
	// the same record.
	ExtractProduct(raw product.RawProduct) (product.Normalized, error)
}

type Adapter interface {
	Retailer() product.Retailer
	CategoryDiscoverer
	CategoryScraper
	ProductExtractor
}

// EnrichmentProvider is implemented by adapters with a batch endpoint that
// fills fields listings lack.
type EnrichmentProvider interface {
	EnrichBatch(ctx context.Context, batch []product.Normalized) ([]product.Normalized, error)
}

// FullInventoryReporter is implemented by adapters whose discovery covers
// the whole assortment, the driver deactivates absent products for them.
type FullInventoryReporter interface {
	SupportsFullInventory() bool
}

// Enricher decorates records from a source outside the retailer. Records
// it leaves out are treated as not stocked at the location.
type Enricher interface {
	Enrich(ctx context.Context, records []product.Normalized) ([]product.Normalized, error)
}

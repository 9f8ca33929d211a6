// Package enrich decorates scraped records with fields listings do not
// carry (barcode, brand, per store assortment) and backfills barcodes of
// products that are only known by an opaque retailer identifier.
package enrich

import (
	"context"
	"fmt"
	"slices"
	"time"

	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
)

const (
	report_lookup = "client.lookup"
)

const (
	DefaultChunkSize = 1000
	DefaultPause     = 500 * time.Millisecond
)

// Record is what a lookup knows about one retailer product id.
type Record struct {
	RetailerProductID string
	Barcode           string
	Brand             string
	// InAssortment is the lookup's own stocked flag, StoreIDs lists the
	// stores the product is stocked at when the lookup knows them.
	InAssortment *bool
	StoreIDs     []string
}

// Lookup resolves a batch of retailer product ids, ids it knows nothing
// about are left out of the result.
type Lookup interface {
	Lookup(ctx context.Context, ids []string) (map[string]Record, error)
}

type Options struct {
	ChunkSize int
	Pause     time.Duration
	// StoreID, together with FilterAssortment, drops records the lookup
	// reports as not stocked at that store.
	StoreID          string
	FilterAssortment bool
}

type Client struct {
	lookup Lookup
	opts   Options
	tel    telemetry.API
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewClient(lookup Lookup, opts Options, tel telemetry.API) *Client {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Pause < 0 {
		opts.Pause = 0
	}
	return &Client{
		lookup: lookup,
		opts:   opts,
		tel:    telemetry.NewScopedAPI("enrich", tel),
		sleep:  sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Enrich looks records up chunk by chunk, one chunk at a time, and merges
// what it finds into them. Records the lookup does not know stay as they
// are. A failing chunk is returned as an error together with every record,
// enriched or not, so callers can carry on with them.
func (c *Client) Enrich(ctx context.Context, records []product.Normalized) ([]product.Normalized, error) {
	out := make([]product.Normalized, 0, len(records))
	for start := 0; start < len(records); start += c.opts.ChunkSize {
		if start > 0 {
			err := c.sleep(ctx, c.opts.Pause)
			if err != nil {
				return append(out, records[start:]...), err
			}
		}
		chunk := records[start:min(start+c.opts.ChunkSize, len(records))]

		ids := make([]string, len(chunk))
		for i, n := range chunk {
			ids[i] = n.RetailerProductID
		}
		found, err := c.lookup.Lookup(ctx, ids)
		if err != nil {
			c.tel.ReportWarning(report_lookup, err, len(ids))
			return append(out, records[start:]...), fmt.Errorf("enrich chunk at %d: %w", start, err)
		}

		for _, n := range chunk {
			rec, ok := found[n.RetailerProductID]
			if !ok {
				out = append(out, n)
				continue
			}
			if c.opts.FilterAssortment && !c.stocked(rec) {
				c.tel.ReportDebug("dropping product not stocked at store", n.RetailerProductID, c.opts.StoreID)
				continue
			}
			out = append(out, apply(n, rec))
		}
	}
	return out, nil
}

func (c *Client) stocked(rec Record) bool {
	if len(rec.StoreIDs) > 0 && c.opts.StoreID != "" {
		return slices.Contains(rec.StoreIDs, c.opts.StoreID)
	}
	return rec.InAssortment == nil || *rec.InAssortment
}

// apply fills the fields of n the record knows and n does not.
func apply(n product.Normalized, rec Record) product.Normalized {
	extra := product.Normalized{
		Brand:        rec.Brand,
		InAssortment: rec.InAssortment,
	}
	if barcode, ok := product.NormalizeBarcode(rec.Barcode); ok {
		extra.Barcode = barcode
	}
	return product.Merge(n, extra)
}

// Unavailable wraps errors of lookups that cannot be reached, the driver
// keeps going without enrichment.
func Unavailable(err error) error {
	return scrapeerr.Wrap(scrapeerr.Transient, err)
}

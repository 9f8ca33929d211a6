package enrich

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/internal/store"
	"grocery-ingest/lib/textutil"

	"github.com/antzucaro/matchr"
)

const (
	report_backfill_lookup = "backfill.lookup"
	report_backfill_write  = "backfill.write"
)

// ASINPattern matches amazon standard identification numbers of regular
// catalog products.
var ASINPattern = regexp.MustCompile(`^B0[0-9A-Z]{8}$`)

const (
	DefaultPerCall       = 10
	DefaultBackfillLimit = 1000
	DefaultMinSimilarity = 0.7
)

type BackfillOptions struct {
	// Pattern selects the retailer product ids worth converting.
	Pattern *regexp.Regexp
	// PerCall is how many ids go into one conversion call, Limit how many
	// products one run looks at.
	PerCall int
	Limit   int
	// MinSimilarity is the Jaro-Winkler similarity the converted title
	// must reach against the stored name.
	MinSimilarity float64
	Pause         time.Duration
}

type BackfillResult struct {
	Candidates int
	Converted  int
	Mismatched int
	Written    int
	// Skipped is set when no conversion service is configured.
	Skipped bool
}

// Backfill finds products without a barcode whose retailer id converts to
// one and writes the barcode back. Running it twice changes nothing the
// second time since only products without a barcode are considered.
type Backfill struct {
	store  store.Store
	lookup BarcodeLookup
	opts   BackfillOptions
	tel    telemetry.API
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewBackfill returns a backfill, lookup is nil when no token is
// configured and makes Run a no-op.
func NewBackfill(s store.Store, lookup BarcodeLookup, opts BackfillOptions, tel telemetry.API) *Backfill {
	if opts.Pattern == nil {
		opts.Pattern = ASINPattern
	}
	if opts.PerCall <= 0 {
		opts.PerCall = DefaultPerCall
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultBackfillLimit
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = DefaultMinSimilarity
	}
	return &Backfill{
		store:  s,
		lookup: lookup,
		opts:   opts,
		tel:    telemetry.NewScopedAPI("enrich", tel),
		sleep:  sleep,
	}
}

// similar reports whether the converted title describes the stored
// product. Conversions without a title are trusted.
func (b *Backfill) similar(stored, converted string) bool {
	if converted == "" {
		return true
	}
	left, right := textutil.NormalizeName(stored), textutil.NormalizeName(converted)
	if strings.Contains(right, left) || strings.Contains(left, right) {
		return true
	}
	return matchr.JaroWinkler(left, right, false) >= b.opts.MinSimilarity
}

func (b *Backfill) Run(ctx context.Context, retailer product.Retailer) (BackfillResult, error) {
	if b.lookup == nil {
		b.tel.ReportDebug("barcode backfill skipped, no token configured", retailer)
		return BackfillResult{Skipped: true}, nil
	}

	missing, err := b.store.ProductsMissingBarcode(ctx, retailer, b.opts.Limit)
	if err != nil {
		return BackfillResult{}, scrapeerr.Wrap(scrapeerr.Storage, err)
	}
	var candidates []store.MissingBarcode
	for _, m := range missing {
		if b.opts.Pattern.MatchString(m.RetailerProductID) {
			candidates = append(candidates, m)
		}
	}

	result := BackfillResult{Candidates: len(candidates)}
	for start := 0; start < len(candidates); start += b.opts.PerCall {
		if start > 0 {
			err := b.sleep(ctx, b.opts.Pause)
			if err != nil {
				return result, err
			}
		}
		batch := candidates[start:min(start+b.opts.PerCall, len(candidates))]
		ids := make([]string, len(batch))
		for i, m := range batch {
			ids[i] = m.RetailerProductID
		}

		conversions, err := b.lookup.Barcodes(ctx, ids)
		if err != nil {
			if scrapeerr.Terminal(err) {
				b.tel.ReportBroken(report_backfill_lookup, err)
				return result, err
			}
			b.tel.ReportWarning(report_backfill_lookup, err, len(ids))
			continue
		}

		for _, m := range batch {
			conv, ok := conversions[m.RetailerProductID]
			if !ok {
				continue
			}
			result.Converted++
			if !b.similar(m.Name, conv.Title) {
				result.Mismatched++
				b.tel.ReportDebug("barcode title mismatch", m.RetailerProductID, m.Name, conv.Title)
				continue
			}
			written, err := b.store.SetBarcode(ctx, m.ProductID, conv.Barcode)
			if err != nil {
				b.tel.ReportWarning(report_backfill_write, fmt.Errorf("%s: %w", m.RetailerProductID, err))
				continue
			}
			if written {
				result.Written++
			}
		}
	}
	return result, nil
}

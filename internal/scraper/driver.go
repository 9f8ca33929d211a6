package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"grocery-ingest/internal/assert"
	"grocery-ingest/internal/components/chrono"
	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/internal/taxonomy"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	report_discover   = "driver.discover"
	report_category   = "driver.scrape-category"
	report_blocked    = "driver.blocked-page"
	report_extract    = "driver.extract"
	report_enrich     = "driver.enrich"
	report_persist    = "driver.persist"
	report_deactivate = "driver.deactivate-absent"
	report_checkpoint = "driver.checkpoint"
	report_finish     = "driver.finish"
)

const (
	DefaultEnrichBatchSize      = 50
	DefaultMaxConsecutiveBlocks = 1
	DefaultBlockCooldown        = 30 * time.Second
)

type Options struct {
	StoreID string
	// MaxItems caps the records handed to the sink, zero means no cap.
	MaxItems int
	// StartFromCategory skips the first K categories left after the
	// grocery filter.
	StartFromCategory int
	// Enrich turns on the adapter's batch endpoint and the Enricher.
	Enrich          bool
	EnrichBatchSize int
	Enricher        Enricher

	Pacer Pacer
	// BlockCooldown is the pause after a blocked page.
	BlockCooldown time.Duration
	// MaxConsecutiveBlocks is how many blocked pages in a row a category
	// tolerates, the next one abandons it.
	MaxConsecutiveBlocks int

	// Checkpoint runs after every page, usually to persist session state.
	Checkpoint func(ctx context.Context) error
}

func (o *Options) defaults() {
	if o.EnrichBatchSize <= 0 {
		o.EnrichBatchSize = DefaultEnrichBatchSize
	}
	if o.BlockCooldown <= 0 {
		o.BlockCooldown = DefaultBlockCooldown
	}
	if o.MaxConsecutiveBlocks <= 0 {
		o.MaxConsecutiveBlocks = DefaultMaxConsecutiveBlocks
	}
}

// Driver runs one sweep of one adapter into one sink. A Driver is not
// reusable, construct a new one per sweep.
type Driver struct {
	adapter Adapter
	sink    Sink
	opts    Options
	time    chrono.API
	tel     telemetry.API
	sleep   func(ctx context.Context, d time.Duration) error

	cancelled atomic.Bool

	// only touched by the goroutine running Run
	seen  map[string]struct{}
	stats Stats
}

func NewDriver(adapter Adapter, sink Sink, opts Options, clock chrono.API, tel telemetry.API) *Driver {
	assert.NotNil(adapter, "adapter")
	assert.NotNil(sink, "sink")
	opts.defaults()
	return &Driver{
		adapter: adapter,
		sink:    sink,
		opts:    opts,
		time:    clock,
		tel:     telemetry.NewScopedAPI(fmt.Sprintf("scraper(%s)", adapter.Retailer()), tel),
		sleep:   sleep,
		seen:    map[string]struct{}{},
	}
}

// Cancel makes the sweep stop after the record it is working on. It is
// safe to call from any goroutine.
func (d *Driver) Cancel() {
	d.cancelled.Store(true)
}

func (d *Driver) Cancelled() bool {
	return d.cancelled.Load()
}

// MarkSeen records ids as already processed, used when resuming from a
// snapshot. Must be called before Run.
func (d *Driver) MarkSeen(ids ...string) {
	for _, id := range ids {
		if id != "" {
			d.seen[id] = struct{}{}
		}
	}
}

func (d *Driver) stopped(ctx context.Context) bool {
	return d.cancelled.Load() || ctx.Err() != nil
}

func (d *Driver) retailer() product.Retailer {
	return d.adapter.Retailer()
}

func (d *Driver) fullInventory() bool {
	r, ok := d.adapter.(FullInventoryReporter)
	return ok && r.SupportsFullInventory()
}

// Run executes the sweep. The returned error is only set for fatal errors
// and context cancellation, everything else is counted in Stats.
func (d *Driver) Run(ctx context.Context) (Stats, error) {
	ctx, span := tracer.Start(ctx, "Sweep", trace.WithAttributes(
		attribute.String("retailer", string(d.retailer())),
		attribute.String("store_id", d.opts.StoreID),
	))
	defer span.End()

	start := d.time.Now()
	d.stats = Stats{Retailer: d.retailer(), StoreID: d.opts.StoreID}

	err := d.sweep(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	d.stats.Cancelled = d.stopped(ctx)
	d.stats.Elapsed = d.time.Now().Sub(start)
	if err != nil {
		d.stats.Complete = false
		span.SetStatus(codes.Error, err.Error())
	}

	if f, ok := d.sink.(Finisher); ok {
		// the sweep context may already be cancelled, the sink still needs
		// to flush what it buffered
		ferr := f.Finish(context.WithoutCancel(ctx), d.stats)
		if ferr != nil {
			d.tel.ReportBroken(report_finish, ferr)
			d.stats.addError("finish: %v", ferr)
		}
	}
	return d.stats, err
}

func (d *Driver) sweep(ctx context.Context) error {
	categories, err := d.adapter.DiscoverCategories(ctx)
	if err != nil {
		if scrapeerr.Terminal(err) || len(categories) == 0 {
			d.tel.ReportBroken(report_discover, err)
			return fmt.Errorf("discover categories: %w", err)
		}
		// partial discovery, the sweep cannot claim full coverage
		d.tel.ReportWarning(report_discover, err, len(categories))
		d.stats.addError("discover categories: %v", err)
	}
	complete := err == nil

	var included []product.Category
	for _, c := range categories {
		if !taxonomy.IsGrocery(d.retailer(), c.Name, c.ParentName) {
			d.stats.ExcludedCategories++
			d.tel.ReportDebug("excluding non grocery category", c.ID, c.Name, c.ParentName)
			continue
		}
		included = append(included, c)
	}
	if d.opts.StartFromCategory > 0 {
		complete = false
		included = included[min(d.opts.StartFromCategory, len(included)):]
	}
	d.tel.ReportDebug("discovered categories", len(included), d.stats.ExcludedCategories, d.opts.StartFromCategory)

	for i, category := range included {
		if d.stopped(ctx) {
			break
		}
		if i > 0 {
			err := d.sleep(ctx, d.opts.Pacer.Next())
			if err != nil {
				break
			}
		}

		d.stats.Categories++
		err := d.scrapeCategory(ctx, category)
		switch {
		case err == nil:
		case scrapeerr.Terminal(err):
			d.tel.ReportBroken(report_category, err, category.ID)
			d.stats.addError("category %s: %v", category.ID, err)
			return err
		case errors.Is(err, errCategoryAbandoned):
			complete = false
			d.stats.AbandonedCategories++
			d.categoryFailed(ctx, category, err)
		default:
			complete = false
			d.stats.FailedCategories++
			d.tel.ReportWarning(report_category, err, category.ID)
			d.categoryFailed(ctx, category, err)
		}
	}

	if d.stopped(ctx) {
		return nil
	}
	d.stats.Complete = complete
	// an empty seen set would deactivate the whole retailer
	if !complete || !d.fullInventory() || len(d.seen) == 0 {
		return nil
	}

	deactivator, ok := d.sink.(Deactivator)
	if !ok {
		return nil
	}
	count, err := deactivator.DeactivateAbsent(ctx, d.retailer(), d.seen)
	if err != nil {
		d.tel.ReportBroken(report_deactivate, err)
		d.stats.addError("deactivate absent: %v", err)
		return nil
	}
	d.stats.Deactivated = count
	d.tel.ReportDebug("deactivated absent mappings", count)
	return nil
}

var errCategoryAbandoned = errors.New("abandoned after consecutive blocked pages")

// categoryFailed counts the page the sweep gave up on as a failed record.
func (d *Driver) categoryFailed(ctx context.Context, category product.Category, err error) {
	d.stats.Failed++
	failedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("retailer", string(d.retailer())),
		attribute.String("category_id", category.ID),
	))
	d.stats.addError("category %s: %v", category.ID, err)
}

func (d *Driver) scrapeCategory(ctx context.Context, category product.Category) error {
	ctx, span := tracer.Start(ctx, "ScrapeCategory", trace.WithAttributes(
		attribute.String("category_id", category.ID),
		attribute.String("category_name", category.Name),
	))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("retailer", string(d.retailer())))
	blocked := 0
	page := 0
	for raws, err := range d.adapter.ScrapeCategory(ctx, category) {
		page++
		if d.stopped(ctx) {
			return nil
		}

		if err != nil {
			if !errors.Is(err, scrapeerr.Blocked) {
				span.SetStatus(codes.Error, err.Error())
				return fmt.Errorf("page %d: %w", page, err)
			}
			blocked++
			d.stats.BlockedPages++
			blockedCounter.Add(ctx, 1, attrs)
			d.tel.ReportWarning(report_blocked, err, category.ID, page)
			if blocked > d.opts.MaxConsecutiveBlocks {
				span.SetStatus(codes.Error, errCategoryAbandoned.Error())
				return fmt.Errorf("page %d: %w", page, errCategoryAbandoned)
			}
			d.stats.addError("category %s page %d: %v", category.ID, page, err)
			err = d.sleep(ctx, d.opts.BlockCooldown)
			if err != nil {
				return nil
			}
			continue
		}
		blocked = 0

		start := time.Now()
		err = d.processPage(ctx, category, raws)
		pageDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		if d.opts.Checkpoint != nil {
			err = d.opts.Checkpoint(ctx)
			if err != nil {
				d.tel.ReportWarning(report_checkpoint, err)
			}
		}
		if d.stopped(ctx) {
			return nil
		}
		err = d.sleep(ctx, d.opts.Pacer.Next())
		if err != nil {
			return nil
		}
	}
	return nil
}

// processPage extracts, enriches and persists one listing page. Only
// fatal errors are returned.
func (d *Driver) processPage(ctx context.Context, category product.Category, raws []product.RawProduct) error {
	attrs := metric.WithAttributes(attribute.String("retailer", string(d.retailer())))

	batch := make([]product.Normalized, 0, len(raws))
	for _, raw := range raws {
		if d.stopped(ctx) {
			return nil
		}
		if _, dup := d.seen[raw.ID]; raw.ID != "" && dup {
			d.stats.Duplicates++
			continue
		}

		n, err := d.adapter.ExtractProduct(raw)
		if err == nil {
			err = n.Validate()
		}
		if err != nil {
			d.stats.Failed++
			failedCounter.Add(ctx, 1, attrs)
			d.tel.ReportWarning(report_extract, err, raw.ID)
			d.stats.addError("extract %s: %v", raw.ID, err)
			continue
		}
		if _, dup := d.seen[n.RetailerProductID]; dup {
			d.stats.Duplicates++
			continue
		}
		d.seen[n.RetailerProductID] = struct{}{}
		if raw.ID != "" {
			d.seen[raw.ID] = struct{}{}
		}

		if n.Retailer == "" {
			n.Retailer = d.retailer()
		}
		if n.StoreID == "" {
			n.StoreID = d.opts.StoreID
		}
		if n.RetailerCategoryName == "" {
			n.RetailerCategoryName = category.Name
			n.RetailerParentCategory = category.ParentName
		}
		if n.CategorySlug == "" {
			n.CategorySlug, n.SubcategorySlug = taxonomy.Map(d.retailer(), n.RetailerCategoryName, n.RetailerParentCategory)
		}
		batch = append(batch, n)
	}

	if d.opts.Enrich {
		enriched, err := d.enrich(ctx, batch)
		if err != nil {
			return err
		}
		batch = enriched
	}

	for _, n := range batch {
		if d.stopped(ctx) {
			return nil
		}
		err := d.sink.Put(ctx, n)
		if err != nil {
			if scrapeerr.Terminal(err) {
				return err
			}
			d.stats.Failed++
			failedCounter.Add(ctx, 1, attrs)
			d.tel.ReportWarning(report_persist, err, n.Retailer, n.RetailerProductID)
			d.stats.addError("persist %s: %v", n.RetailerProductID, err)
			continue
		}
		d.stats.Scraped++
		scrapedCounter.Add(ctx, 1, attrs)

		if d.opts.MaxItems > 0 && d.stats.Scraped >= d.opts.MaxItems {
			d.stats.Capped = true
			d.Cancel()
			return nil
		}
	}
	return nil
}

// enrich runs the adapter's batch endpoint and the Enricher over batch in
// chunks. Enrichment failures leave records as they were, records the
// Enricher drops are removed from the seen set since they are not stocked.
func (d *Driver) enrich(ctx context.Context, batch []product.Normalized) ([]product.Normalized, error) {
	provider, _ := d.adapter.(EnrichmentProvider)
	if provider == nil && d.opts.Enricher == nil {
		return batch, nil
	}

	out := make([]product.Normalized, 0, len(batch))
	for start := 0; start < len(batch); start += d.opts.EnrichBatchSize {
		if d.stopped(ctx) {
			break
		}
		chunk := batch[start:min(start+d.opts.EnrichBatchSize, len(batch))]

		if provider != nil {
			enriched, err := provider.EnrichBatch(ctx, chunk)
			switch {
			case err == nil:
				chunk = enriched
			case scrapeerr.Terminal(err):
				return nil, err
			default:
				d.tel.ReportWarning(report_enrich, fmt.Errorf("adapter: %w", err), len(chunk))
				d.stats.addError("enrich batch: %v", err)
			}
		}

		if d.opts.Enricher != nil {
			enriched, err := d.opts.Enricher.Enrich(ctx, chunk)
			switch {
			case err == nil:
				d.forgetDropped(chunk, enriched)
				chunk = enriched
			case scrapeerr.Terminal(err):
				return nil, err
			default:
				d.tel.ReportWarning(report_enrich, err, len(chunk))
				d.stats.addError("enrich: %v", err)
			}
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (d *Driver) forgetDropped(before, after []product.Normalized) {
	if len(after) == len(before) {
		return
	}
	kept := make(map[string]bool, len(after))
	for _, n := range after {
		kept[n.RetailerProductID] = true
	}
	for _, n := range before {
		if !kept[n.RetailerProductID] {
			delete(d.seen, n.RetailerProductID)
			d.stats.Filtered++
		}
	}
}

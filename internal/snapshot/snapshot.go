// Package snapshot writes the products of a sweep to a json file, every
// few records and atomically, so that a killed sweep can be resumed from
// whatever the file holds.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"grocery-ingest/internal/components/chrono"
	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/internal/scraper"
	"grocery-ingest/lib/osutil"
)

const (
	report_flush  = "writer.flush"
	report_resume = "writer.resume"
)

const DefaultFlushEvery = 50

type Metadata struct {
	Retailer      product.Retailer `json:"retailer"`
	StoreID       string           `json:"store_id"`
	ScrapedAt     time.Time        `json:"scraped_at"`
	TotalProducts int              `json:"total_products"`
	Stats         *scraper.Stats   `json:"stats,omitempty"`
}

type File struct {
	Metadata Metadata             `json:"metadata"`
	Products []product.Normalized `json:"products"`
}

// Read parses a snapshot file.
func Read(path string) (File, error) {
	buff, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var file File
	err = json.Unmarshal(buff, &file)
	if err != nil {
		return File{}, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return file, nil
}

// Writer is a scraper.Sink that keeps every product in memory and rewrites
// the whole file every FlushEvery records.
type Writer struct {
	path       string
	flushEvery int
	time       chrono.API
	tel        telemetry.API

	mu      sync.Mutex
	file    File
	index   map[string]int
	pending int
	resumed int
}

// Open prepares a writer for path. An existing snapshot of the same
// location is resumed: its products are kept and reported by SeenIDs.
func Open(path string, location product.Location, flushEvery int, clock chrono.API, tel telemetry.API) (*Writer, error) {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	w := &Writer{
		path:       path,
		flushEvery: flushEvery,
		time:       clock,
		tel:        telemetry.NewScopedAPI("snapshot", tel),
		file: File{Metadata: Metadata{
			Retailer: location.Retailer,
			StoreID:  location.StoreID,
		}},
		index: map[string]int{},
	}

	existing, err := Read(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, scrapeerr.Wrap(scrapeerr.Config, err)
	case existing.Metadata.Retailer != location.Retailer || existing.Metadata.StoreID != location.StoreID:
		return nil, scrapeerr.Errorf(
			scrapeerr.Config,
			"snapshot %s belongs to %s/%s, not %s/%s",
			path, existing.Metadata.Retailer, existing.Metadata.StoreID, location.Retailer, location.StoreID,
		)
	default:
		for _, p := range existing.Products {
			w.add(p)
		}
		w.resumed = len(w.file.Products)
		w.tel.ReportDebug("resuming snapshot", path, w.resumed)
	}

	err = osutil.EnsureParent(path)
	if err != nil {
		return nil, scrapeerr.Wrap(scrapeerr.Config, err)
	}
	return w, nil
}

func (w *Writer) add(n product.Normalized) {
	if i, ok := w.index[n.RetailerProductID]; ok {
		w.file.Products[i] = n
		return
	}
	w.index[n.RetailerProductID] = len(w.file.Products)
	w.file.Products = append(w.file.Products, n)
}

// SeenIDs returns the retailer product ids the snapshot already holds.
func (w *Writer) SeenIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.file.Products))
	for _, p := range w.file.Products {
		ids = append(ids, p.RetailerProductID)
	}
	return ids
}

// Resumed is the number of products read from an existing snapshot.
func (w *Writer) Resumed() int {
	return w.resumed
}

func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.file.Products)
}

func (w *Writer) Put(ctx context.Context, n product.Normalized) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.add(n)
	w.pending++
	if w.pending < w.flushEvery {
		return nil
	}
	return w.flush()
}

// Finish stores the final stats and writes the file.
func (w *Writer) Finish(ctx context.Context, stats scraper.Stats) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.file.Metadata.Stats = &stats
	return w.flush()
}

// Flush writes everything received so far.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flush()
}

func (w *Writer) flush() error {
	w.file.Metadata.ScrapedAt = w.time.Now()
	w.file.Metadata.TotalProducts = len(w.file.Products)
	if w.file.Products == nil {
		w.file.Products = []product.Normalized{}
	}

	buff, err := json.MarshalIndent(w.file, "", "  ")
	if err != nil {
		w.tel.ReportBroken(report_flush, err)
		return scrapeerr.Wrap(scrapeerr.Storage, err)
	}
	err = osutil.WriteFileAtomic(w.path, buff, 0644)
	if err != nil {
		w.tel.ReportBroken(report_flush, err, w.path)
		return scrapeerr.Wrap(scrapeerr.Storage, err)
	}
	w.pending = 0
	return nil
}

package scraper

import (
	"context"
	"errors"
	"fmt"

	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/internal/store"
)

// Sink receives every normalized record of a sweep.
type Sink interface {
	Put(ctx context.Context, n product.Normalized) error
}

// Deactivator is implemented by sinks that track retailer mappings.
type Deactivator interface {
	DeactivateAbsent(ctx context.Context, retailer product.Retailer, seen map[string]struct{}) (int64, error)
}

// Finisher is implemented by sinks that buffer records, Finish is called
// once at the end of the sweep, cancelled or not.
type Finisher interface {
	Finish(ctx context.Context, stats Stats) error
}

// StoreSink writes records through the datastore gateway.
type StoreSink struct {
	Store store.Store
}

func (s StoreSink) Put(ctx context.Context, n product.Normalized) error {
	_, err := s.Store.UpsertProduct(ctx, n)
	if err != nil {
		return scrapeerr.Wrap(scrapeerr.Storage, err)
	}
	return nil
}

func (s StoreSink) DeactivateAbsent(ctx context.Context, retailer product.Retailer, seen map[string]struct{}) (int64, error) {
	return s.Store.DeactivateAbsent(ctx, retailer, seen)
}

// DiscardSink drops every record, used by dry runs without an output file.
type DiscardSink struct{}

func (DiscardSink) Put(context.Context, product.Normalized) error { return nil }

// MultiSink writes to every sink in order. A failing sink does not keep
// the record from the others, the failures are joined.
type MultiSink []Sink

func (m MultiSink) Put(ctx context.Context, n product.Normalized) error {
	var errs []error
	for _, s := range m {
		err := s.Put(ctx, n)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) DeactivateAbsent(ctx context.Context, retailer product.Retailer, seen map[string]struct{}) (int64, error) {
	var total int64
	for _, s := range m {
		d, ok := s.(Deactivator)
		if !ok {
			continue
		}
		count, err := d.DeactivateAbsent(ctx, retailer, seen)
		if err != nil {
			return total, err
		}
		total += count
	}
	return total, nil
}

func (m MultiSink) Finish(ctx context.Context, stats Stats) error {
	var errs []error
	for _, s := range m {
		f, ok := s.(Finisher)
		if !ok {
			continue
		}
		err := f.Finish(ctx, stats)
		if err != nil {
			errs = append(errs, fmt.Errorf("finish: %w", err))
		}
	}
	return errors.Join(errs...)
}

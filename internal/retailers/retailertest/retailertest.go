// Package retailertest holds helpers shared by the adapter tests.
package retailertest

import (
	"iter"
	"testing"
	"time"

	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/fetch"
	"grocery-ingest/internal/product"
)

// NewClient returns a fetch client for baseURL that retries quickly.
func NewClient(t testing.TB, retailer product.Retailer, baseURL string) *fetch.Client {
	t.Helper()
	client, err := fetch.New(fetch.Config{
		Retailer:     retailer,
		BaseURL:      baseURL,
		MaxRetries:   1,
		RetryWait:    time.Millisecond,
		RetryMaxWait: 5 * time.Millisecond,
	}, telemetry.NewRecorder())
	if err != nil {
		t.Fatal(err)
	}
	return client
}

// Step is one element of a page sequence.
type Step struct {
	Page []product.RawProduct
	Err  error
}

// Collect ranges over seq like the sweep driver does, continuing after
// errors, and stops after limit steps.
func Collect(seq iter.Seq2[[]product.RawProduct, error], limit int) []Step {
	var steps []Step
	for page, err := range seq {
		steps = append(steps, Step{Page: page, Err: err})
		if len(steps) >= limit {
			break
		}
	}
	return steps
}

// IDs flattens the ids of every successful page.
func IDs(steps []Step) []string {
	var ids []string
	for _, step := range steps {
		for _, raw := range step.Page {
			ids = append(ids, raw.ID)
		}
	}
	return ids
}

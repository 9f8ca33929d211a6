package scraper

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// FanOut runs fn for every index in [0, n) with at most width calls in
// flight and returns once all of them returned. The first error cancels
// the context handed to the remaining calls and is returned.
//
// fn must only write to its own index of any shared slice, results are
// folded back by the caller after FanOut returns.
func FanOut(ctx context.Context, width, n int, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(width, 1))
	for i := range n {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fn(ctx, i)
		})
	}
	return g.Wait()
}

package scraper

import (
	"context"
	"math/rand/v2"
	"time"
)

// MinDelay is the floor of every pause, whatever the configuration says.
const MinDelay = 100 * time.Millisecond

// Pacer produces pauses uniformly distributed in Base ± Variance.
type Pacer struct {
	Base     time.Duration
	Variance time.Duration
}

func (p Pacer) Next() time.Duration {
	d := p.Base
	if p.Variance > 0 {
		d += rand.N(2*p.Variance+1) - p.Variance
	}
	return max(d, MinDelay)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package scan

import (
	"context"
	"math/rand/v2"
	"time"
)

// Pacer spaces out detail lookups with a random delay in [min, max].
// A zero max disables waiting.
type Pacer struct {
	min, max time.Duration
}

// NewPacer creates a Pacer. If max < min, max is raised to min.
func NewPacer(min, max time.Duration) *Pacer {
	if max < min {
		max = min
	}
	return &Pacer{min: min, max: max}
}

// Next returns the next delay.
func (p *Pacer) Next() time.Duration {
	if p == nil || p.max <= 0 {
		return 0
	}
	if p.max == p.min {
		return p.min
	}
	return p.min + rand.N(p.max-p.min+1)
}

// Wait sleeps for the next delay or until ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	d := p.Next()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

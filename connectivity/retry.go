// Package connectivity wraps outbound calls with retry and circuit breaking.
//
// The remote history client retries page fetches with exponential backoff;
// the completion client guards its endpoint with a CircuitBreaker so a dead
// endpoint fails fast instead of stalling every analysis request.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy configures Retry.
type RetryPolicy struct {
	// MaxRetries is the number of extra attempts after the first (0 = no retry).
	MaxRetries int
	// BaseBackoff is the wait before the first retry, doubled each attempt.
	BaseBackoff time.Duration
	// Logger logs retry attempts; nil retries silently.
	Logger *slog.Logger
}

// Retry calls fn until it succeeds, the retries are exhausted, ctx is done,
// or fn returns an error wrapped with Permanent. The returned error is the
// last one observed, with any Permanent wrapper removed.
func Retry[T any](ctx context.Context, p RetryPolicy, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		var perm *permanent
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if ctx.Err() != nil {
			return zero, lastErr
		}
		var open *ErrCircuitOpen
		if errors.As(err, &open) {
			return zero, err
		}

		if attempt < p.MaxRetries {
			wait := p.BaseBackoff * (1 << uint(attempt))
			if p.Logger != nil {
				p.Logger.WarnContext(ctx, "retrying call",
					"op", op,
					"attempt", attempt+1,
					"max_retries", p.MaxRetries,
					"backoff_ms", wait.Milliseconds(),
					"error", err)
			}
			select {
			case <-ctx.Done():
				return zero, lastErr
			case <-time.After(wait):
			}
		}
	}
	return zero, lastErr
}

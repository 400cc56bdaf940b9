// Package retry provides bounded retries with exponential backoff and
// jitter, used by the engine's retry error-handling rule.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseWait    = 1 * time.Second
)

// Options configures a retry loop.
type Options struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseWait is the delay before the second attempt; subsequent delays
	// double, with up to 10% jitter added.
	BaseWait time.Duration
	// Retryable decides whether an error is worth another attempt. A nil
	// Retryable retries every error.
	Retryable func(error) bool
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseWait <= 0 {
		o.BaseWait = DefaultBaseWait
	}
	return o
}

// Do runs f until it succeeds, the attempt budget is spent, or the context
// is canceled. It returns the last error observed.
func Do(ctx context.Context, opts Options, f func() error) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(opts.BaseWait) * math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
		if err := f(); err != nil {
			lastErr = err
			if opts.Retryable != nil && !opts.Retryable(err) {
				return err
			}
			continue
		}
		return nil
	}
	return lastErr
}

// Package resilience wraps calls to external services with retry and a
// circuit breaker.
package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/sony/gobreaker"
)

type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

// Permanent marks an error that retrying cannot fix, such as a 4xx response.
type Permanent struct {
	Err error
}

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// RetryWithBackoff runs fn until it succeeds, returns a Permanent error or
// the retries run out. Waits double each attempt with up to 50% jitter. An
// open breaker ends the loop at once.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var permanent Permanent
		if errors.As(lastErr, &permanent) {
			return permanent.Err
		}
		if errors.Is(lastErr, gobreaker.ErrOpenState) || errors.Is(lastErr, gobreaker.ErrTooManyRequests) {
			return lastErr
		}

		if attempt < cfg.MaxRetries {
			backoff := cfg.InitialBackoff << attempt
			wait := backoff
			if half := int64(backoff / 2); half > 0 {
				wait += time.Duration(rand.Int64N(half))
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}

// NewCircuitBreaker trips on transport and 5xx failures. Permanent errors
// mean the remote answered, so they count as successes.
func NewCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			var permanent Permanent
			return err == nil || errors.As(err, &permanent)
		},
	})
}

// Package retry provides a reusable exponential-backoff primitive.
//
// The webhook dispatcher is the main consumer: it retries transient
// transport failures (timeouts, 5xx, 429) while leaving the decision of
// what is retryable to the caller via ShouldRetry.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy shapes the retry loop.
type Policy struct {
	MaxRetries int           // retries after the first attempt; 3 means up to 4 attempts
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap on the backoff delay
	Jitter     float64       // fraction of the delay randomized, e.g. 0.2 = +/-20%

	// ShouldRetry reports whether err warrants another attempt.
	// Nil means retry on every error.
	ShouldRetry func(err error) bool

	// OnRetry, if set, is invoked before each retry sleep.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// Result carries the terminal outcome of a retry loop.
type Result[T any] struct {
	Success  bool
	Data     T
	Err      error
	Attempts int
}

// Do runs fn until it succeeds, exhausts the policy, or the context ends.
// The delay doubles each retry: base, 2*base, 4*base, ... capped at MaxDelay.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) Result[T] {
	var res Result[T]

	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt

		data, err := fn(ctx)
		if err == nil {
			res.Success = true
			res.Data = data
			return res
		}
		res.Err = err

		if attempt > p.MaxRetries {
			return res
		}
		if p.ShouldRetry != nil && !p.ShouldRetry(err) {
			return res
		}
		if ctx.Err() != nil {
			return res
		}

		d := jittered(delay, p.Jitter)
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, d)
		}

		select {
		case <-ctx.Done():
			return res
		case <-time.After(d):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * jitter
	offset := (rand.Float64()*2 - 1) * spread
	out := time.Duration(float64(d) + offset)
	if out < 0 {
		return 0
	}
	return out
}

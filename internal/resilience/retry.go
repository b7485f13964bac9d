package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Classifier decides whether an error is worth retrying. Timeouts and
// rate limits typically are; auth failures and invalid requests are not.
type Classifier func(error) bool

// RetryConfig tunes [Retry].
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the first backoff interval. Doubles each attempt.
	// Default: 100ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff interval. Default: 5s.
	MaxDelay time.Duration

	// Retryable classifies errors. nil means every error is retryable.
	Retryable Classifier
}

// Retry runs fn until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts, or ctx is cancelled. Delays between attempts grow
// exponentially with full jitter, so correlated retries across sessions do
// not stampede a degraded upstream.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := cfg.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	var lastErr error
	delay := base
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(err, lastErr)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		// Full jitter: sleep a uniform random duration up to the current cap.
		sleep := time.Duration(rand.Int64N(int64(delay)) + 1)
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), lastErr)
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return lastErr
}

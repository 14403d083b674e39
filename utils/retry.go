package utils

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy holds the parameters for the retry strategy. Classify decides
// whether an error deserves another attempt; Backoff returns the wait before
// attempt n+1 given the error of attempt n.
type RetryPolicy struct {
	MaxAttempts int
	Classify    func(error) bool
	Backoff     func(attempt int, err error) time.Duration
	Logger      *Logger

	// Sleep waits for d or until ctx is done. Nil means a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Exponential returns a backoff doubling from base on every attempt.
func Exponential(base time.Duration) func(int, error) time.Duration {
	return func(attempt int, _ error) time.Duration {
		return base << (attempt - 1)
	}
}

// Do executes fn until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. The returned error wraps the last failure.
func (r *RetryPolicy) Do(ctx context.Context, operationName string, fn func(ctx context.Context) error) error {
	var lastErr error
	maxAttempts := r.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if r.Classify != nil && !r.Classify(lastErr) {
			return lastErr
		}

		if attempt < maxAttempts {
			var delay time.Duration
			if r.Backoff != nil {
				delay = r.Backoff(attempt, lastErr)
			}
			if r.Logger != nil {
				r.Logger.Warn("[retry] %s failed (attempt %d/%d): %v, retrying in %v",
					operationName, attempt, maxAttempts, lastErr, delay)
			}
			if err := r.sleep(ctx, delay); err != nil {
				return fmt.Errorf("%s interrupted after %d attempts: %w", operationName, attempt, lastErr)
			}
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxAttempts, lastErr)
}

func (r *RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext waits for d, returning early with ctx.Err() on cancellation.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

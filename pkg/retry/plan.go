package retry

import (
	"context"
	"time"
)

// Classifier reports whether an error is retryable. Do returns a
// non-retryable error unchanged and at once, so the caller can
// distinguish "give up after retries" from "non-retryable, abort now".
type Classifier func(err error) (retryable bool)

// Do runs fn up to policy.MaxAttempts times, sleeping according to
// ComputeBackoff between attempts, stopping early on a non-retryable error
// or context cancellation. It returns the last error seen.
func Do(ctx context.Context, params Params, policy Policy, isRetryable Classifier, fn func(ctx context.Context) error) error {
	var lastErr error
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			attemptParams := params
			attemptParams.AttemptIndex = attempt
			delay := ComputeBackoff(attemptParams, policy)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return lastErr
		}
	}

	return lastErr
}

package pipeline

import (
	"context"
	"time"
)

// RetryPolicy is an exponential backoff: attempt n (from 1) waits
// InitialWait * 2^(n-1) before running again.
type RetryPolicy struct {
	MaxRetries  int
	InitialWait time.Duration
	MaxWait     time.Duration
}

// DefaultRetryPolicy returns 3 retries waiting 1s, 2s and 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		InitialWait: time.Second,
		MaxWait:     30 * time.Second,
	}
}

// Do runs op until it succeeds or the retries are used up, returning the
// number of attempts made and the last error. onRetry is called before each
// wait. A cancelled context stops waiting and returns the last op error.
func (rp RetryPolicy) Do(ctx context.Context, op func() error, onRetry func(attempt int, wait time.Duration, err error)) (int, error) {
	var lastErr error
	wait := rp.InitialWait
	attempts := max(rp.MaxRetries, 0) + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = op(); lastErr == nil {
			return attempt, nil
		}
		if attempt == attempts {
			return attempt, lastErr
		}

		if onRetry != nil {
			onRetry(attempt, wait, lastErr)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, lastErr
		case <-timer.C:
		}

		wait *= 2
		if rp.MaxWait > 0 && wait > rp.MaxWait {
			wait = rp.MaxWait
		}
	}
	return attempts, lastErr
}

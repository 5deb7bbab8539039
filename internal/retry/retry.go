// Package retry wraps any operation that can return a retryable failure
// (spec.md §4.3). Policy: up to 3 attempts total, delay =
// base·2^(attempt-1) + U(0, 500ms) with base=1s. Any non-retryable error,
// or retry exhaustion, propagates to the caller unchanged.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/polycopy/tracer/internal/httpx"
)

const (
	maxAttempts = 3
	baseDelay   = time.Second
	jitterMax   = 500 * time.Millisecond
)

// Do runs fn, retrying on retryable errors up to maxAttempts times with
// exponential backoff plus jitter. It returns the last error seen once
// attempts are exhausted, or immediately on the first non-retryable error.
func Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !httpx.IsRetryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		delay := baseDelay*time.Duration(1<<uint(attempt-1)) + time.Duration(rand.Int63n(int64(jitterMax)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// Package ratelimit implements the token-bucket limiter that protects the
// upstream HTTP API (spec.md §4.1). Refill is continuous — min(burst,
// current + elapsed*rate) — rather than bucketed into fixed windows, so a
// caller sustained at or under the steady rate never sleeps after an
// initial warm-up.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a thread-safe, continuously-refilling token bucket.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64 // burst
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// New creates a rate limiter with the given burst capacity and steady rate.
func New(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Acquire blocks until one token is available or ctx is cancelled. Every
// outbound upstream HTTP request is preceded by a call to Acquire
// (spec.md §4.1).
func (tb *TokenBucket) Acquire(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Tiers groups the two fixed rate-limiter budgets from spec.md §4.1: hot
// (10/s, burst 20) and cold (5/s, burst 10). Each worker process owns
// exactly one of these — they are never shared across processes, since the
// rate limiter only protects this process's own outbound calls.
type Tiers struct {
	Hot  *TokenBucket
	Cold *TokenBucket
}

// NewTiers builds the hot/cold limiter pair from configured rate and burst.
func NewTiers(hotRPS, hotBurst, coldRPS, coldBurst float64) *Tiers {
	return &Tiers{
		Hot:  New(hotBurst, hotRPS),
		Cold: New(coldBurst, coldRPS),
	}
}

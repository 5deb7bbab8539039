// Package cooldown implements the per-wallet minimum call gap (spec.md
// §4.2). It reduces upstream burst even when many distinct wallets share a
// single rate-limiter budget, by forcing at least `gap` to elapse between
// two calls for the same wallet.
package cooldown

import (
	"context"
	"sync"
	"time"

	"github.com/polycopy/tracer/pkg/domain"
)

// Cooldown tracks the last call time per wallet with a uniform minimum gap.
type Cooldown struct {
	gap time.Duration

	mu   sync.Mutex
	last map[domain.Wallet]time.Time
}

// New creates a cooldown tracker with the given minimum gap between calls
// for the same wallet (hot: 1s, cold: 5s per spec.md §4.2).
func New(gap time.Duration) *Cooldown {
	return &Cooldown{
		gap:  gap,
		last: make(map[domain.Wallet]time.Time),
	}
}

// Wait blocks until at least `gap` has elapsed since the last call for this
// wallet, then records now as the new last-call time.
func (c *Cooldown) Wait(ctx context.Context, wallet domain.Wallet) error {
	c.mu.Lock()
	last, ok := c.last[wallet]
	now := time.Now()
	var sleep time.Duration
	if ok {
		if elapsed := now.Sub(last); elapsed < c.gap {
			sleep = c.gap - elapsed
		}
	}
	c.last[wallet] = now.Add(sleep)
	c.mu.Unlock()

	if sleep <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sleep):
		return nil
	}
}

// Package poll implements the per-wallet poll cycle shared by the hot and
// cold tiers (spec.md §4.7): walk new trade pages past the stored
// watermark, refresh the position snapshot, run the reconciler, and
// advance the cursor. Neither tier owns this logic twice — both
// cmd/hotpoller and cmd/coldpoller build one Orchestrator with the
// interval- and rate-limit parameters appropriate to their tier.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/polycopy/tracer/internal/httpx"
	"github.com/polycopy/tracer/internal/ratelimit"
	"github.com/polycopy/tracer/internal/reconcile"
	"github.com/polycopy/tracer/internal/retry"
	"github.com/polycopy/tracer/pkg/domain"
)

const (
	tradesPageLimit    = 200
	tradesBatchCeiling = 500
)

// Upstream is the read surface an Orchestrator needs from the venue.
type Upstream interface {
	FetchTradesPage(ctx context.Context, wallet domain.Wallet, limit, offset int) ([]domain.Trade, error)
	FetchPositions(ctx context.Context, wallet domain.Wallet) ([]domain.Position, error)
	IsMarketClosed(ctx context.Context, marketID string) (domain.MarketStatus, error)
}

// Store is the persistence surface an Orchestrator needs.
type Store interface {
	GetPollState(ctx context.Context, wallet domain.Wallet) (domain.PollState, error)
	UpdatePollState(ctx context.Context, wallet domain.Wallet, lastTradeTimeSeen, lastPositionCheckAt time.Time) error
	UpsertTrades(ctx context.Context, trades []domain.Trade) error
	GetCurrentPositions(ctx context.Context, wallet domain.Wallet) ([]domain.Position, error)
	UpsertCurrentPositions(ctx context.Context, positions []domain.Position) error
	EmitPositionClosed(ctx context.Context, events []domain.PositionClosed) error
	DeleteCurrentPosition(ctx context.Context, wallet domain.Wallet, marketID string) error
}

// Cooldown enforces the per-wallet minimum gap between cycles.
type Cooldown interface {
	Wait(ctx context.Context, wallet domain.Wallet) error
}

// Orchestrator runs one poll cycle at a time for one wallet. It holds no
// per-wallet state between calls — watermark and snapshot state live in
// Store, which makes Cycle safe to call from either tier's loop.
type Orchestrator struct {
	upstream Upstream
	store    Store
	limiter  *ratelimit.TokenBucket
	cooldown Cooldown
	reconfig reconcile.Config
	logger   *slog.Logger
}

// New builds an Orchestrator. limiter and cooldown are tier-specific
// instances (hot: 10/s burst 20, 1s gap; cold: 5/s burst 10, 5s gap —
// spec.md §4.1/§4.2).
func New(upstream Upstream, store Store, limiter *ratelimit.TokenBucket, cooldown Cooldown, reconfig reconcile.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		upstream: upstream,
		store:    store,
		limiter:  limiter,
		cooldown: cooldown,
		reconfig: reconfig,
		logger:   logger.With("component", "poll"),
	}
}

// rateLimitedOracle wraps the upstream market-status probe so that every
// oracle lookup the reconciler fans out still spends a token from the same
// per-process budget as the page fetches (spec.md §4.1: "every outbound
// HTTP request is preceded by acquire()").
type rateLimitedOracle struct {
	upstream Upstream
	limiter  *ratelimit.TokenBucket
}

func (o *rateLimitedOracle) IsMarketClosed(ctx context.Context, marketID string) (domain.MarketStatus, error) {
	if err := o.limiter.Acquire(ctx); err != nil {
		return domain.MarketStatusUnknown, err
	}
	var status domain.MarketStatus
	err := retry.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		status, innerErr = o.upstream.IsMarketClosed(ctx, marketID)
		return innerErr
	})
	return status, err
}

// Cycle runs one full poll cycle for wallet: new trades since the stored
// watermark, a fresh position snapshot, reconciliation, and cursor advance.
// A non-retryable failure aborts the cycle for this wallet only; the
// caller's loop is expected to log it and move on to the next wallet.
func (o *Orchestrator) Cycle(ctx context.Context, wallet domain.Wallet) error {
	if err := o.cooldown.Wait(ctx, wallet); err != nil {
		return fmt.Errorf("cooldown wait: %w", err)
	}

	state, err := o.store.GetPollState(ctx, wallet)
	if err != nil {
		return fmt.Errorf("get poll state: %w", err)
	}
	watermark := state.LastTradeTimeSeen
	maxSeen := watermark

	var batch []domain.Trade
	offset := 0
	for {
		if err := o.limiter.Acquire(ctx); err != nil {
			return fmt.Errorf("rate limit acquire: %w", err)
		}

		var page []domain.Trade
		err := retry.Do(ctx, func(ctx context.Context) error {
			var innerErr error
			page, innerErr = o.upstream.FetchTradesPage(ctx, wallet, tradesPageLimit, offset)
			return innerErr
		})
		if err != nil {
			return fmt.Errorf("fetch trades page: %w", err)
		}

		for _, t := range page {
			if !t.Timestamp.After(watermark) {
				continue // exactly-equal-to-watermark is excluded (spec.md §8, strict >)
			}
			batch = append(batch, t)
			if t.Timestamp.After(maxSeen) {
				maxSeen = t.Timestamp
			}
			if len(batch) >= tradesBatchCeiling {
				if err := o.flushTrades(ctx, batch); err != nil {
					return err
				}
				batch = nil
			}
		}

		short := len(page) < tradesPageLimit
		oldestStale := len(page) > 0 && !page[len(page)-1].Timestamp.After(watermark)
		if short || oldestStale {
			break
		}
		offset += tradesPageLimit
	}

	if err := o.flushTrades(ctx, batch); err != nil {
		return err
	}

	if err := o.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("rate limit acquire: %w", err)
	}
	var curr []domain.Position
	err = retry.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		curr, innerErr = o.upstream.FetchPositions(ctx, wallet)
		return innerErr
	})
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}

	prev, err := o.store.GetCurrentPositions(ctx, wallet)
	if err != nil {
		return fmt.Errorf("get current positions: %w", err)
	}
	prevPositions := make([]reconcile.PrevPosition, len(prev))
	for i, p := range prev {
		prevPositions[i] = reconcile.PrevPosition{MarketID: p.MarketID, Size: p.Size, Raw: p.Raw}
	}

	oracle := &rateLimitedOracle{upstream: o.upstream, limiter: o.limiter}
	now := time.Now().UTC()
	result, err := reconcile.Reconcile(ctx, wallet, prevPositions, curr, oracle, now, o.reconfig, o.logger)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	if len(result.Closed) > 0 {
		if err := o.store.EmitPositionClosed(ctx, result.Closed); err != nil {
			return fmt.Errorf("emit position closed: %w", err)
		}
		for _, ev := range result.Closed {
			if err := o.store.DeleteCurrentPosition(ctx, wallet, ev.MarketID); err != nil {
				return fmt.Errorf("delete current position: %w", err)
			}
		}
	}

	if err := o.store.UpsertCurrentPositions(ctx, curr); err != nil {
		return fmt.Errorf("upsert current positions: %w", err)
	}

	if err := o.store.UpdatePollState(ctx, wallet, maxSeen, now); err != nil {
		return fmt.Errorf("update poll state: %w", err)
	}

	o.logger.Debug("poll cycle complete", "wallet", wallet, "trades_ingested", len(batch), "positions", len(curr), "closed", len(result.Closed))
	return nil
}

func (o *Orchestrator) flushTrades(ctx context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	if err := o.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("rate limit acquire: %w", err)
	}
	if err := o.store.UpsertTrades(ctx, trades); err != nil {
		return fmt.Errorf("upsert trades: %w", err)
	}
	return nil
}

// IsTimeoutOnly reports whether err is solely a classified client timeout,
// the case the hot poller's error budget must not count against itself
// (spec.md §4.9).
func IsTimeoutOnly(err error) bool {
	return httpx.IsTimeout(err)
}

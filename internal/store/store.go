// Package store is the Postgres persistence layer: trades, current
// positions, close events, poll cursors, named locks, and the followed-
// wallet working set. It is the single place that knows the SQL shape of
// the spec's monotone watermark and CAS lock invariants (spec.md §4.9,
// SPEC_FULL.md §6 Open Question 1) — every other package only sees plain
// domain types.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/polycopy/tracer/pkg/domain"
)

// Store wraps the GORM handle used by every poller and the stream ingester.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the schema. dsn is a standard
// libpq connection string (spec.md §6: "store URL plus service key").
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}

	if err := db.AutoMigrate(
		&tradeRecord{},
		&positionRecord{},
		&positionClosedRecord{},
		&pollStateRecord{},
		&namedLockRecord{},
		&followedWalletRecord{},
		&activeTraderRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate store schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("underlying db: %w", err)
	}
	return sqlDB.Close()
}

// UpsertTrades batch-upserts trades keyed on trade_id, latest-wins on every
// non-identity column (spec.md §4.6, §3: a re-emitted trade with a
// corrected title/slug/size/price must refresh, not be dropped). The update
// is additionally guarded so a row carrying an older source_updated_at can
// never clobber one already stored with a newer value, the same
// monotone-upsert discipline UpdatePollState applies to the poll cursor.
func (s *Store) UpsertTrades(ctx context.Context, trades []domain.Trade) error {
	return s.insertTrades(ctx, trades, clause.OnConflict{
		Columns: []clause.Column{{Name: "trade_id"}},
		DoUpdates: append(clause.AssignmentColumns([]string{
			"wallet", "internal_trader_id", "tx_hash", "condition_id",
			"market_slug", "event_slug", "market_title", "side", "outcome",
			"outcome_index", "size", "price", "timestamp", "raw",
		}), clause.Assignment{
			Column: clause.Column{Name: "source_updated_at"},
			Value:  gorm.Expr("GREATEST(trades.source_updated_at, excluded.source_updated_at)"),
		}),
		Where: clause.Where{
			Exprs: []clause.Expression{
				gorm.Expr("excluded.source_updated_at >= trades.source_updated_at"),
			},
		},
	})
}

// UpsertTradesIgnoreDuplicates inserts trades, silently skipping ones
// already recorded under the same trade id. The stream ingester uses this
// instead of UpsertTrades: spec.md §4.11 defines its buffer flush as
// "ignore_duplicates", not latest-wins — the WebSocket feed has no
// corrected-resend semantics the way a re-polled page can.
func (s *Store) UpsertTradesIgnoreDuplicates(ctx context.Context, trades []domain.Trade) error {
	return s.insertTrades(ctx, trades, clause.OnConflict{DoNothing: true})
}

func (s *Store) insertTrades(ctx context.Context, trades []domain.Trade, onConflict clause.OnConflict) error {
	if len(trades) == 0 {
		return nil
	}
	records := make([]tradeRecord, len(trades))
	for i, t := range trades {
		var outcome string
		if t.Outcome != nil {
			outcome = string(*t.Outcome)
		}
		records[i] = tradeRecord{
			TradeID:          t.TradeID,
			Wallet:           string(t.Wallet),
			InternalTraderID: t.InternalTraderID,
			TxHash:           t.TxHash,
			ConditionID:      t.ConditionID,
			MarketSlug:       t.MarketSlug,
			EventSlug:        t.EventSlug,
			MarketTitle:      t.MarketTitle,
			Side:             string(t.Side),
			Outcome:          outcome,
			OutcomeIndex:     t.OutcomeIndex,
			Size:             t.Size,
			Price:            t.Price,
			Timestamp:        t.Timestamp,
			Raw:              t.Raw,
			SourceUpdatedAt:  t.SourceUpdatedAt,
		}
	}

	result := s.db.WithContext(ctx).Clauses(onConflict).Create(&records)
	if result.Error != nil {
		return fmt.Errorf("upsert trades: %w", result.Error)
	}
	return nil
}

// GetPollState returns the stored cursor for a wallet, or a zero-value
// state (never an error) when the wallet has not been polled yet.
func (s *Store) GetPollState(ctx context.Context, wallet domain.Wallet) (domain.PollState, error) {
	var rec pollStateRecord
	err := s.db.WithContext(ctx).First(&rec, "wallet = ?", string(wallet)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.PollState{Wallet: wallet}, nil
	}
	if err != nil {
		return domain.PollState{}, fmt.Errorf("get poll state: %w", err)
	}
	return domain.PollState{
		Wallet:              wallet,
		LastTradeTimeSeen:   rec.LastTradeTimeSeen,
		LastPositionCheckAt: rec.LastPositionCheckAt,
		UpdatedAt:           rec.UpdatedAt,
	}, nil
}

// UpdatePollState advances a wallet's cursors. The watermark can only move
// forward: GREATEST() makes a late or duplicate update a no-op instead of a
// regression, resolving Open Question 1 without a read-modify-write race.
func (s *Store) UpdatePollState(ctx context.Context, wallet domain.Wallet, lastTradeTimeSeen, lastPositionCheckAt time.Time) error {
	result := s.db.WithContext(ctx).Exec(`
		INSERT INTO poll_state (wallet, last_trade_time_seen, last_position_check_at, updated_at)
		VALUES (?, ?, ?, now())
		ON CONFLICT (wallet) DO UPDATE SET
			last_trade_time_seen = GREATEST(poll_state.last_trade_time_seen, excluded.last_trade_time_seen),
			last_position_check_at = GREATEST(poll_state.last_position_check_at, excluded.last_position_check_at),
			updated_at = now()
	`, string(wallet), lastTradeTimeSeen, lastPositionCheckAt)
	if result.Error != nil {
		return fmt.Errorf("update poll state: %w", result.Error)
	}
	return nil
}

// GetCurrentPositions returns a wallet's last-observed open positions, the
// "prev" snapshot the reconciler diffs the fresh poll against.
func (s *Store) GetCurrentPositions(ctx context.Context, wallet domain.Wallet) ([]domain.Position, error) {
	var recs []positionRecord
	if err := s.db.WithContext(ctx).Find(&recs, "wallet = ?", string(wallet)).Error; err != nil {
		return nil, fmt.Errorf("get current positions: %w", err)
	}
	out := make([]domain.Position, len(recs))
	for i, r := range recs {
		out[i] = domain.Position{
			Wallet:     domain.Wallet(r.Wallet),
			MarketID:   r.MarketID,
			Size:       r.Size,
			Redeemable: r.Redeemable,
			LastSeenAt: r.LastSeenAt,
			Raw:        r.Raw,
		}
	}
	return out, nil
}

// UpsertCurrentPositions replaces the stored size/redeemable/raw for each
// given position, keyed on (wallet, market_id).
func (s *Store) UpsertCurrentPositions(ctx context.Context, positions []domain.Position) error {
	if len(positions) == 0 {
		return nil
	}
	records := make([]positionRecord, len(positions))
	for i, p := range positions {
		records[i] = positionRecord{
			Wallet:     string(p.Wallet),
			MarketID:   p.MarketID,
			Size:       p.Size,
			Redeemable: p.Redeemable,
			LastSeenAt: p.LastSeenAt,
			Raw:        p.Raw,
		}
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet"}, {Name: "market_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"size", "redeemable", "last_seen_at", "raw"}),
	}).Create(&records)
	if result.Error != nil {
		return fmt.Errorf("upsert current positions: %w", result.Error)
	}
	return nil
}

// DeleteCurrentPosition removes a (wallet, market) row once the reconciler
// has emitted its close event.
func (s *Store) DeleteCurrentPosition(ctx context.Context, wallet domain.Wallet, marketID string) error {
	result := s.db.WithContext(ctx).Delete(&positionRecord{}, "wallet = ? AND market_id = ?", string(wallet), marketID)
	if result.Error != nil {
		return fmt.Errorf("delete current position: %w", result.Error)
	}
	return nil
}

// EmitPositionClosed records close events, ignoring ones already stored
// under the same (wallet, market_id, closed_at) key — re-running
// reconciliation on the same inputs must not duplicate events.
func (s *Store) EmitPositionClosed(ctx context.Context, events []domain.PositionClosed) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]positionClosedRecord, len(events))
	for i, e := range events {
		records[i] = positionClosedRecord{
			Wallet:       string(e.Wallet),
			MarketID:     e.MarketID,
			ClosedAt:     e.ClosedAt,
			ClosedReason: string(e.ClosedReason),
			Raw:          e.Raw,
		}
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet"}, {Name: "market_id"}, {Name: "closed_at"}},
		DoNothing: true,
	}).Create(&records)
	if result.Error != nil {
		return fmt.Errorf("emit position closed: %w", result.Error)
	}
	return nil
}

// AcquireNamedLock attempts to take (or take over an expired) named lock.
// It reports whether the caller now holds it. The WHERE clause on the
// conflict update is the CAS: a live lock held by someone else leaves the
// row untouched and RowsAffected at 0 (spec.md §4.9).
func (s *Store) AcquireNamedLock(ctx context.Context, name, holderID string, duration time.Duration) (bool, error) {
	lockedUntil := time.Now().UTC().Add(duration)
	result := s.db.WithContext(ctx).Exec(`
		INSERT INTO named_locks (name, locked_until, holder_id)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			locked_until = excluded.locked_until,
			holder_id = excluded.holder_id
		WHERE named_locks.locked_until < now()
	`, name, lockedUntil, holderID)
	if result.Error != nil {
		return false, fmt.Errorf("acquire named lock %s: %w", name, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ExtendNamedLock pushes out a lock's expiry, but only while the caller is
// still the recorded holder and the lock has not yet lapsed to someone
// else's acquisition window.
func (s *Store) ExtendNamedLock(ctx context.Context, name, holderID string, duration time.Duration) (bool, error) {
	lockedUntil := time.Now().UTC().Add(duration)
	result := s.db.WithContext(ctx).Exec(`
		UPDATE named_locks SET locked_until = ?
		WHERE name = ? AND holder_id = ?
	`, lockedUntil, name, holderID)
	if result.Error != nil {
		return false, fmt.Errorf("extend named lock %s: %w", name, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseNamedLock expires a lock immediately so the next cycle does not
// wait out its full duration.
func (s *Store) ReleaseNamedLock(ctx context.Context, name, holderID string) error {
	result := s.db.WithContext(ctx).Exec(`
		UPDATE named_locks SET locked_until = now()
		WHERE name = ? AND holder_id = ?
	`, name, holderID)
	if result.Error != nil {
		return fmt.Errorf("release named lock %s: %w", name, result.Error)
	}
	return nil
}

// FollowedWallet is one entry of the active copy-trading working set.
type FollowedWallet struct {
	Wallet           domain.Wallet
	InternalTraderID string
}

// GetActiveFollows returns the wallets currently under active follow: the
// set the hot poller walks each cycle, the cold poller subtracts from its
// sweep, and the stream ingester filters on.
func (s *Store) GetActiveFollows(ctx context.Context) ([]FollowedWallet, error) {
	var recs []followedWalletRecord
	if err := s.db.WithContext(ctx).Order("wallet").Find(&recs, "active = ?", true).Error; err != nil {
		return nil, fmt.Errorf("get active follows: %w", err)
	}
	out := make([]FollowedWallet, len(recs))
	for i, r := range recs {
		out[i] = FollowedWallet{Wallet: domain.Wallet(r.Wallet), InternalTraderID: r.InternalTraderID}
	}
	return out, nil
}

// GetActiveTraders returns the broader universe of wallets tracked for
// position reconciliation, the set the cold poller subtracts the hot set
// from (spec.md §4.10).
func (s *Store) GetActiveTraders(ctx context.Context) ([]domain.Wallet, error) {
	var recs []activeTraderRecord
	if err := s.db.WithContext(ctx).Order("wallet").Find(&recs, "active = ?", true).Error; err != nil {
		return nil, fmt.Errorf("get active traders: %w", err)
	}
	out := make([]domain.Wallet, len(recs))
	for i, r := range recs {
		out[i] = domain.Wallet(r.Wallet)
	}
	return out, nil
}

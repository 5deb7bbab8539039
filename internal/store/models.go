package store

import "time"

// tradeRecord is the GORM model for one ingested trade. TradeID is the
// natural key — repeated ingestion of the same trade upserts rather than
// duplicating (spec.md §4.6).
type tradeRecord struct {
	TradeID          string `gorm:"primaryKey;size:100"`
	Wallet           string `gorm:"index:idx_trades_wallet_ts;size:42;not null"`
	InternalTraderID string `gorm:"size:100"`
	TxHash           string `gorm:"size:100"`
	ConditionID      string `gorm:"size:100;index;not null"`
	MarketSlug       string `gorm:"size:200"`
	EventSlug        string `gorm:"size:200"`
	MarketTitle      string `gorm:"size:400"`
	Side             string `gorm:"size:10"`
	Outcome          string `gorm:"size:10"`
	OutcomeIndex     int
	Size             float64
	Price            float64
	Timestamp        time.Time `gorm:"index:idx_trades_wallet_ts"`
	Raw              []byte
	SourceUpdatedAt  time.Time
	CreatedAt        time.Time `gorm:"autoCreateTime"`
}

func (tradeRecord) TableName() string { return "trades" }

// positionRecord is the current open position for one (wallet, market).
type positionRecord struct {
	Wallet     string `gorm:"primaryKey;size:42"`
	MarketID   string `gorm:"primaryKey;size:100"`
	Size       float64
	Redeemable bool
	LastSeenAt time.Time
	Raw        []byte
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (positionRecord) TableName() string { return "positions_current" }

// positionClosedRecord is an immutable close event. Identity is
// (wallet, market_id, closed_at) so replayed reconciliation is idempotent.
type positionClosedRecord struct {
	Wallet       string `gorm:"primaryKey;size:42"`
	MarketID     string `gorm:"primaryKey;size:100"`
	ClosedAt     time.Time `gorm:"primaryKey"`
	ClosedReason string    `gorm:"size:30"`
	Raw          []byte
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

func (positionClosedRecord) TableName() string { return "positions_closed" }

// pollStateRecord tracks per-wallet ingestion cursors. LastTradeTimeSeen is
// guarded against regression by UpdatePollState's GREATEST() upsert
// (SPEC_FULL.md §6, Open Question 1).
type pollStateRecord struct {
	Wallet              string `gorm:"primaryKey;size:42"`
	LastTradeTimeSeen   time.Time
	LastPositionCheckAt time.Time
	UpdatedAt           time.Time `gorm:"autoUpdateTime"`
}

func (pollStateRecord) TableName() string { return "poll_state" }

// namedLockRecord backs CAS-style mutual exclusion across replicas for the
// cold-tier poller (spec.md §4.9).
type namedLockRecord struct {
	Name        string `gorm:"primaryKey;size:100"`
	LockedUntil time.Time
	HolderID    string `gorm:"size:100"`
}

func (namedLockRecord) TableName() string { return "named_locks" }

// followedWalletRecord is the set of wallets currently under active
// copy-trading follow: the hot poller's working set, the set the cold
// poller excludes, and the stream ingester's follow set (spec.md §4.2).
type followedWalletRecord struct {
	Wallet           string `gorm:"primaryKey;size:42"`
	InternalTraderID string `gorm:"size:100;index"`
	Active           bool   `gorm:"index;default:true"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

func (followedWalletRecord) TableName() string { return "followed_wallets" }

// activeTraderRecord is the broader universe of tracked wallets the cold
// poller sweeps (spec.md §4.10: "cold set = active_traders \ hot_set"),
// distinct from followed_wallets which drives the hot set and the stream
// ingester's follow set.
type activeTraderRecord struct {
	Wallet    string `gorm:"primaryKey;size:42"`
	Active    bool   `gorm:"index;default:true"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (activeTraderRecord) TableName() string { return "active_traders" }

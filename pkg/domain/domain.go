// Package domain defines the shared data vocabulary for the ingestion and
// reconciliation pipeline — wallets, trades, positions, lifecycle events,
// and poll cursors. It has no dependency on any internal package so it can
// be imported by every layer (adapters, reconciler, orchestrators) without
// creating cycles.
package domain

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Side is the direction of a trade fill.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Outcome is the binary-market outcome a trade or position refers to.
// It is nullable on Trade (a *Outcome, nil when absent) because not every
// upstream payload carries one.
type Outcome string

const (
	Yes Outcome = "YES"
	No  Outcome = "NO"
)

// ClosedReason classifies why a position disappeared from a wallet's
// snapshot. Partial is reserved for future partial-close semantics and is
// never emitted by the current reconciler (spec Open Question 4).
type ClosedReason string

const (
	ClosedManual   ClosedReason = "manual_close"
	ClosedMarket   ClosedReason = "market_closed"
	ClosedRedeemed ClosedReason = "redeemed"
	ClosedPartial  ClosedReason = "partial"
)

// Wallet is a 20-byte address. CanonicalWallet always returns lowercase hex so
// every join in the store is keyed on one consistent representation.
type Wallet string

// CanonicalWallet lowercases and validates a raw address string using
// go-ethereum's address parsing, matching the on-chain canonical form.
func CanonicalWallet(raw string) (Wallet, error) {
	if !common.IsHexAddress(raw) {
		return "", ErrInvalidWallet
	}
	return Wallet(strings.ToLower(common.HexToAddress(raw).Hex())), nil
}

// Trade is an immutable record of one fill on one market by one wallet.
// TradeID equals the upstream transaction hash when present, else the
// deterministic tuple (Wallet, ConditionID, UpstreamTimestamp) — see
// DeriveTradeID.
type Trade struct {
	TradeID         string
	Wallet          Wallet
	InternalTraderID string // optional, passthrough to the downstream control plane
	TxHash          string // empty when the synthetic id was used
	ConditionID     string
	MarketSlug      string
	EventSlug       string
	MarketTitle     string
	Side            Side
	Outcome         *Outcome // nil when upstream omitted it
	OutcomeIndex    int
	Size            float64
	Price           float64
	Timestamp       time.Time // UTC, millisecond precision
	Raw             []byte    // opaque upstream payload, kept for forensic replay
	SourceUpdatedAt time.Time
}

// Position is the open position a wallet holds on a market, as of the most
// recent observation. Identity is (Wallet, MarketID).
type Position struct {
	Wallet     Wallet
	MarketID   string // conditionId, or asset id when conditionId is absent
	Size       float64
	Redeemable bool
	LastSeenAt time.Time
	Raw        []byte
}

// PositionClosed is an immutable record that a (Wallet, MarketID) position
// ceased to exist. Identity is (Wallet, MarketID, ClosedAt), which makes
// re-emission on replay a no-op.
type PositionClosed struct {
	Wallet       Wallet
	MarketID     string
	ClosedAt     time.Time
	ClosedReason ClosedReason
	Raw          []byte // last-seen payload before disappearance
}

// PollState tracks ingestion cursors for one wallet. LastTradeTimeSeen is a
// monotone non-decreasing watermark enforced by the store (SPEC_FULL.md §6,
// Open Question 1).
type PollState struct {
	Wallet               Wallet
	LastTradeTimeSeen    time.Time
	LastPositionCheckAt  time.Time
	UpdatedAt            time.Time
}

// NamedLock is a row used for CAS-style mutual exclusion across replicas.
// LockedUntil is UTC; HolderID is an opaque identifier (a uuid) of whichever
// replica currently holds it. The acquiring CAS ignores it (only expiry
// decides), but extending or releasing a lock only takes effect for the
// recorded holder.
type NamedLock struct {
	Name        string
	LockedUntil time.Time
	HolderID    string
}

// MarketStatus is the oracle's answer about whether a market has resolved.
type MarketStatus int

const (
	MarketStatusUnknown MarketStatus = iota
	MarketStatusOpen
	MarketStatusClosed
)

package poll

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/polycopy/tracer/internal/cooldown"
	"github.com/polycopy/tracer/internal/ratelimit"
	"github.com/polycopy/tracer/internal/reconcile"
	"github.com/polycopy/tracer/pkg/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeUpstream struct {
	pages     map[int][]domain.Trade
	positions []domain.Position
	closed    map[string]domain.MarketStatus
}

func (f *fakeUpstream) FetchTradesPage(ctx context.Context, wallet domain.Wallet, limit, offset int) ([]domain.Trade, error) {
	return f.pages[offset], nil
}

func (f *fakeUpstream) FetchPositions(ctx context.Context, wallet domain.Wallet) ([]domain.Position, error) {
	return f.positions, nil
}

func (f *fakeUpstream) IsMarketClosed(ctx context.Context, marketID string) (domain.MarketStatus, error) {
	if s, ok := f.closed[marketID]; ok {
		return s, nil
	}
	return domain.MarketStatusUnknown, nil
}

type fakeStore struct {
	state           domain.PollState
	currentPositions []domain.Position
	upsertedTrades  []domain.Trade
	closedEvents    []domain.PositionClosed
	deletedMarkets  []string
	updatedState    *domain.PollState
}

func (f *fakeStore) GetPollState(ctx context.Context, wallet domain.Wallet) (domain.PollState, error) {
	return f.state, nil
}

func (f *fakeStore) UpdatePollState(ctx context.Context, wallet domain.Wallet, lastTradeTimeSeen, lastPositionCheckAt time.Time) error {
	f.updatedState = &domain.PollState{Wallet: wallet, LastTradeTimeSeen: lastTradeTimeSeen, LastPositionCheckAt: lastPositionCheckAt}
	return nil
}

func (f *fakeStore) UpsertTrades(ctx context.Context, trades []domain.Trade) error {
	f.upsertedTrades = append(f.upsertedTrades, trades...)
	return nil
}

func (f *fakeStore) GetCurrentPositions(ctx context.Context, wallet domain.Wallet) ([]domain.Position, error) {
	return f.currentPositions, nil
}

func (f *fakeStore) UpsertCurrentPositions(ctx context.Context, positions []domain.Position) error {
	return nil
}

func (f *fakeStore) EmitPositionClosed(ctx context.Context, events []domain.PositionClosed) error {
	f.closedEvents = append(f.closedEvents, events...)
	return nil
}

func (f *fakeStore) DeleteCurrentPosition(ctx context.Context, wallet domain.Wallet, marketID string) error {
	f.deletedMarkets = append(f.deletedMarkets, marketID)
	return nil
}

func newOrchestrator(up *fakeUpstream, st *fakeStore) *Orchestrator {
	limiter := ratelimit.New(100, 1000)
	cd := cooldown.New(0)
	return New(up, st, limiter, cd, reconcile.Config{SizeEpsilon: 0.01, OracleConcurrency: 4}, testLogger())
}

// S1: monotone watermark — trades past the watermark are upserted, stale
// ones discarded, and the cursor advances to the max seen timestamp.
func TestCycleFiltersByWatermarkAndAdvancesCursor(t *testing.T) {
	watermark := time.Unix(1000, 0).UTC()
	mk := func(ts int64) domain.Trade {
		return domain.Trade{TradeID: "t", ConditionID: "m1", Timestamp: time.Unix(ts, 0).UTC()}
	}
	up := &fakeUpstream{
		pages: map[int][]domain.Trade{
			0: {mk(1500), mk(1200), mk(900), mk(800)},
		},
	}
	st := &fakeStore{state: domain.PollState{LastTradeTimeSeen: watermark}}

	o := newOrchestrator(up, st)
	if err := o.Cycle(context.Background(), "0xw"); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if len(st.upsertedTrades) != 2 {
		t.Fatalf("expected 2 trades upserted, got %d", len(st.upsertedTrades))
	}
	if st.updatedState == nil || !st.updatedState.LastTradeTimeSeen.Equal(time.Unix(1500, 0).UTC()) {
		t.Fatalf("expected watermark advanced to 1500, got %+v", st.updatedState)
	}
}

func TestCycleStopsOnShortPage(t *testing.T) {
	up := &fakeUpstream{
		pages: map[int][]domain.Trade{
			0: {{TradeID: "t1", ConditionID: "m1", Timestamp: time.Unix(100, 0).UTC()}},
		},
	}
	st := &fakeStore{}
	o := newOrchestrator(up, st)

	if err := o.Cycle(context.Background(), "0xw"); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(st.upsertedTrades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(st.upsertedTrades))
	}
}

// Reconciliation within a cycle: a position that disappears and is
// confirmed closed by the oracle emits exactly one close event and deletes
// the stored row.
func TestCycleReconcilesDisappearedPosition(t *testing.T) {
	up := &fakeUpstream{
		pages:     map[int][]domain.Trade{0: {}},
		positions: []domain.Position{{MarketID: "m1", Size: 5}},
		closed:    map[string]domain.MarketStatus{"m2": domain.MarketStatusClosed},
	}
	st := &fakeStore{
		currentPositions: []domain.Position{{MarketID: "m1", Size: 5}, {MarketID: "m2", Size: 3}},
	}
	o := newOrchestrator(up, st)

	if err := o.Cycle(context.Background(), "0xw"); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(st.closedEvents) != 1 || st.closedEvents[0].MarketID != "m2" {
		t.Fatalf("expected m2 closed, got %+v", st.closedEvents)
	}
	if len(st.deletedMarkets) != 1 || st.deletedMarkets[0] != "m2" {
		t.Fatalf("expected m2 deleted from current positions, got %v", st.deletedMarkets)
	}
}

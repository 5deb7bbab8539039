package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/polycopy/tracer/pkg/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeOracle map[string]domain.MarketStatus

func (f fakeOracle) IsMarketClosed(ctx context.Context, marketID string) (domain.MarketStatus, error) {
	if status, ok := f[marketID]; ok {
		return status, nil
	}
	return domain.MarketStatusUnknown, nil
}

var fixedNow = time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

// S2: market-close classification — oracle says M2 is closed.
func TestReconcileMarketClosedClassification(t *testing.T) {
	prev := []PrevPosition{{MarketID: "M1", Size: 5}, {MarketID: "M2", Size: 3}}
	curr := []domain.Position{{MarketID: "M1", Size: 5}}
	oracle := fakeOracle{"M2": domain.MarketStatusClosed}

	res, err := Reconcile(context.Background(), "W", prev, curr, oracle, fixedNow, Config{}, testLogger())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Closed) != 1 {
		t.Fatalf("expected 1 close event, got %d", len(res.Closed))
	}
	ev := res.Closed[0]
	if ev.MarketID != "M2" || ev.ClosedReason != domain.ClosedMarket || !ev.ClosedAt.Equal(fixedNow) {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(res.SizeUpdates) != 0 {
		t.Fatalf("expected no size updates, got %v", res.SizeUpdates)
	}
}

// S3: manual close under oracle uncertainty.
func TestReconcileUnknownMapsToManualClose(t *testing.T) {
	prev := []PrevPosition{{MarketID: "M1", Size: 5}, {MarketID: "M2", Size: 3}}
	curr := []domain.Position{{MarketID: "M1", Size: 5}}
	oracle := fakeOracle{"M2": domain.MarketStatusUnknown}

	res, err := Reconcile(context.Background(), "W", prev, curr, oracle, fixedNow, Config{}, testLogger())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Closed) != 1 || res.Closed[0].ClosedReason != domain.ClosedManual {
		t.Fatalf("expected manual_close, got %+v", res.Closed)
	}
}

// S4: partial reduction is not a close.
func TestReconcilePartialReductionIsNotClose(t *testing.T) {
	prev := []PrevPosition{{MarketID: "M1", Size: 5}}
	curr := []domain.Position{{MarketID: "M1", Size: 2}}

	res, err := Reconcile(context.Background(), "W", prev, curr, fakeOracle{}, fixedNow, Config{}, testLogger())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Closed) != 0 {
		t.Fatalf("expected no close events, got %v", res.Closed)
	}
	if got := res.SizeUpdates["M1"]; got != 2 {
		t.Fatalf("expected size update to 2, got %v", got)
	}
}

// Boundary: empty current snapshot with non-empty previous produces exactly
// |prev| close events.
func TestReconcileEmptyCurrentClosesAll(t *testing.T) {
	prev := []PrevPosition{{MarketID: "M1", Size: 5}, {MarketID: "M2", Size: 3}, {MarketID: "M3", Size: 1}}
	oracle := fakeOracle{}

	res, err := Reconcile(context.Background(), "W", prev, nil, oracle, fixedNow, Config{}, testLogger())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Closed) != len(prev) {
		t.Fatalf("expected %d close events, got %d", len(prev), len(res.Closed))
	}
}

// Determinism: replaying with identical inputs yields an identical event set.
func TestReconcileIsDeterministic(t *testing.T) {
	prev := []PrevPosition{{MarketID: "M1", Size: 5}, {MarketID: "M2", Size: 3}}
	curr := []domain.Position{{MarketID: "M1", Size: 5}}
	oracle := fakeOracle{"M2": domain.MarketStatusClosed}

	res1, err := Reconcile(context.Background(), "W", prev, curr, oracle, fixedNow, Config{}, testLogger())
	if err != nil {
		t.Fatalf("Reconcile 1: %v", err)
	}
	res2, err := Reconcile(context.Background(), "W", prev, curr, oracle, fixedNow, Config{}, testLogger())
	if err != nil {
		t.Fatalf("Reconcile 2: %v", err)
	}
	if len(res1.Closed) != len(res2.Closed) ||
		res1.Closed[0].Wallet != res2.Closed[0].Wallet ||
		res1.Closed[0].MarketID != res2.Closed[0].MarketID ||
		res1.Closed[0].ClosedReason != res2.Closed[0].ClosedReason ||
		!res1.Closed[0].ClosedAt.Equal(res2.Closed[0].ClosedAt) {
		t.Fatalf("expected identical results, got %+v vs %+v", res1.Closed, res2.Closed)
	}
}

// Within-tolerance size changes produce neither a close nor a size update.
func TestReconcileWithinEpsilonIsIgnored(t *testing.T) {
	prev := []PrevPosition{{MarketID: "M1", Size: 5.0}}
	curr := []domain.Position{{MarketID: "M1", Size: 5.005}}

	res, err := Reconcile(context.Background(), "W", prev, curr, fakeOracle{}, fixedNow, Config{SizeEpsilon: 0.01}, testLogger())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.SizeUpdates) != 0 {
		t.Fatalf("expected no size update within epsilon, got %v", res.SizeUpdates)
	}
}

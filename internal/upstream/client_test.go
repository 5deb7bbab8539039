package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/polycopy/tracer/pkg/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetchTradesPageParsesAndOrders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"transactionHash": "0xaaa", "conditionId": "m1", "side": "BUY", "outcome": "YES", "size": "5", "price": "0.5", "timestamp": float64(1500)},
			{"transactionHash": "0xbbb", "conditionId": "m1", "side": "SELL", "size": 2.5, "price": 0.4, "timestamp": float64(1200)},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", testLogger())
	trades, err := c.FetchTradesPage(context.Background(), domain.Wallet("0xwallet"), 200, 0)
	if err != nil {
		t.Fatalf("FetchTradesPage: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].TradeID != "0xaaa" {
		t.Errorf("expected tx hash as trade id, got %q", trades[0].TradeID)
	}
	if trades[1].Size != 2.5 {
		t.Errorf("expected numeric size to parse, got %v", trades[1].Size)
	}
}

func TestFetchTradesPageDiscardsMalformedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"conditionId": "m1", "side": "BUY", "size": "5", "price": "0.5", "timestamp": float64(1000)},
			{"conditionId": "", "side": "BUY", "size": "5", "price": "0.5", "timestamp": float64(1000)}, // missing conditionId
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", testLogger())
	trades, err := c.FetchTradesPage(context.Background(), domain.Wallet("0xwallet"), 200, 0)
	if err != nil {
		t.Fatalf("FetchTradesPage: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected malformed row discarded, got %d trades", len(trades))
	}
}

func TestFetchPositionsPaginatesUntilShortPage(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		offset := r.URL.Query().Get("offset")
		if offset == "0" {
			full := make([]map[string]interface{}, positionsPageLimit)
			for i := range full {
				full[i] = map[string]interface{}{"conditionId": fmt.Sprintf("m%d", i), "size": "1"}
			}
			_ = json.NewEncoder(w).Encode(full)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"conditionId": "last", "size": "2"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", testLogger())
	positions, err := c.FetchPositions(context.Background(), domain.Wallet("0xwallet"))
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 pages fetched, got %d", calls)
	}
	if len(positions) != positionsPageLimit+1 {
		t.Fatalf("expected %d positions, got %d", positionsPageLimit+1, len(positions))
	}
}

func TestFetchPositionsNotFoundMeansEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", testLogger())
	positions, err := c.FetchPositions(context.Background(), domain.Wallet("0xwallet"))
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}
	if positions != nil {
		t.Fatalf("expected nil positions, got %v", positions)
	}
}

func TestIsMarketClosed(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   map[string]interface{}
		want   domain.MarketStatus
	}{
		{"closed flag", http.StatusOK, map[string]interface{}{"closed": true}, domain.MarketStatusClosed},
		{"resolved flag", http.StatusOK, map[string]interface{}{"resolved": true}, domain.MarketStatusClosed},
		{"open", http.StatusOK, map[string]interface{}{"closed": false}, domain.MarketStatusOpen},
		{"not found is unknown", http.StatusNotFound, nil, domain.MarketStatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.body != nil {
					_ = json.NewEncoder(w).Encode(tt.body)
				}
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "", "", testLogger())
			got, err := c.IsMarketClosed(context.Background(), "m1")
			if err != nil {
				t.Fatalf("IsMarketClosed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

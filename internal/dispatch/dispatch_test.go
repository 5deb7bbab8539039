package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/polycopy/tracer/internal/httpx"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTargetTradersRequiresBearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(TargetTradersResponse{Traders: []string{"0xabc"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cr3t", testLogger())
	out, err := c.TargetTraders(context.Background())
	if err != nil {
		t.Fatalf("TargetTraders: %v", err)
	}
	if gotAuth != "Bearer s3cr3t" {
		t.Fatalf("expected bearer auth header, got %q", gotAuth)
	}
	if len(out.Traders) != 1 || out.Traders[0] != "0xabc" {
		t.Fatalf("unexpected traders: %+v", out)
	}
}

func TestSyncTradeWrapsRawPayload(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(SyncTradeResponse{Inserted: 1})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cr3t", testLogger())
	out, err := c.SyncTrade(context.Background(), []byte(`{"conditionId":"m1"}`))
	if err != nil {
		t.Fatalf("SyncTrade: %v", err)
	}
	if out.Inserted != 1 {
		t.Fatalf("expected inserted=1, got %+v", out)
	}
	trade, ok := body["trade"].(map[string]interface{})
	if !ok || trade["conditionId"] != "m1" {
		t.Fatalf("expected nested raw trade payload, got %+v", body)
	}
}

func TestWSFillReportsNonOKAsClassifiedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cr3t", testLogger())
	_, err := c.WSFill(context.Background(), "order-1")
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	var ce *httpx.ClassifiedError
	if !errors.As(err, &ce) || ce.Status != http.StatusServiceUnavailable || !ce.Retryable {
		t.Fatalf("expected retryable classified 503 error, got %v", err)
	}
}

// Package dispatch is the client for this system's own control plane
// (spec.md §6 "Downstream HTTP"): the stream ingester's target-trader
// lookup, trade sync, best-effort execute trigger, and fill notification.
// Every call carries the configured bearer secret.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/polycopy/tracer/internal/httpx"
)

const requestTimeout = 15 * time.Second

// Client is the downstream control-plane adapter.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient builds a dispatch client authenticated with a static bearer
// secret (spec.md §6: every downstream route is "Bearer auth").
func NewClient(baseURL, bearerSecret string, logger *slog.Logger) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(bearerSecret)
	return &Client{http: c, logger: logger.With("component", "dispatch")}
}

// TargetTradersResponse is the body of GET target-traders.
type TargetTradersResponse struct {
	Traders               []string `json:"traders"`
	HasLeaderboardWallets bool     `json:"has_leaderboard_wallets,omitempty"`
}

// TargetTraders fetches the execution-target wallet set.
func (c *Client) TargetTraders(ctx context.Context) (TargetTradersResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var out TargetTradersResponse
	resp, err := c.http.R().SetContext(cctx).SetResult(&out).Get("/api/target-traders")
	if err != nil {
		return TargetTradersResponse{}, httpx.Classify(0, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return TargetTradersResponse{}, httpx.Classify(resp.StatusCode(), fmt.Errorf("target traders: status %d", resp.StatusCode()))
	}
	return out, nil
}

// SyncTradeResponse is the body of POST sync-trade.
type SyncTradeResponse struct {
	Inserted int    `json:"inserted"`
	Message  string `json:"message,omitempty"`
}

// SyncTrade forwards one raw upstream trade payload to the feed.
func (c *Client) SyncTrade(ctx context.Context, rawTrade []byte) (SyncTradeResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var out SyncTradeResponse
	resp, err := c.http.R().
		SetContext(cctx).
		SetHeader("Content-Type", "application/json").
		SetBody(struct {
			Trade json.RawMessage `json:"trade"`
		}{Trade: rawTrade}).
		SetResult(&out).
		Post("/api/sync-trade")
	if err != nil {
		return SyncTradeResponse{}, httpx.Classify(0, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return SyncTradeResponse{}, httpx.Classify(resp.StatusCode(), fmt.Errorf("sync trade: status %d", resp.StatusCode()))
	}
	return out, nil
}

// Execute fires the best-effort downstream execution trigger. Callers treat
// failures as non-fatal (spec.md §4.11: "fire-and-forget, best-effort").
func (c *Client) Execute(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.http.R().SetContext(cctx).Post("/api/execute")
	if err != nil {
		return httpx.Classify(0, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return httpx.Classify(resp.StatusCode(), fmt.Errorf("execute: status %d", resp.StatusCode()))
	}
	return nil
}

// WSFillResponse is the body of POST ws-fill.
type WSFillResponse struct {
	Updated   bool    `json:"updated"`
	NewStatus string  `json:"new_status,omitempty"`
	FillRate  float64 `json:"fill_rate,omitempty"`
}

// WSFill notifies the control plane that an outbound order matched.
func (c *Client) WSFill(ctx context.Context, orderID string) (WSFillResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var out WSFillResponse
	resp, err := c.http.R().
		SetContext(cctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"order_id": orderID}).
		SetResult(&out).
		Post("/api/ws-fill")
	if err != nil {
		return WSFillResponse{}, httpx.Classify(0, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return WSFillResponse{}, httpx.Classify(resp.StatusCode(), fmt.Errorf("ws fill: status %d", resp.StatusCode()))
	}
	return out, nil
}

// pendingOrdersResponse is the body of GET pending-orders.
type pendingOrdersResponse struct {
	OrderIDs []string `json:"order_ids"`
}

// PendingOrders fetches the current set of open outbound order ids the
// stream ingester mirrors to detect fills (spec.md §4.11, §6 "three
// supporting reads").
func (c *Client) PendingOrders(ctx context.Context) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var out pendingOrdersResponse
	resp, err := c.http.R().SetContext(cctx).SetResult(&out).Get("/api/pending-orders")
	if err != nil {
		return nil, httpx.Classify(0, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, httpx.Classify(resp.StatusCode(), fmt.Errorf("pending orders: status %d", resp.StatusCode()))
	}
	return out.OrderIDs, nil
}

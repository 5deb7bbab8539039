package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/polycopy/tracer/internal/httpx"
	"github.com/polycopy/tracer/pkg/domain"
)

const (
	dataFetchTimeout   = 15 * time.Second // fetch_trades_page, fetch_positions
	marketProbeTimeout = 10 * time.Second // is_market_closed

	tradesPageLimit    = 200
	positionsPageLimit = 500
)

// Client is the read-only adapter to the upstream trade/position venue and
// its market-status oracle.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient builds an upstream client. No authentication is attached —
// spec.md §4.4 notes the public endpoints require none — only a descriptive
// user-agent.
func NewClient(baseURL, userAgent, marketAPIKey string, logger *slog.Logger) *Client {
	if userAgent == "" {
		userAgent = "polycopy-tracer/1.0"
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", userAgent)
	if marketAPIKey != "" {
		c.SetHeader("X-Api-Key", marketAPIKey)
	}

	return &Client{http: c, logger: logger.With("component", "upstream")}
}

// FetchTradesPage returns one page of trades for a wallet, newest-first, as
// the upstream API orders them (spec.md §4.5).
func (c *Client) FetchTradesPage(ctx context.Context, wallet domain.Wallet, limit, offset int) ([]domain.Trade, error) {
	if limit <= 0 || limit > tradesPageLimit {
		limit = tradesPageLimit
	}

	cctx, cancel := context.WithTimeout(ctx, dataFetchTimeout)
	defer cancel()

	var page []tradeDTO
	resp, err := c.http.R().
		SetContext(cctx).
		SetQueryParams(map[string]string{
			"user":   string(wallet),
			"limit":  itoa(limit),
			"offset": itoa(offset),
		}).
		SetResult(&page).
		Get("/trades")
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, httpx.Classify(resp.StatusCode(), fmt.Errorf("fetch trades: status %d: %s", resp.StatusCode(), resp.String()))
	}

	trades := make([]domain.Trade, 0, len(page))
	for _, dto := range page {
		t, err := convertTrade(wallet, dto)
		if err != nil {
			c.logger.Warn("discarding malformed trade", "wallet", wallet, "error", err)
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// FetchPositions paginates by increasing offset with limit=500 until a
// short page, returning the wallet's full open-position snapshot. A 404 or
// 400 from the first page means "no positions" (spec.md §4.5).
func (c *Client) FetchPositions(ctx context.Context, wallet domain.Wallet) ([]domain.Position, error) {
	var all []domain.Position
	offset := 0

	for {
		cctx, cancel := context.WithTimeout(ctx, dataFetchTimeout)
		var page []positionDTO
		resp, err := c.http.R().
			SetContext(cctx).
			SetQueryParams(map[string]string{
				"user":   string(wallet),
				"limit":  itoa(positionsPageLimit),
				"offset": itoa(offset),
			}).
			SetResult(&page).
			Get("/positions")
		cancel()
		if err != nil {
			return nil, classifyTransportError(err)
		}
		if resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusBadRequest {
			if offset == 0 {
				return nil, nil
			}
			break
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, httpx.Classify(resp.StatusCode(), fmt.Errorf("fetch positions: status %d: %s", resp.StatusCode(), resp.String()))
		}

		for _, dto := range page {
			p, err := convertPosition(wallet, dto)
			if err != nil {
				c.logger.Warn("discarding malformed position", "wallet", wallet, "error", err)
				continue
			}
			all = append(all, p)
		}

		if len(page) < positionsPageLimit {
			break
		}
		offset += positionsPageLimit
	}

	return all, nil
}

// IsMarketClosed consults the market-status oracle (spec.md §4.5). unknown
// is returned (domain.MarketStatusUnknown) when neither flag can be
// determined with confidence — the reconciler, not this adapter, decides
// how to treat "unknown".
func (c *Client) IsMarketClosed(ctx context.Context, marketID string) (domain.MarketStatus, error) {
	cctx, cancel := context.WithTimeout(ctx, marketProbeTimeout)
	defer cancel()

	var dto marketDTO
	resp, err := c.http.R().
		SetContext(cctx).
		SetResult(&dto).
		Get("/markets/" + marketID)
	if err != nil {
		return domain.MarketStatusUnknown, classifyTransportError(err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return domain.MarketStatusUnknown, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.MarketStatusUnknown, httpx.Classify(resp.StatusCode(), fmt.Errorf("market status: status %d: %s", resp.StatusCode(), resp.String()))
	}

	if dto.Closed || dto.Resolved {
		return domain.MarketStatusClosed, nil
	}
	return domain.MarketStatusOpen, nil
}

func classifyTransportError(err error) error {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return httpx.Classify(httpx.StatusTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return httpx.Classify(httpx.StatusTimeout, err)
	}
	return httpx.Classify(0, err)
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

func convertTrade(wallet domain.Wallet, dto tradeDTO) (domain.Trade, error) {
	conditionID, err := domain.FieldRequiredString("conditionId", dto.ConditionID)
	if err != nil {
		return domain.Trade{}, err
	}
	side, err := domain.FieldSide("side", dto.Side)
	if err != nil {
		return domain.Trade{}, err
	}
	outcome, err := domain.FieldOutcome("outcome", dto.Outcome)
	if err != nil {
		return domain.Trade{}, err
	}
	size, err := domain.FieldFloat("size", string(dto.Size))
	if err != nil {
		return domain.Trade{}, err
	}
	price, err := domain.FieldFloat("price", string(dto.Price))
	if err != nil {
		return domain.Trade{}, err
	}
	ts, err := domain.FieldTimestamp("timestamp", dto.Timestamp)
	if err != nil {
		return domain.Trade{}, err
	}

	id := domain.DeriveTradeID(dto.TransactionHash, wallet, conditionID, ts)

	raw, marshalErr := marshalRaw(dto)
	if marshalErr != nil && os.Getenv("TRACER_DEBUG") != "" {
		// Forensic payload is best-effort; never fail ingestion over it.
		fmt.Fprintln(os.Stderr, marshalErr)
	}

	return domain.Trade{
		TradeID:         id,
		Wallet:          wallet,
		TxHash:          dto.TransactionHash,
		ConditionID:     conditionID,
		MarketSlug:      dto.Slug,
		EventSlug:       dto.EventSlug,
		MarketTitle:     dto.Title,
		Side:            side,
		Outcome:         outcome,
		OutcomeIndex:    dto.OutcomeIndex,
		Size:            size,
		Price:           price,
		Timestamp:       ts,
		Raw:             raw,
		SourceUpdatedAt: time.Now().UTC(),
	}, nil
}

func convertPosition(wallet domain.Wallet, dto positionDTO) (domain.Position, error) {
	marketID, err := domain.FieldRequiredString("conditionId|asset", dto.marketID())
	if err != nil {
		return domain.Position{}, err
	}
	size, err := domain.FieldFloat("size", string(dto.Size))
	if err != nil {
		return domain.Position{}, err
	}
	raw, _ := marshalRaw(dto)

	return domain.Position{
		Wallet:     wallet,
		MarketID:   marketID,
		Size:       size,
		Redeemable: dto.Redeemable,
		LastSeenAt: time.Now().UTC(),
		Raw:        raw,
	}, nil
}

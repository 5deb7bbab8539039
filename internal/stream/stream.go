// Package stream implements the real-time trade-stream ingester (spec.md
// §4.11): a long-lived WebSocket consumer of the upstream activity feed
// that classifies each event against the follow/target wallet sets,
// batches feed rows for upsert, and forwards execution-eligible events to
// the downstream control plane through a circuit breaker and a bounded
// in-flight window. The reconnect loop and message-dispatch shape follow
// the teacher's exchange.WSFeed; everything downstream of message receipt
// (buffering, dispatch, fill matching) is new, since the teacher's feed
// only ever fanned events into local channels.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/polycopy/tracer/internal/breaker"
	"github.com/polycopy/tracer/internal/dispatch"
	"github.com/polycopy/tracer/internal/httpx"
	"github.com/polycopy/tracer/internal/store"
	"github.com/polycopy/tracer/pkg/domain"
)

const writeTimeout = 10 * time.Second

// Config parameterizes the ingester's buffering, backpressure, and
// housekeeping cadences (spec.md §4.11).
type Config struct {
	BufferMaxSize        int
	BufferFlushInterval  time.Duration
	InFlightCap          int
	ReconnectDelay       time.Duration
	CacheRefreshInterval time.Duration
	PendingOrdersRefresh time.Duration
	MemWatchdogInterval  time.Duration
	MemWatchdogWarnPct   float64
}

// TradeStore is the store surface the ingester needs: batch-inserting feed
// rows (ignore_duplicates, not latest-wins — spec.md §4.11) and reading the
// follow set on cache refresh.
type TradeStore interface {
	UpsertTradesIgnoreDuplicates(ctx context.Context, trades []domain.Trade) error
	GetActiveFollows(ctx context.Context) ([]store.FollowedWallet, error)
}

// TargetSource resolves the execution-target wallet set from the
// downstream control plane.
type TargetSource interface {
	TargetTraders(ctx context.Context) (dispatch.TargetTradersResponse, error)
}

// PendingOrdersSource resolves the current pending-order id set.
type PendingOrdersSource interface {
	PendingOrders(ctx context.Context) ([]string, error)
}

// Dispatcher is the downstream surface used for execution forwarding and
// fill notification.
type Dispatcher interface {
	SyncTrade(ctx context.Context, rawTrade []byte) (dispatch.SyncTradeResponse, error)
	Execute(ctx context.Context) error
	WSFill(ctx context.Context, orderID string) (dispatch.WSFillResponse, error)
}

// Ingester runs the stream subsystem. Construct one per process.
type Ingester struct {
	wsURL   string
	store   TradeStore
	targets TargetSource
	pending PendingOrdersSource
	dispatcher Dispatcher
	breaker *breaker.Breaker
	cfg     Config
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	followSet atomic.Pointer[map[domain.Wallet]struct{}]
	targetSet atomic.Pointer[map[domain.Wallet]struct{}]
	pendingOrders atomic.Pointer[map[string]struct{}]

	bufMu  sync.Mutex
	buffer []domain.Trade

	inFlight int32
}

// New builds an Ingester with empty initial caches; the first cache
// refresh (run before entering the read loop) populates them.
func New(wsURL string, st TradeStore, targets TargetSource, pending PendingOrdersSource, dispatcher Dispatcher, br *breaker.Breaker, cfg Config, logger *slog.Logger) *Ingester {
	i := &Ingester{
		wsURL:      wsURL,
		store:      st,
		targets:    targets,
		pending:    pending,
		dispatcher: dispatcher,
		breaker:    br,
		cfg:        cfg,
		logger:     logger.With("component", "stream"),
	}
	empty := make(map[domain.Wallet]struct{})
	emptyOrders := make(map[string]struct{})
	i.followSet.Store(&empty)
	i.targetSet.Store(&empty)
	i.pendingOrders.Store(&emptyOrders)
	return i
}

// Run blocks until ctx is cancelled, maintaining the WebSocket connection
// plus the independent background loops (buffer flush, cache refresh,
// pending-order refresh, memory watchdog).
func (i *Ingester) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return i.connectLoop(gctx) })
	g.Go(func() error { return i.flushLoop(gctx) })
	g.Go(func() error { return i.cacheRefreshLoop(gctx) })
	g.Go(func() error { return i.pendingRefreshLoop(gctx) })
	g.Go(func() error { return i.memWatchdogLoop(gctx) })
	return g.Wait()
}

func (i *Ingester) connectLoop(ctx context.Context) error {
	for {
		err := i.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		i.logger.Warn("stream disconnected, reconnecting", "error", err, "delay", i.cfg.ReconnectDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(i.cfg.ReconnectDelay):
		}
	}
}

func (i *Ingester) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, i.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	i.connMu.Lock()
	i.conn = conn
	i.connMu.Unlock()
	defer func() {
		i.connMu.Lock()
		conn.Close()
		i.conn = nil
		i.connMu.Unlock()
	}()

	if err := i.subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	// Reconnection refreshes all three caches (spec.md §4.11).
	i.refreshCaches(ctx)

	i.logger.Info("stream connected", "url", i.wsURL)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		i.handleMessage(ctx, msg)
	}
}

func (i *Ingester) subscribe() error {
	msg := map[string]interface{}{
		"type":   "subscribe",
		"topics": []string{"trades", "orders_matched"},
	}
	i.connMu.Lock()
	defer i.connMu.Unlock()
	if i.conn == nil {
		return errors.New("stream: not connected")
	}
	i.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return i.conn.WriteJSON(msg)
}

func (i *Ingester) handleMessage(ctx context.Context, data []byte) {
	var env activityEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		i.logger.Debug("ignoring non-json stream message")
		return
	}

	switch env.Type {
	case "trades", "trade":
		i.handleTrade(ctx, data)
	case "orders_matched":
		i.handleOrdersMatched(ctx, data)
	default:
		i.logger.Debug("ignoring unknown stream event", "type", env.Type)
	}
}

func (i *Ingester) handleTrade(ctx context.Context, data []byte) {
	var dto wsTradeEvent
	if err := json.Unmarshal(data, &dto); err != nil {
		i.logger.Warn("unmarshal trade event", "error", err)
		return
	}

	wallet, err := domain.CanonicalWallet(dto.ProxyWallet)
	if err != nil {
		i.logger.Warn("discarding trade with invalid wallet", "error", err)
		return
	}

	follow := *i.followSet.Load()
	target := *i.targetSet.Load()
	_, isFollowed := follow[wallet]
	_, isTarget := target[wallet]
	if !isFollowed && !isTarget {
		return
	}

	trade, err := convertStreamTrade(wallet, dto)
	if err != nil {
		i.logger.Warn("discarding malformed stream trade", "error", err)
		return
	}

	i.appendToBuffer(ctx, trade)

	if isTarget && trade.Side == domain.Buy {
		i.dispatchExecution(ctx, data, wallet)
	}
}

func (i *Ingester) appendToBuffer(ctx context.Context, trade domain.Trade) {
	i.bufMu.Lock()
	i.buffer = append(i.buffer, trade)
	shouldFlush := len(i.buffer) >= i.cfg.BufferMaxSize
	i.bufMu.Unlock()

	if shouldFlush {
		i.flush(ctx)
	}
}

func (i *Ingester) flush(ctx context.Context) {
	i.bufMu.Lock()
	if len(i.buffer) == 0 {
		i.bufMu.Unlock()
		return
	}
	batch := i.buffer
	i.buffer = nil
	i.bufMu.Unlock()

	if err := i.store.UpsertTradesIgnoreDuplicates(ctx, batch); err != nil {
		i.logger.Error("flush stream buffer", "error", err, "rows", len(batch))
	}
}

func (i *Ingester) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(i.cfg.BufferFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			i.flush(context.Background())
			return ctx.Err()
		case <-ticker.C:
			i.flush(ctx)
		}
	}
}

// dispatchExecution forwards a BUY event from a target wallet to the
// execution endpoint, guarded by the breaker and the in-flight window
// (spec.md §4.11). Saturation drops the dispatch rather than queuing it —
// the pollers pick the trade up as a safety net within their own interval.
func (i *Ingester) dispatchExecution(ctx context.Context, rawTrade []byte, wallet domain.Wallet) {
	if atomic.LoadInt32(&i.inFlight) >= int32(i.cfg.InFlightCap) {
		i.logger.Warn("in-flight cap reached, dropping execution dispatch", "wallet", wallet)
		return
	}

	atomic.AddInt32(&i.inFlight, 1)
	go func() {
		defer atomic.AddInt32(&i.inFlight, -1)

		var result dispatch.SyncTradeResponse
		err := breaker.Do(ctx, i.breaker, func(cctx context.Context) error {
			var innerErr error
			result, innerErr = i.dispatcher.SyncTrade(cctx, rawTrade)
			return innerErr
		}, isDispatchFailure)

		if err != nil {
			if errors.Is(err, breaker.ErrOpen) {
				i.logger.Debug("breaker open, dropped execution dispatch", "wallet", wallet)
			} else {
				i.logger.Warn("execution dispatch failed", "wallet", wallet, "error", err)
			}
			return
		}
		if result.Inserted > 0 {
			if err := i.dispatcher.Execute(ctx); err != nil {
				i.logger.Debug("best-effort execute trigger failed", "error", err)
			}
		}
	}()
}

func (i *Ingester) handleOrdersMatched(ctx context.Context, data []byte) {
	var evt wsOrdersMatchedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		i.logger.Warn("unmarshal orders_matched event", "error", err)
		return
	}

	for _, orderID := range evt.orderIDs() {
		pending := *i.pendingOrders.Load()
		if _, ok := pending[orderID]; !ok {
			continue
		}
		if _, err := i.dispatcher.WSFill(ctx, orderID); err != nil {
			i.logger.Warn("fill notification failed", "order_id", orderID, "error", err)
		}
		i.evictPendingOrder(orderID)
	}
}

func (i *Ingester) evictPendingOrder(orderID string) {
	for {
		old := i.pendingOrders.Load()
		if _, ok := (*old)[orderID]; !ok {
			return
		}
		next := make(map[string]struct{}, len(*old))
		for id := range *old {
			if id != orderID {
				next[id] = struct{}{}
			}
		}
		if i.pendingOrders.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (i *Ingester) refreshCaches(ctx context.Context) {
	follows, err := i.store.GetActiveFollows(ctx)
	if err != nil {
		i.logger.Warn("refresh follow set failed", "error", err)
	} else {
		set := make(map[domain.Wallet]struct{}, len(follows))
		for _, f := range follows {
			set[f.Wallet] = struct{}{}
		}
		i.followSet.Store(&set)
	}

	targets, err := i.targets.TargetTraders(ctx)
	if err != nil {
		i.logger.Warn("refresh target set failed", "error", err)
	} else {
		set := make(map[domain.Wallet]struct{}, len(targets.Traders))
		for _, raw := range targets.Traders {
			w, err := domain.CanonicalWallet(raw)
			if err != nil {
				continue
			}
			set[w] = struct{}{}
		}
		i.targetSet.Store(&set)
	}

	i.refreshPendingOrders(ctx)
}

func (i *Ingester) refreshPendingOrders(ctx context.Context) {
	orders, err := i.pending.PendingOrders(ctx)
	if err != nil {
		i.logger.Warn("refresh pending orders failed", "error", err)
		return
	}
	set := make(map[string]struct{}, len(orders))
	for _, id := range orders {
		set[id] = struct{}{}
	}
	i.pendingOrders.Store(&set)
}

func (i *Ingester) cacheRefreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(i.cfg.CacheRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			i.refreshCaches(ctx)
		}
	}
}

func (i *Ingester) pendingRefreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(i.cfg.PendingOrdersRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			i.refreshPendingOrders(ctx)
		}
	}
}

// memWatchdogLoop periodically reports heap usage, warning above the
// configured threshold (spec.md §4.11: "operational signal, not a control
// loop" — it never throttles anything itself).
func (i *Ingester) memWatchdogLoop(ctx context.Context) error {
	ticker := time.NewTicker(i.cfg.MemWatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			if m.Sys == 0 {
				continue
			}
			pct := float64(m.HeapAlloc) / float64(m.Sys)
			if pct > i.cfg.MemWatchdogWarnPct {
				i.logger.Warn("heap usage above threshold", "heap_alloc", m.HeapAlloc, "sys", m.Sys, "pct", pct)
			} else {
				i.logger.Debug("heap usage", "heap_alloc", m.HeapAlloc, "sys", m.Sys, "pct", pct)
			}
		}
	}
}

func isDispatchFailure(err error) bool {
	if err == nil {
		return false
	}
	var ce *httpx.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Status == 0 || ce.Status == httpx.StatusTimeout || ce.Status >= 500
	}
	return true
}

func convertStreamTrade(wallet domain.Wallet, dto wsTradeEvent) (domain.Trade, error) {
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

	raw, _ := json.Marshal(dto)

	return domain.Trade{
		TradeID:         domain.DeriveTradeID(dto.TransactionHash, wallet, conditionID, ts),
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

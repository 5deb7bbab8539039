// Command streamer runs the WebSocket activity ingester (spec.md §4.11): a
// long-lived consumer of the upstream trade/fill feed that buffers rows for
// the store and forwards execution-eligible events to the downstream
// control plane through a circuit breaker.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/polycopy/tracer/internal/breaker"
	"github.com/polycopy/tracer/internal/config"
	"github.com/polycopy/tracer/internal/dispatch"
	"github.com/polycopy/tracer/internal/liveness"
	"github.com/polycopy/tracer/internal/store"
	"github.com/polycopy/tracer/internal/stream"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRACER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.ValidateStream(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	dispatchClient := dispatch.NewClient(cfg.Downstream.BaseURL, cfg.Downstream.BearerSecret, logger)

	br := breaker.New(
		cfg.Stream.BreakerFailureThreshold,
		cfg.Stream.BreakerOpenDuration,
		cfg.Stream.BreakerRequestTimeout,
		logger,
	)

	streamCfg := stream.Config{
		BufferMaxSize:        cfg.Stream.BufferMaxSize,
		BufferFlushInterval:  cfg.Stream.BufferFlushInterval,
		InFlightCap:          cfg.Stream.InFlightCap,
		ReconnectDelay:       cfg.Stream.ReconnectDelay,
		CacheRefreshInterval: cfg.Stream.CacheRefreshInterval,
		PendingOrdersRefresh: cfg.Stream.PendingOrdersRefresh,
		MemWatchdogInterval:  cfg.Stream.MemWatchdogInterval,
		MemWatchdogWarnPct:   cfg.Stream.MemWatchdogWarnPct,
	}

	ingester := stream.New(cfg.Upstream.WSURL, st, dispatchClient, dispatchClient, dispatchClient, br, streamCfg, logger)

	liveSrv := liveness.New(cfg.Liveness.Port, logger)
	go func() {
		if err := liveSrv.Start(); err != nil {
			logger.Error("liveness server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("streamer starting", "ws_url", cfg.Upstream.WSURL)
	if err := ingester.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("ingester exited with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := liveSrv.Stop(shutdownCtx); err != nil {
		logger.Error("liveness shutdown error", "error", err)
	}
	logger.Info("streamer stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("process", "streamer")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Command hotpoller runs the hot-tier polling loop (spec.md §4.9): it walks
// the actively-followed wallet set sequentially, once per cycle, pulling
// trades and positions through the shared poll.Orchestrator. It carries no
// named lock — every replica runs the same follow set independently, since
// the hot path is meant to be cheap and redundant rather than coordinated.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/polycopy/tracer/internal/config"
	"github.com/polycopy/tracer/internal/cooldown"
	"github.com/polycopy/tracer/internal/liveness"
	"github.com/polycopy/tracer/internal/poll"
	"github.com/polycopy/tracer/internal/ratelimit"
	"github.com/polycopy/tracer/internal/reconcile"
	"github.com/polycopy/tracer/internal/store"
	"github.com/polycopy/tracer/internal/upstream"
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
	if err := cfg.Validate(); err != nil {
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

	upstreamClient := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.UserAgent, cfg.Upstream.MarketAPIKey, logger)
	limiter := ratelimit.New(cfg.HotPoll.RateLimitBurst, cfg.HotPoll.RateLimitRPS)
	cd := cooldown.New(cfg.HotPoll.CooldownPerWallet)

	reconfig := reconcile.Config{
		SizeEpsilon:       cfg.Reconcile.SizeEpsilon,
		OracleConcurrency: cfg.Reconcile.OracleConcurrency,
	}

	orch := poll.New(upstreamClient, st, limiter, cd, reconfig, logger)

	liveSrv := liveness.New(cfg.Liveness.Port, logger)
	go func() {
		if err := liveSrv.Start(); err != nil {
			logger.Error("liveness server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("hot poller starting", "interval", cfg.HotPoll.Interval, "error_budget", cfg.HotPoll.ErrorBudget)
	exhausted := runLoop(ctx, st, orch, cfg.HotPoll.Interval, cfg.HotPoll.ErrorBudget, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := liveSrv.Stop(shutdownCtx); err != nil {
		logger.Error("liveness shutdown error", "error", err)
	}

	if exhausted {
		logger.Error("hot poller exiting: error budget exhausted")
		os.Exit(1)
	}
	logger.Info("hot poller stopped")
}

// runLoop implements the per-cycle budget from spec.md §4.9: each cycle
// tolerates up to errorBudget non-timeout failures across the whole
// followed-wallet walk before aborting the process — timeouts are routine
// upstream slowness and never count against the budget. The count resets at
// the start of every cycle; it is not a consecutive-failure streak. It
// returns true if the loop stopped because the budget was exhausted, so the
// caller can exit non-zero and let the supervisor restart the process
// (spec.md §6).
func runLoop(ctx context.Context, st *store.Store, orch *poll.Orchestrator, interval time.Duration, errorBudget int, logger *slog.Logger) bool {
	for {
		if ctx.Err() != nil {
			return false
		}

		cycleStart := time.Now()
		if err := runCycle(ctx, st, orch, errorBudget, logger); err != nil {
			logger.Error("hot poll cycle aborted", "error", err)
			return true
		}

		elapsed := time.Since(cycleStart)
		sleep := interval - elapsed
		if sleep < 0 {
			sleep = 0
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(sleep):
		}
	}
}

func runCycle(ctx context.Context, st *store.Store, orch *poll.Orchestrator, errorBudget int, logger *slog.Logger) error {
	follows, err := st.GetActiveFollows(ctx)
	if err != nil {
		return err
	}

	failures := 0
	for _, f := range follows {
		if ctx.Err() != nil {
			return nil
		}

		err := orch.Cycle(ctx, f.Wallet)
		if err == nil {
			continue
		}
		if poll.IsTimeoutOnly(err) {
			logger.Warn("hot poll cycle timed out, not counted against error budget", "wallet", f.Wallet, "error", err)
			continue
		}

		failures++
		logger.Warn("hot poll cycle failed", "wallet", f.Wallet, "error", err, "cycle_failures", failures)
		if failures >= errorBudget {
			return errors.New("error budget exhausted within cycle")
		}
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("process", "hotpoller")
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

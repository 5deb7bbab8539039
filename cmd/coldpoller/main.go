// Command coldpoller runs the cold-tier sweep (spec.md §4.10): once per
// interval it takes the distributed named lock, walks every active trader
// not already in the hot (followed) set, and runs the same
// poll.Orchestrator cycle against each at a gentler rate. The lock ensures
// only one replica sweeps the cold set at a time; a lost or crashed holder
// is recovered automatically once its lock expires.
package main

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/polycopy/tracer/internal/config"
	"github.com/polycopy/tracer/internal/cooldown"
	"github.com/polycopy/tracer/internal/liveness"
	"github.com/polycopy/tracer/internal/poll"
	"github.com/polycopy/tracer/internal/ratelimit"
	"github.com/polycopy/tracer/internal/reconcile"
	"github.com/polycopy/tracer/internal/store"
	"github.com/polycopy/tracer/internal/upstream"
	"github.com/polycopy/tracer/pkg/domain"
)

const lockName = "cold_poll_sweep"

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
	limiter := ratelimit.New(cfg.ColdPoll.RateLimitBurst, cfg.ColdPoll.RateLimitRPS)
	cd := cooldown.New(cfg.ColdPoll.CooldownPerWallet)

	reconfig := reconcile.Config{
		SizeEpsilon:       cfg.Reconcile.SizeEpsilon,
		OracleConcurrency: cfg.Reconcile.OracleConcurrency,
	}

	orch := poll.New(upstreamClient, st, limiter, cd, reconfig, logger)
	holderID := holderIdentity()

	liveSrv := liveness.New(cfg.Liveness.Port, logger)
	go func() {
		if err := liveSrv.Start(); err != nil {
			logger.Error("liveness server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("cold poller starting", "interval", cfg.ColdPoll.Interval, "holder", holderID)
	runLoop(ctx, st, orch, cfg.ColdPoll, holderID, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := liveSrv.Stop(shutdownCtx); err != nil {
		logger.Error("liveness shutdown error", "error", err)
	}
	logger.Info("cold poller stopped")
}

func runLoop(ctx context.Context, st *store.Store, orch *poll.Orchestrator, cfg config.ColdPollConfig, holderID string, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := runSweep(ctx, st, orch, cfg, holderID, logger); err != nil {
			logger.Error("cold sweep failed", "error", err)
		}

		jitter := time.Duration(rand.Int63n(int64(cfg.JitterMax) + 1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.Interval + jitter):
		}
	}
}

// runSweep acquires the named lock, walks cold_set = active_traders \
// hot_set, heartbeats the lock every HeartbeatInterval and every
// ExtendEveryN wallets, and always releases on the way out.
func runSweep(ctx context.Context, st *store.Store, orch *poll.Orchestrator, cfg config.ColdPollConfig, holderID string, logger *slog.Logger) error {
	acquired, err := st.AcquireNamedLock(ctx, lockName, holderID, cfg.LockDuration)
	if err != nil {
		return err
	}
	if !acquired {
		logger.Debug("cold sweep lock held by another replica, skipping this interval")
		return nil
	}
	defer func() {
		if err := st.ReleaseNamedLock(context.Background(), lockName, holderID); err != nil {
			logger.Warn("failed to release cold sweep lock", "error", err)
		}
	}()

	wallets, err := coldSet(ctx, st)
	if err != nil {
		return err
	}

	logger.Info("cold sweep starting", "wallet_count", len(wallets))

	lastHeartbeat := time.Now()
	for idx, wallet := range wallets {
		if ctx.Err() != nil {
			return nil
		}

		if err := orch.Cycle(ctx, wallet); err != nil {
			logger.Warn("cold poll cycle failed", "wallet", wallet, "error", err)
		}

		if (idx+1)%cfg.ExtendEveryN == 0 || time.Since(lastHeartbeat) >= cfg.HeartbeatInterval {
			extended, err := st.ExtendNamedLock(ctx, lockName, holderID, cfg.LockDuration)
			if err != nil || !extended {
				logger.Warn("failed to extend cold sweep lock, aborting sweep", "error", err, "extended", extended)
				return err
			}
			lastHeartbeat = time.Now()
		}
	}

	logger.Info("cold sweep complete", "wallet_count", len(wallets))
	return nil
}

// coldSet computes active_traders \ hot_set (spec.md §4.10).
func coldSet(ctx context.Context, st *store.Store) ([]domain.Wallet, error) {
	traders, err := st.GetActiveTraders(ctx)
	if err != nil {
		return nil, err
	}
	follows, err := st.GetActiveFollows(ctx)
	if err != nil {
		return nil, err
	}

	hot := make(map[domain.Wallet]struct{}, len(follows))
	for _, f := range follows {
		hot[f.Wallet] = struct{}{}
	}

	cold := make([]domain.Wallet, 0, len(traders))
	for _, w := range traders {
		if _, ok := hot[w]; !ok {
			cold = append(cold, w)
		}
	}
	return cold, nil
}

// holderIdentity gives each replica its own lock-ownership id, so heartbeat
// extensions in the logs can be told apart from another replica's.
func holderIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "coldpoller"
	}
	return host + "-" + uuid.NewString()
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("process", "coldpoller")
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

// Package config defines all configuration for the ingestion and
// reconciliation pipeline. Config is loaded from a YAML file (default:
// configs/config.yaml) with sensitive fields overridable via TRACER_*
// environment variables, mirroring how the teacher bot layers viper config
// with env overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration shared by all three processes
// (hot poller, cold poller, stream ingester). Each binary only reads the
// sections it needs, but they are loaded from one file so ops can keep a
// single source of truth per deploy.
type Config struct {
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Downstream DownstreamConfig `mapstructure:"downstream"`
	Store      StoreConfig      `mapstructure:"store"`
	HotPoll    HotPollConfig    `mapstructure:"hot_poll"`
	ColdPoll   ColdPollConfig   `mapstructure:"cold_poll"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Liveness   LivenessConfig   `mapstructure:"liveness"`
}

// UpstreamConfig points at the public trade/position venue, the market
// status oracle, and the activity WebSocket (spec.md §6).
type UpstreamConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	WSURL        string `mapstructure:"ws_url"`
	MarketAPIKey string `mapstructure:"market_api_key"` // optional, for the authoritative market lookup
	UserAgent    string `mapstructure:"user_agent"`
}

// DownstreamConfig points at this system's own control plane (spec.md §6
// "Downstream HTTP").
type DownstreamConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	BearerSecret string `mapstructure:"bearer_secret"`
}

// StoreConfig is the relational store DSN ("store URL + service key").
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HotPollConfig tunes the hot poller (spec.md §4.9).
type HotPollConfig struct {
	Interval          time.Duration `mapstructure:"interval"`            // ~2s
	ErrorBudget       int           `mapstructure:"error_budget"`        // >=50
	RateLimitRPS      float64       `mapstructure:"rate_limit_rps"`      // 10/s
	RateLimitBurst    float64       `mapstructure:"rate_limit_burst"`    // 20
	CooldownPerWallet time.Duration `mapstructure:"cooldown_per_wallet"` // 1s
}

// ColdPollConfig tunes the cold poller (spec.md §4.10).
type ColdPollConfig struct {
	Interval          time.Duration `mapstructure:"interval"`            // ~1h
	LockDuration      time.Duration `mapstructure:"lock_duration"`       // ~65m
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`  // ~30m
	ExtendEveryN      int           `mapstructure:"extend_every_n"`      // 100 wallets
	JitterMax         time.Duration `mapstructure:"jitter_max"`          // U(0, 60s)
	RateLimitRPS      float64       `mapstructure:"rate_limit_rps"`      // 5/s
	RateLimitBurst    float64       `mapstructure:"rate_limit_burst"`    // 10
	CooldownPerWallet time.Duration `mapstructure:"cooldown_per_wallet"` // 5s
}

// StreamConfig tunes the WebSocket ingester (spec.md §4.11).
type StreamConfig struct {
	BufferMaxSize           int           `mapstructure:"buffer_max_size"`           // ~50
	BufferFlushInterval     time.Duration `mapstructure:"buffer_flush_interval"`     // ~2s
	InFlightCap             int           `mapstructure:"in_flight_cap"`             // ~20
	ReconnectDelay          time.Duration `mapstructure:"reconnect_delay"`           // ~5s
	CacheRefreshInterval    time.Duration `mapstructure:"cache_refresh_interval"`    // ~5m
	PendingOrdersRefresh    time.Duration `mapstructure:"pending_orders_refresh"`    // ~1m
	MemWatchdogInterval     time.Duration `mapstructure:"mem_watchdog_interval"`     // ~60s
	MemWatchdogWarnPct      float64       `mapstructure:"mem_watchdog_warn_pct"`     // 0.85
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"` // 5
	BreakerOpenDuration     time.Duration `mapstructure:"breaker_open_duration"`     // 60s
	BreakerRequestTimeout   time.Duration `mapstructure:"breaker_request_timeout"`   // 15s
}

// ReconcileConfig parameterizes the reconciler's size-delta tolerance
// (SPEC_FULL.md §6, Open Question 2 — the unit is shares, the same unit as
// Position.Size).
type ReconcileConfig struct {
	SizeEpsilon       float64 `mapstructure:"size_epsilon"`       // 0.01 shares
	OracleConcurrency int     `mapstructure:"oracle_concurrency"` // bounded fan-out per cycle
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LivenessConfig controls the trivial per-process liveness endpoint
// (spec.md §6 "Process surface").
type LivenessConfig struct {
	Port int `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRACER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if dsn := os.Getenv("TRACER_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if secret := os.Getenv("TRACER_DOWNSTREAM_BEARER_SECRET"); secret != "" {
		cfg.Downstream.BearerSecret = secret
	}
	if key := os.Getenv("TRACER_UPSTREAM_MARKET_API_KEY"); key != "" {
		cfg.Upstream.MarketAPIKey = key
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("upstream.user_agent", "polycopy-tracer/1.0")
	v.SetDefault("hot_poll.interval", 2*time.Second)
	v.SetDefault("hot_poll.error_budget", 50)
	v.SetDefault("hot_poll.rate_limit_rps", 10.0)
	v.SetDefault("hot_poll.rate_limit_burst", 20.0)
	v.SetDefault("hot_poll.cooldown_per_wallet", time.Second)
	v.SetDefault("cold_poll.interval", time.Hour)
	v.SetDefault("cold_poll.lock_duration", 65*time.Minute)
	v.SetDefault("cold_poll.heartbeat_interval", 30*time.Minute)
	v.SetDefault("cold_poll.extend_every_n", 100)
	v.SetDefault("cold_poll.jitter_max", 60*time.Second)
	v.SetDefault("cold_poll.rate_limit_rps", 5.0)
	v.SetDefault("cold_poll.rate_limit_burst", 10.0)
	v.SetDefault("cold_poll.cooldown_per_wallet", 5*time.Second)
	v.SetDefault("stream.buffer_max_size", 50)
	v.SetDefault("stream.buffer_flush_interval", 2*time.Second)
	v.SetDefault("stream.in_flight_cap", 20)
	v.SetDefault("stream.reconnect_delay", 5*time.Second)
	v.SetDefault("stream.cache_refresh_interval", 5*time.Minute)
	v.SetDefault("stream.pending_orders_refresh", time.Minute)
	v.SetDefault("stream.mem_watchdog_interval", 60*time.Second)
	v.SetDefault("stream.mem_watchdog_warn_pct", 0.85)
	v.SetDefault("stream.breaker_failure_threshold", 5)
	v.SetDefault("stream.breaker_open_duration", 60*time.Second)
	v.SetDefault("stream.breaker_request_timeout", 15*time.Second)
	v.SetDefault("reconcile.size_epsilon", 0.01)
	v.SetDefault("reconcile.oracle_concurrency", 8)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("liveness.port", 8080)
}

// Validate checks the fields required by the hot poller and cold poller
// (i.e. everything but the downstream control plane and the WebSocket feed,
// which only cmd/streamer talks to — see ValidateStream). Missing required
// config is a fatal startup error (spec.md §7 "Configuration").
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required (set TRACER_STORE_DSN)")
	}
	return nil
}

// ValidateStream additionally requires the WS URL and the downstream
// control-plane credentials, used only by cmd/streamer.
func (c *Config) ValidateStream() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Upstream.WSURL == "" {
		return fmt.Errorf("upstream.ws_url is required")
	}
	if c.Downstream.BaseURL == "" {
		return fmt.Errorf("downstream.base_url is required")
	}
	if c.Downstream.BearerSecret == "" {
		return fmt.Errorf("downstream.bearer_secret is required (set TRACER_DOWNSTREAM_BEARER_SECRET)")
	}
	return nil
}

// Package config defines the top-level configuration for trailbot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/trailbot/internal/domain"
	"github.com/alanyoungcy/trailbot/internal/risk"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRAILBOT_* environment variables.
type Config struct {
	Risk     RiskConfig     `toml:"risk"`
	Schedule ScheduleConfig `toml:"schedule"`
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Safety   SafetyConfig   `toml:"safety"`
	Signals  SignalsConfig  `toml:"signals"`
	Paper    PaperConfig    `toml:"paper"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Instance InstanceConfig `toml:"instance"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// RiskConfig holds the static risk policy.
type RiskConfig struct {
	InitialCapital      float64 `toml:"initial_capital"`
	MaxPositionFraction float64 `toml:"max_position_fraction"`
	MaxPositions        int     `toml:"max_positions"`
	StopLossFraction    float64 `toml:"stop_loss_fraction"`
	TakeProfitFraction  float64 `toml:"take_profit_fraction"`
	PortfolioHaltLoss   float64 `toml:"portfolio_halt_loss"`
	MinPositionSize     float64 `toml:"min_position_size"`
	SizePrecision       int     `toml:"size_precision"`
	// ForceCloseOnSellFailure books a failed sell at FallbackHaircut below
	// entry. When false the position stays open and the next cycle retries.
	ForceCloseOnSellFailure bool    `toml:"force_close_on_sell_failure"`
	FallbackHaircut         float64 `toml:"fallback_haircut"`
}

// Domain converts the section into the policy's configuration type.
func (r RiskConfig) Domain() domain.RiskConfig {
	return domain.RiskConfig{
		InitialCapital:          r.InitialCapital,
		MaxPositionFraction:     r.MaxPositionFraction,
		MaxPositions:            r.MaxPositions,
		StopLossFraction:        r.StopLossFraction,
		TakeProfitFraction:      r.TakeProfitFraction,
		PortfolioHaltLoss:       r.PortfolioHaltLoss,
		MinPositionSize:         r.MinPositionSize,
		SizePrecision:           r.SizePrecision,
		ForceCloseOnSellFailure: r.ForceCloseOnSellFailure,
		FallbackHaircut:         r.FallbackHaircut,
	}
}

// ScheduleConfig holds the cadence of each periodic cycle.
type ScheduleConfig struct {
	MonitorInterval   duration `toml:"monitor_interval"`
	EvaluateInterval  duration `toml:"evaluate_interval"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	NotesInterval     duration `toml:"notes_interval"`
	ShutdownTimeout   duration `toml:"shutdown_timeout"`
}

// StoreConfig selects where the ledger is persisted.
type StoreConfig struct {
	// Backend is one of "file", "postgres" or "sqlite".
	Backend    string `toml:"backend"`
	FilePath   string `toml:"file_path"`
	SQLitePath string `toml:"sqlite_path"`
	// LedgerID keys the ledger row in database backends.
	LedgerID string `toml:"ledger_id"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters and the keys trailbot reads
// and writes.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	PriceMaxAge duration `toml:"price_max_age"`
	NoteStream  string   `toml:"note_stream"`
	StreamMaxLen int64   `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for snapshots.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// GatewayConfig holds the execution gateway endpoint.
type GatewayConfig struct {
	BaseURL     string   `toml:"base_url"`
	APIKey      string   `toml:"api_key"`
	Timeout     duration `toml:"timeout"`
	SlippageBps int      `toml:"slippage_bps"`
}

// SafetyConfig controls pre-trade screening.
type SafetyConfig struct {
	Enabled bool `toml:"enabled"`
	// MaxRiskScore rejects instruments scoring above it even when the
	// screener calls them safe. Zero disables the extra check.
	MaxRiskScore float64 `toml:"max_risk_score"`
}

// SignalsConfig controls the evaluation cycle.
type SignalsConfig struct {
	// Source is "redis" (stream) or "gateway" (HTTP poll).
	Source             string  `toml:"source"`
	Stream             string  `toml:"stream"`
	BatchSize          int     `toml:"batch_size"`
	MinStrength        float64 `toml:"min_strength"`
	MaxEntriesPerCycle int     `toml:"max_entries_per_cycle"`
}

// PaperConfig configures simulated fills in paper mode.
type PaperConfig struct {
	SlippageBps float64 `toml:"slippage_bps"`
	FeeBps      float64 `toml:"fee_bps"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// InstanceConfig guards against two processes trading the same ledger.
type InstanceConfig struct {
	LockEnabled bool     `toml:"lock_enabled"`
	LockKey     string   `toml:"lock_key"`
	LockTTL     duration `toml:"lock_ttl"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Risk: RiskConfig{
			InitialCapital:          1.0,
			MaxPositionFraction:     0.10,
			MaxPositions:            3,
			StopLossFraction:        0.15,
			TakeProfitFraction:      0.50,
			PortfolioHaltLoss:       0.30,
			MinPositionSize:         risk.DefaultMinPositionSize,
			SizePrecision:           risk.DefaultSizePrecision,
			ForceCloseOnSellFailure: true,
			FallbackHaircut:         0.5,
		},
		Schedule: ScheduleConfig{
			MonitorInterval:   duration{30 * time.Second},
			EvaluateInterval:  duration{5 * time.Minute},
			HeartbeatInterval: duration{time.Hour},
			NotesInterval:     duration{15 * time.Minute},
			ShutdownTimeout:   duration{30 * time.Second},
		},
		Store: StoreConfig{
			Backend:    "file",
			FilePath:   "data/ledger.json",
			SQLitePath: "data/trailbot.db",
			LedgerID:   "default",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "trailbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			PriceMaxAge:  duration{2 * time.Minute},
			NoteStream:   "market_notes",
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "trailbot-snapshots",
			ForcePathStyle: true,
		},
		Gateway: GatewayConfig{
			BaseURL:     "http://localhost:8080",
			Timeout:     duration{20 * time.Second},
			SlippageBps: 100,
		},
		Safety: SafetyConfig{
			Enabled:      true,
			MaxRiskScore: 70,
		},
		Signals: SignalsConfig{
			Source:      "gateway",
			Stream:      "signals",
			BatchSize:   50,
			MinStrength: 0.5,
		},
		Paper: PaperConfig{
			SlippageBps: 50,
			FeeBps:      25,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{
				domain.EventEntry,
				domain.EventExit,
				domain.EventHalt,
				domain.EventHeartbeat,
				domain.EventError,
			},
		},
		Instance: InstanceConfig{
			LockEnabled: false,
			LockKey:     "trailbot:instance",
			LockTTL:     duration{time.Minute},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":  true,
	"paper": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"file":     true,
	"postgres": true,
	"sqlite":   true,
}

var validSignalSources = map[string]bool{
	"redis":   true,
	"gateway": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if err := risk.Validate(c.Risk.Domain()); err != nil {
		errs = append(errs, "risk: "+err.Error())
	}

	// Schedule
	for name, d := range map[string]time.Duration{
		"monitor_interval":   c.Schedule.MonitorInterval.Duration,
		"evaluate_interval":  c.Schedule.EvaluateInterval.Duration,
		"heartbeat_interval": c.Schedule.HeartbeatInterval.Duration,
		"notes_interval":     c.Schedule.NotesInterval.Duration,
		"shutdown_timeout":   c.Schedule.ShutdownTimeout.Duration,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("schedule: %s must be > 0", name))
		}
	}

	// Store
	switch backend := strings.ToLower(c.Store.Backend); {
	case !validBackends[backend]:
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: file, postgres, sqlite)", c.Store.Backend))
	case backend == "file" && c.Store.FilePath == "":
		errs = append(errs, "store: file_path must not be empty for the file backend")
	case backend == "sqlite" && c.Store.SQLitePath == "":
		errs = append(errs, "store: sqlite_path must not be empty for the sqlite backend")
	case backend == "postgres":
		errs = append(errs, c.Postgres.validate()...)
	}
	if c.Store.LedgerID == "" {
		errs = append(errs, "store: ledger_id must not be empty")
	}

	// Redis
	needsRedis := c.Instance.LockEnabled || strings.EqualFold(c.Signals.Source, "redis")
	if needsRedis && !c.Redis.Enabled {
		errs = append(errs, "redis: must be enabled for the instance lock or the redis signal source")
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.PriceMaxAge.Duration <= 0 {
			errs = append(errs, "redis: price_max_age must be > 0")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Gateway: orders in live mode, screening when enabled, prices and
	// signals when redis does not supply them.
	needsGateway := strings.EqualFold(c.Mode, "live") || c.Safety.Enabled || !c.Redis.Enabled ||
		strings.EqualFold(c.Signals.Source, "gateway")
	if needsGateway && c.Gateway.BaseURL == "" {
		errs = append(errs, "gateway: base_url must not be empty")
	}
	if c.Gateway.Timeout.Duration <= 0 {
		errs = append(errs, "gateway: timeout must be > 0")
	}

	// Signals
	if !validSignalSources[strings.ToLower(c.Signals.Source)] {
		errs = append(errs, fmt.Sprintf("signals: unknown source %q (valid: redis, gateway)", c.Signals.Source))
	}
	if c.Signals.BatchSize < 1 {
		errs = append(errs, "signals: batch_size must be >= 1")
	}

	// Paper
	if c.Paper.SlippageBps < 0 || c.Paper.FeeBps < 0 {
		errs = append(errs, "paper: slippage_bps and fee_bps must be >= 0")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Instance
	if c.Instance.LockEnabled {
		if c.Instance.LockKey == "" {
			errs = append(errs, "instance: lock_key must not be empty")
		}
		if c.Instance.LockTTL.Duration <= 0 {
			errs = append(errs, "instance: lock_ttl must be > 0")
		} else if c.Instance.LockTTL.Duration <= c.Schedule.ShutdownTimeout.Duration {
			// In-flight exits may still write for shutdown_timeout after the
			// lock stops being extended.
			errs = append(errs, fmt.Sprintf("instance: lock_ttl (%s) must exceed schedule.shutdown_timeout (%s)",
				c.Instance.LockTTL.Duration, c.Schedule.ShutdownTimeout.Duration))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (p PostgresConfig) validate() []string {
	var errs []string
	if strings.TrimSpace(p.DSN) == "" {
		if p.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if p.Port <= 0 || p.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", p.Port))
		}
		if p.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if p.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if p.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if p.PoolMinConns > p.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}
	return errs
}

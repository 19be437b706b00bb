package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRAILBOT_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRAILBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Risk ──
	setFloat64(&cfg.Risk.InitialCapital, "TRAILBOT_RISK_INITIAL_CAPITAL")
	setFloat64(&cfg.Risk.MaxPositionFraction, "TRAILBOT_RISK_MAX_POSITION_FRACTION")
	setInt(&cfg.Risk.MaxPositions, "TRAILBOT_RISK_MAX_POSITIONS")
	setFloat64(&cfg.Risk.StopLossFraction, "TRAILBOT_RISK_STOP_LOSS_FRACTION")
	setFloat64(&cfg.Risk.TakeProfitFraction, "TRAILBOT_RISK_TAKE_PROFIT_FRACTION")
	setFloat64(&cfg.Risk.PortfolioHaltLoss, "TRAILBOT_RISK_PORTFOLIO_HALT_LOSS")
	setFloat64(&cfg.Risk.MinPositionSize, "TRAILBOT_RISK_MIN_POSITION_SIZE")
	setBool(&cfg.Risk.ForceCloseOnSellFailure, "TRAILBOT_RISK_FORCE_CLOSE_ON_SELL_FAILURE")
	setFloat64(&cfg.Risk.FallbackHaircut, "TRAILBOT_RISK_FALLBACK_HAIRCUT")

	// ── Schedule ──
	setDuration(&cfg.Schedule.MonitorInterval, "TRAILBOT_SCHEDULE_MONITOR_INTERVAL")
	setDuration(&cfg.Schedule.EvaluateInterval, "TRAILBOT_SCHEDULE_EVALUATE_INTERVAL")
	setDuration(&cfg.Schedule.HeartbeatInterval, "TRAILBOT_SCHEDULE_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Schedule.NotesInterval, "TRAILBOT_SCHEDULE_NOTES_INTERVAL")
	setDuration(&cfg.Schedule.ShutdownTimeout, "TRAILBOT_SCHEDULE_SHUTDOWN_TIMEOUT")

	// ── Store ──
	setStr(&cfg.Store.Backend, "TRAILBOT_STORE_BACKEND")
	setStr(&cfg.Store.FilePath, "TRAILBOT_STORE_FILE_PATH")
	setStr(&cfg.Store.SQLitePath, "TRAILBOT_STORE_SQLITE_PATH")
	setStr(&cfg.Store.LedgerID, "TRAILBOT_STORE_LEDGER_ID")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TRAILBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "TRAILBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRAILBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRAILBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRAILBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRAILBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRAILBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRAILBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRAILBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRAILBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRAILBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRAILBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRAILBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRAILBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRAILBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRAILBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRAILBOT_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.PriceMaxAge, "TRAILBOT_REDIS_PRICE_MAX_AGE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRAILBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRAILBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRAILBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRAILBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRAILBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRAILBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRAILBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRAILBOT_S3_FORCE_PATH_STYLE")

	// ── Gateway ──
	setStr(&cfg.Gateway.BaseURL, "TRAILBOT_GATEWAY_BASE_URL")
	setStr(&cfg.Gateway.APIKey, "TRAILBOT_GATEWAY_API_KEY")
	setDuration(&cfg.Gateway.Timeout, "TRAILBOT_GATEWAY_TIMEOUT")
	setInt(&cfg.Gateway.SlippageBps, "TRAILBOT_GATEWAY_SLIPPAGE_BPS")

	// ── Safety / signals ──
	setBool(&cfg.Safety.Enabled, "TRAILBOT_SAFETY_ENABLED")
	setFloat64(&cfg.Safety.MaxRiskScore, "TRAILBOT_SAFETY_MAX_RISK_SCORE")
	setStr(&cfg.Signals.Source, "TRAILBOT_SIGNALS_SOURCE")
	setStr(&cfg.Signals.Stream, "TRAILBOT_SIGNALS_STREAM")
	setFloat64(&cfg.Signals.MinStrength, "TRAILBOT_SIGNALS_MIN_STRENGTH")
	setInt(&cfg.Signals.MaxEntriesPerCycle, "TRAILBOT_SIGNALS_MAX_ENTRIES_PER_CYCLE")

	// ── Paper ──
	setFloat64(&cfg.Paper.SlippageBps, "TRAILBOT_PAPER_SLIPPAGE_BPS")
	setFloat64(&cfg.Paper.FeeBps, "TRAILBOT_PAPER_FEE_BPS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRAILBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRAILBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "TRAILBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "TRAILBOT_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRAILBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRAILBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRAILBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRAILBOT_NOTIFY_EVENTS")

	// ── Instance ──
	setBool(&cfg.Instance.LockEnabled, "TRAILBOT_INSTANCE_LOCK_ENABLED")
	setStr(&cfg.Instance.LockKey, "TRAILBOT_INSTANCE_LOCK_KEY")
	setDuration(&cfg.Instance.LockTTL, "TRAILBOT_INSTANCE_LOCK_TTL")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRAILBOT_MODE")
	setStr(&cfg.LogLevel, "TRAILBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

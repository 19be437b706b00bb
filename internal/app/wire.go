package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/trailbot/internal/blob/s3"
	"github.com/alanyoungcy/trailbot/internal/cache/redis"
	"github.com/alanyoungcy/trailbot/internal/config"
	"github.com/alanyoungcy/trailbot/internal/domain"
	"github.com/alanyoungcy/trailbot/internal/executor"
	"github.com/alanyoungcy/trailbot/internal/ledger"
	"github.com/alanyoungcy/trailbot/internal/metrics"
	"github.com/alanyoungcy/trailbot/internal/notify"
	"github.com/alanyoungcy/trailbot/internal/platform/gateway"
	"github.com/alanyoungcy/trailbot/internal/risk"
	"github.com/alanyoungcy/trailbot/internal/server/handler"
	"github.com/alanyoungcy/trailbot/internal/service"
	"github.com/alanyoungcy/trailbot/internal/store/file"
	"github.com/alanyoungcy/trailbot/internal/store/postgres"
	"github.com/alanyoungcy/trailbot/internal/store/sqlite"
)

// Dependencies bundles everything the run loop and the CLI need. Optional
// collaborators are nil interfaces when their backend is disabled.
type Dependencies struct {
	Policy *risk.Policy
	Ledger *ledger.Ledger
	Store  domain.LedgerStore
	Audit  domain.AuditStore

	Prices   domain.PriceSource
	Safety   domain.SafetyScreener
	Executor domain.OrderExecutor
	Signals  domain.SignalSource
	Notes    domain.NoteSink

	// Bus is set when Redis is enabled; Events is the same value behind the
	// publisher interface.
	Bus    *redis.SignalBus
	Events domain.EventPublisher
	Locks  *redis.LockManager

	Snapshots      domain.BlobWriter
	SnapshotReader domain.BlobReader

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	Positions *service.PositionService
	Signal    *service.SignalService
	Heartbeat *service.HeartbeatService
	Recorder  *service.NoteService

	// Checks feeds the health endpoint.
	Checks map[string]handler.CheckFunc
}

// Wire builds every dependency from cfg. The returned cleanup releases
// connections in reverse order and is safe to call once Wire succeeded.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Policy:  risk.NewPolicy(cfg.Risk.Domain()),
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.CheckFunc),
	}

	// --- Ledger store ---
	if err := wireStore(ctx, cfg, deps, &closers); err != nil {
		return fail(err)
	}
	deps.Ledger = ledger.New(deps.Store, deps.Policy, logger)

	// --- Redis ---
	var priceCache *redis.PriceCache
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redisClientConfig(cfg))
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Checks["redis"] = rc.Ping

		deps.Bus = redis.NewSignalBus(rc, cfg.Redis.StreamMaxLen)
		deps.Events = deps.Bus
		deps.Locks = redis.NewLockManager(rc)
		priceCache = redis.NewPriceCache(rc, cfg.Redis.PriceMaxAge.Duration)
		deps.Notes = redis.NewNoteStream(deps.Bus, cfg.Redis.NoteStream)
	} else {
		deps.Notes = service.NewLogNoteSink(logger)
	}

	// --- Gateway: prices, safety, orders and signals ---
	gw := gateway.New(gateway.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		APIKey:       cfg.Gateway.APIKey,
		Timeout:      cfg.Gateway.Timeout.Duration,
		SlippageBps:  cfg.Gateway.SlippageBps,
		MaxRiskScore: cfg.Safety.MaxRiskScore,
		SignalLimit:  cfg.Signals.BatchSize,
	})

	if priceCache != nil {
		deps.Prices = newCachedPrices(priceCache, gw, logger)
	} else {
		deps.Prices = gw
	}

	if cfg.Safety.Enabled {
		deps.Safety = gw
	} else {
		deps.Safety = gateway.AllowAll{}
	}

	if strings.EqualFold(cfg.Mode, "live") {
		deps.Executor = gw
	} else {
		deps.Executor = executor.NewPaper(deps.Prices, executor.PaperConfig{
			SlippageBps: cfg.Paper.SlippageBps,
			FeeBps:      cfg.Paper.FeeBps,
		}, logger)
	}

	if strings.EqualFold(cfg.Signals.Source, "redis") {
		deps.Signals = redis.NewCandidateStream(deps.Bus, cfg.Signals.Stream, cfg.Signals.BatchSize, logger)
	} else {
		deps.Signals = gw
	}

	// --- S3 snapshots ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Snapshots = s3blob.NewWriter(sc)
		deps.SnapshotReader = s3blob.NewReader(sc)
		deps.Checks["s3"] = sc.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Services ---
	deps.Positions = service.NewPositionService(service.PositionDeps{
		Ledger:   deps.Ledger,
		Policy:   deps.Policy,
		Prices:   deps.Prices,
		Safety:   deps.Safety,
		Executor: deps.Executor,
		Notifier: deps.Notifier,
		Events:   deps.Events,
		Audit:    deps.Audit,
		Metrics:  deps.Metrics,
	}, logger)
	deps.Signal = service.NewSignalService(deps.Positions, deps.Ledger, deps.Policy, deps.Signals,
		cfg.Signals.MinStrength, cfg.Signals.MaxEntriesPerCycle, logger)
	deps.Heartbeat = service.NewHeartbeatService(deps.Ledger, deps.Notifier, deps.Events, deps.Snapshots, deps.Metrics, logger)
	deps.Recorder = service.NewNoteService(deps.Ledger, deps.Prices, deps.Notes, logger)

	return deps, cleanup, nil
}

// wireStore opens the configured ledger backend. Database backends also
// provide the audit log.
func wireStore(ctx context.Context, cfg *config.Config, deps *Dependencies, closers *[]func()) error {
	switch strings.ToLower(cfg.Store.Backend) {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fmt.Errorf("wire: postgres: %w", err)
		}
		*closers = append(*closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Store = postgres.NewLedgerStore(pg.Pool(), cfg.Store.LedgerID)
		deps.Audit = postgres.NewAuditStore(pg.Pool())
		deps.Checks["postgres"] = func(ctx context.Context) error { return pg.Pool().Ping(ctx) }

	case "sqlite":
		st, err := sqlite.Open(cfg.Store.SQLitePath, cfg.Store.LedgerID)
		if err != nil {
			return fmt.Errorf("wire: sqlite: %w", err)
		}
		*closers = append(*closers, func() { _ = st.Close() })
		deps.Store = st
		deps.Audit = st

	default:
		st, err := file.NewLedgerStore(cfg.Store.FilePath)
		if err != nil {
			return fmt.Errorf("wire: file store: %w", err)
		}
		deps.Store = st
	}
	return nil
}

// quoteCache is the Redis side of cachedPrices.
type quoteCache interface {
	domain.PriceSource
	SetPrice(ctx context.Context, instrument string, price float64, ts time.Time) error
}

// cachedPrices serves quotes from the cache while they are fresh and falls
// back to origin, writing the origin's answer back for the next reader.
type cachedPrices struct {
	cache  quoteCache
	origin domain.PriceSource
	logger *slog.Logger
	now    func() time.Time
}

func newCachedPrices(cache quoteCache, origin domain.PriceSource, logger *slog.Logger) *cachedPrices {
	return &cachedPrices{
		cache:  cache,
		origin: origin,
		logger: logger.With(slog.String("component", "prices")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (c *cachedPrices) CurrentPrice(ctx context.Context, instrument string) (float64, error) {
	p, cacheErr := c.cache.CurrentPrice(ctx, instrument)
	if cacheErr == nil {
		return p, nil
	}

	p, err := c.origin.CurrentPrice(ctx, instrument)
	if err != nil {
		err = errors.Join(err, cacheErr)
		if !errors.Is(err, domain.ErrPriceUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrPriceUnavailable, err)
		}
		return 0, err
	}
	if err := c.cache.SetPrice(ctx, instrument, p, c.now()); err != nil {
		c.logger.DebugContext(ctx, "prices: cache write failed",
			slog.String("instrument", instrument),
			slog.String("error", err.Error()),
		)
	}
	return p, nil
}

// OpenLedger opens just the ledger store and restores the ledger, for CLI
// commands that inspect or repair state without running the engine. audit is
// nil for the file backend.
func OpenLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (l *ledger.Ledger, store domain.LedgerStore, audit domain.AuditStore, cleanup func(), err error) {
	var closers []func()
	cleanup = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Policy: risk.NewPolicy(cfg.Risk.Domain()),
		Checks: make(map[string]handler.CheckFunc),
	}
	if err := wireStore(ctx, cfg, deps, &closers); err != nil {
		cleanup()
		return nil, nil, nil, nil, err
	}
	l = ledger.New(deps.Store, deps.Policy, logger)
	if err := l.Restore(ctx); err != nil {
		cleanup()
		return nil, nil, nil, nil, fmt.Errorf("app: %w", err)
	}
	return l, deps.Store, deps.Audit, cleanup, nil
}

func redisClientConfig(cfg *config.Config) redis.ClientConfig {
	return redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	}
}

// LockInstance takes the instance lock for a command that writes the ledger
// outside the engine, so it cannot race a running process. It is a no-op
// when the lock is disabled.
func LockInstance(ctx context.Context, cfg *config.Config) (release func(), err error) {
	if !cfg.Instance.LockEnabled || !cfg.Redis.Enabled {
		return func() {}, nil
	}
	rc, err := redis.New(ctx, redisClientConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("app: instance lock: %w", err)
	}
	unlock, err := redis.NewLockManager(rc).Acquire(ctx, cfg.Instance.LockKey, cfg.Instance.LockTTL.Duration)
	if err != nil {
		_ = rc.Close()
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("app: another trailbot process holds %q: %w", cfg.Instance.LockKey, err)
		}
		return nil, fmt.Errorf("app: instance lock: %w", err)
	}
	return func() {
		unlock()
		_ = rc.Close()
	}, nil
}

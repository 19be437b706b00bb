// Package app wires trailbot's dependencies and runs the engine: the
// scheduler's four cycles plus the optional HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/trailbot/internal/config"
	"github.com/alanyoungcy/trailbot/internal/scheduler"
	"github.com/alanyoungcy/trailbot/internal/server"
	"github.com/alanyoungcy/trailbot/internal/server/handler"
	"github.com/alanyoungcy/trailbot/internal/server/ws"
)

// App is the root application object. It owns the configuration, logger, and
// cleanup functions run in reverse order on Close.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies, restores the ledger and runs until ctx is
// cancelled. It returns nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting trailbot",
		slog.String("mode", a.cfg.Mode),
		slog.String("store", a.cfg.Store.Backend),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	// The lock is taken before the ledger is read so a second instance never
	// sees half-written state.
	var lockLost <-chan error
	if a.cfg.Instance.LockEnabled && deps.Locks != nil {
		release, lost, err := deps.Locks.Hold(ctx, a.cfg.Instance.LockKey, a.cfg.Instance.LockTTL.Duration)
		if err != nil {
			return fmt.Errorf("app: instance lock: %w", err)
		}
		a.closers = append(a.closers, release)
		lockLost = lost
	}

	if err := deps.Ledger.Restore(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	deps.Metrics.ObserveLedger(deps.Ledger.Summary())

	sched := scheduler.New(deps.Ledger, a.cycles(deps), a.cfg.Schedule.ShutdownTimeout.Duration, deps.Metrics, a.logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	if lockLost != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case err := <-lockLost:
				return fmt.Errorf("app: %w", err)
			}
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(gctx, g, deps)
	}

	err = g.Wait()

	// Alerts fired during shutdown get a short grace period.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	deps.Notifier.Wait(waitCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// cycles lists the scheduler's periodic work. Monitoring runs immediately so
// positions restored from disk are protected from the first second.
func (a *App) cycles(deps *Dependencies) []scheduler.Cycle {
	sc := a.cfg.Schedule
	return []scheduler.Cycle{
		{
			Name:      "monitor",
			Interval:  sc.MonitorInterval.Duration,
			Immediate: true,
			Run:       deps.Positions.MonitorAll,
		},
		{
			Name:     "evaluate",
			Interval: sc.EvaluateInterval.Duration,
			Run: func(ctx context.Context) error {
				_, err := deps.Signal.Evaluate(ctx)
				return err
			},
		},
		{
			Name:     "heartbeat",
			Interval: sc.HeartbeatInterval.Duration,
			Run:      deps.Heartbeat.Beat,
		},
		{
			Name:     "notes",
			Interval: sc.NotesInterval.Duration,
			Run: func(ctx context.Context) error {
				_, err := deps.Recorder.Record(ctx)
				return err
			},
		},
	}
}

// startHTTPServer adds the API server and WebSocket hub to g. Both stop when
// ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var hub *ws.Hub
	if deps.Bus != nil {
		hub = ws.NewHub(deps.Bus, deps.Ledger, a.cfg.Mode, a.logger)
		g.Go(func() error { return hub.Run(ctx) })
	}

	var audit handler.AuditLister
	if deps.Audit != nil {
		audit = deps.Audit
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.Checks, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, time.Now().UTC(), deps.Ledger),
		Positions: handler.NewPositionHandler(deps.Ledger, deps.Positions, a.logger),
		Audit:     handler.NewAuditHandler(audit, a.logger),
		Metrics:   deps.Metrics.Handler(),
	}, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// Close runs the registered cleanup functions. Calling it again is a no-op.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Package scheduler runs the engine's periodic cycles and coordinates
// shutdown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/trailbot/internal/metrics"
)

// DefaultShutdownTimeout bounds how long in-flight cycles may run after a
// shutdown signal.
const DefaultShutdownTimeout = 30 * time.Second

// Cycle is one periodic activity. A cycle never overlaps itself: the next
// tick is taken only after Run returns.
type Cycle struct {
	Name     string
	Interval time.Duration
	// Immediate runs the cycle once at start instead of waiting a full
	// interval.
	Immediate bool
	Run       func(ctx context.Context) error
}

// State is the part of the ledger the scheduler drives.
type State interface {
	SetRunning(ctx context.Context, running bool) error
	Persist(ctx context.Context) error
}

// Scheduler runs a fixed set of cycles, each on its own ticker.
type Scheduler struct {
	cycles          []Cycle
	state           State
	shutdownTimeout time.Duration
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

// New creates a Scheduler. A non-positive shutdownTimeout selects
// DefaultShutdownTimeout.
func New(state State, cycles []Cycle, shutdownTimeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Scheduler{
		cycles:          cycles,
		state:           state,
		shutdownTimeout: shutdownTimeout,
		metrics:         m,
		logger:          logger.With(slog.String("component", "scheduler")),
	}
}

// Run starts every cycle and blocks until ctx is cancelled. In-flight cycles
// then get the shutdown timeout to finish, after which their context is
// cancelled. The running flag is cleared and the state persisted before Run
// returns.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, c := range s.cycles {
		if c.Interval <= 0 {
			return fmt.Errorf("scheduler: cycle %q: interval must be > 0", c.Name)
		}
	}

	if err := s.state.SetRunning(ctx, true); err != nil {
		s.logger.ErrorContext(ctx, "scheduler: mark running failed", slog.String("error", err.Error()))
	}

	// Cycles run on a context that survives the shutdown signal so that an
	// in-flight buy or sell can complete. It is cancelled only when the
	// shutdown deadline passes. Cycles see the signal itself through Stopping.
	work, cancelWork := context.WithCancel(WithStop(context.WithoutCancel(ctx), ctx.Done()))
	defer cancelWork()

	g := new(errgroup.Group)
	for _, c := range s.cycles {
		c := c
		g.Go(func() error {
			s.loop(ctx, work, c)
			return nil
		})
	}

	s.logger.InfoContext(ctx, "scheduler: started", slog.Int("cycles", len(s.cycles)))
	<-ctx.Done()
	s.logger.InfoContext(work, "scheduler: stopping, waiting for in-flight cycles",
		slog.Duration("timeout", s.shutdownTimeout),
	)

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.WarnContext(work, "scheduler: shutdown deadline passed, cancelling in-flight cycles")
		cancelWork()
		<-done
	}

	final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	var errs []error
	if err := s.state.SetRunning(final, false); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: clear running: %w", err))
	}
	if err := s.state.Persist(final); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: final persist: %w", err))
	}
	s.logger.InfoContext(final, "scheduler: stopped")
	return errors.Join(errs...)
}

type stopKey struct{}

// WithStop returns a copy of ctx that reports Stopping once stop is closed.
func WithStop(ctx context.Context, stop <-chan struct{}) context.Context {
	return context.WithValue(ctx, stopKey{}, stop)
}

// Stopping reports whether a shutdown has been requested for the cycle
// running on ctx, or ctx itself is done. Cycles that act on several items
// check it before starting each one, so at most one buy or sell is still in
// flight when shutdown begins.
func Stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	stop, _ := ctx.Value(stopKey{}).(<-chan struct{})
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// loop ticks until stop is cancelled. Each cycle body runs with work so the
// shutdown signal does not interrupt it midway.
func (s *Scheduler) loop(stop, work context.Context, c Cycle) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	if c.Immediate {
		s.runOnce(work, c)
	}
	for {
		select {
		case <-stop.Done():
			return
		case <-ticker.C:
			// A tick and the stop signal can be ready together.
			if stop.Err() != nil {
				return
			}
			s.runOnce(work, c)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, c Cycle) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "scheduler: cycle panicked",
				slog.String("cycle", c.Name),
				slog.Any("panic", r),
			)
		}
		s.metrics.Cycle(c.Name, time.Since(start))
	}()

	if err := c.Run(ctx); err != nil {
		s.logger.WarnContext(ctx, "scheduler: cycle failed",
			slog.String("cycle", c.Name),
			slog.String("error", err.Error()),
		)
	}
}

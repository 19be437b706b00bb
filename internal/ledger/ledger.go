// Package ledger owns the mutable trading state: capital, open and closed
// positions, cumulative realized PnL and the running and halted flags.
//
// All mutations go through a single write lock and every committed mutation
// is written to the configured domain.LedgerStore. Callers must not perform
// external calls (quotes, orders) while holding anything obtained from the
// ledger; they work on copies and hand results back.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/trailbot/internal/domain"
	"github.com/alanyoungcy/trailbot/internal/risk"
)

// capitalEpsilon absorbs float drift when comparing capital to a debit.
const capitalEpsilon = 1e-9

// ErrPersist marks a mutation that was applied in memory but could not be
// written to the store. The next successful write carries it.
var ErrPersist = errors.New("ledger: persist failed")

// Ledger is the single owner of domain.LedgerState.
type Ledger struct {
	mu      sync.RWMutex
	state   domain.LedgerState
	version uint64

	// saveMu orders writes to the store. A snapshot older than the last one
	// written is dropped.
	saveMu sync.Mutex
	saved  uint64

	store  domain.LedgerStore
	policy *risk.Policy
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger seeded with the policy's initial capital. Call Restore
// before use to load any persisted state.
func New(store domain.LedgerStore, policy *risk.Policy, logger *slog.Logger) *Ledger {
	return &Ledger{
		state:  domain.NewLedgerState(policy.Config().InitialCapital),
		store:  store,
		policy: policy,
		logger: logger.With(slog.String("component", "ledger")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Restore loads persisted state from the store. When the store is empty the
// ledger starts fresh from the configured initial capital.
func (l *Ledger) Restore(ctx context.Context) error {
	st, err := l.store.Load(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		l.logger.InfoContext(ctx, "ledger: no persisted state, starting fresh",
			slog.Float64("capital", l.policy.Config().InitialCapital),
		)
		l.mu.Lock()
		l.state = domain.NewLedgerState(l.policy.Config().InitialCapital)
		l.version++
		l.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: restore: %w", err)
	}

	normalize(&st)

	l.mu.Lock()
	l.state = st
	l.version++
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "ledger: state restored",
		slog.Float64("capital", st.Capital),
		slog.Int("open", len(st.Open)),
		slog.Int("closed", len(st.Closed)),
		slog.Float64("cumulative_pnl", st.CumulativePnL),
		slog.Bool("halted", st.Halted),
	)
	return nil
}

// normalize repairs state written by older versions.
func normalize(st *domain.LedgerState) {
	if st.Open == nil {
		st.Open = make(map[string]domain.Position)
	}
	if st.Closed == nil {
		st.Closed = []domain.Position{}
	}
	for id, p := range st.Open {
		if p.HighestPrice == 0 {
			p.HighestPrice = p.EntryPrice
		}
		// A sell was in flight when the process stopped; the position is
		// still held as far as the ledger knows.
		if p.Status != domain.PositionStatusOpen {
			p.Status = domain.PositionStatusOpen
		}
		if p.ID == "" {
			p.ID = id
		}
		st.Open[id] = p
	}
	if st.InitialCapital == 0 {
		st.InitialCapital = st.Capital + st.CommittedCapital() - st.CumulativePnL
	}
}

// RecordEntry adds pos to the open set and debits its entry capital.
func (l *Ledger) RecordEntry(ctx context.Context, pos domain.Position) error {
	l.mu.Lock()
	if _, ok := l.state.Open[pos.ID]; ok {
		l.mu.Unlock()
		return fmt.Errorf("ledger: record entry %q: %w", pos.ID, domain.ErrAlreadyExists)
	}
	if pos.EntryCapital > l.state.Capital+capitalEpsilon {
		l.mu.Unlock()
		return fmt.Errorf("ledger: record entry %q: need %.6f have %.6f: %w",
			pos.ID, pos.EntryCapital, l.state.Capital, domain.ErrInsufficientCapital)
	}

	pos.Status = domain.PositionStatusOpen
	if pos.HighestPrice < pos.EntryPrice {
		pos.HighestPrice = pos.EntryPrice
	}
	l.state.Open[pos.ID] = pos
	l.state.Capital -= pos.EntryCapital
	snap, v := l.commitLocked()
	l.mu.Unlock()

	return l.save(ctx, snap, v)
}

// BeginClose marks an open position as closing and returns a copy of it. It
// returns false when the id is unknown or an exit is already under way, so
// only one caller ever proceeds to sell a given position.
func (l *Ledger) BeginClose(id string) (domain.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.state.Open[id]
	if !ok || pos.Status != domain.PositionStatusOpen {
		return domain.Position{}, false
	}
	pos.Status = domain.PositionStatusClosing
	l.state.Open[id] = pos
	return pos, true
}

// AbortClose returns a closing position to open.
func (l *Ledger) AbortClose(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.state.Open[id]
	if !ok || pos.Status != domain.PositionStatusClosing {
		return
	}
	pos.Status = domain.PositionStatusOpen
	l.state.Open[id] = pos
}

// RecordExit moves a position to the closed list, credits proceeds and
// accumulates realized PnL. Unknown ids are a no-op and report false.
func (l *Ledger) RecordExit(
	ctx context.Context,
	id string,
	exitPrice, proceeds float64,
	reason domain.ExitReason,
	forced bool,
) (domain.Position, bool, error) {
	l.mu.Lock()
	pos, ok := l.state.Open[id]
	if !ok {
		l.mu.Unlock()
		return domain.Position{}, false, nil
	}

	now := l.now()
	pnl := proceeds - pos.EntryCapital
	pos.Status = domain.PositionStatusClosed
	pos.ExitPrice = &exitPrice
	pos.Proceeds = &proceeds
	pos.RealizedPnL = &pnl
	pos.ClosedAt = &now
	pos.ExitReason = reason
	pos.ForcedExit = forced

	delete(l.state.Open, id)
	l.state.Closed = append(l.state.Closed, pos)
	l.state.Capital += proceeds
	l.state.CumulativePnL += pnl
	snap, v := l.commitLocked()
	l.mu.Unlock()

	return pos, true, l.save(ctx, snap, v)
}

// ApplyPrice runs fn against a copy of the open position under the write lock
// and stores the result. The ledger is persisted only when fn reports a
// change. Positions that are closing or gone are skipped.
func (l *Ledger) ApplyPrice(
	ctx context.Context,
	id string,
	price float64,
	fn func(*domain.Position, float64) bool,
) (domain.Position, bool, error) {
	l.mu.Lock()
	pos, ok := l.state.Open[id]
	if !ok || pos.Status != domain.PositionStatusOpen {
		l.mu.Unlock()
		return domain.Position{}, false, nil
	}
	changed := fn(&pos, price)
	l.state.Open[id] = pos
	if !changed {
		l.mu.Unlock()
		return pos, false, nil
	}
	snap, v := l.commitLocked()
	l.mu.Unlock()

	return pos, true, l.save(ctx, snap, v)
}

// EvaluateHalt sets the halted flag when the portfolio loss limit is reached.
// It returns true only on the call that flips the flag. Nothing clears it.
func (l *Ledger) EvaluateHalt(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.state.Halted || !l.policy.PortfolioShouldHalt(l.state) {
		l.mu.Unlock()
		return false, nil
	}
	l.state.Halted = true
	snap, v := l.commitLocked()
	l.mu.Unlock()

	l.logger.WarnContext(ctx, "ledger: portfolio halted",
		slog.Float64("cumulative_pnl", snap.CumulativePnL),
		slog.Float64("halt_loss", l.policy.Config().PortfolioHaltLoss),
	)
	return true, l.save(ctx, snap, v)
}

// SetRunning records whether the scheduler is active.
func (l *Ledger) SetRunning(ctx context.Context, running bool) error {
	l.mu.Lock()
	l.state.Running = running
	snap, v := l.commitLocked()
	l.mu.Unlock()
	return l.save(ctx, snap, v)
}

// Persist writes the full current state.
func (l *Ledger) Persist(ctx context.Context) error {
	l.mu.Lock()
	snap, v := l.commitLocked()
	l.mu.Unlock()
	return l.save(ctx, snap, v)
}

// Snapshot returns a deep copy of the current state.
func (l *Ledger) Snapshot() domain.LedgerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Clone()
}

// Summary condenses the current state.
func (l *Ledger) Summary() domain.LedgerSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Summary()
}

// OpenPositions returns copies of the open positions ordered by entry time.
func (l *Ledger) OpenPositions() []domain.Position {
	l.mu.RLock()
	out := make([]domain.Position, 0, len(l.state.Open))
	for _, p := range l.state.Open {
		out = append(out, p)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// ClosedPositions returns up to limit of the most recent closed positions,
// newest first. A limit <= 0 returns all of them.
func (l *Ledger) ClosedPositions(limit int) []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.state.Closed)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.Position, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.state.Closed[i])
	}
	return out
}

// Get returns a copy of the open position with the given id.
func (l *Ledger) Get(id string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.state.Open[id]
	return p, ok
}

// Find looks an id up among open positions first and then the closed
// history, newest first.
func (l *Ledger) Find(id string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.state.Open[id]; ok {
		return p, true
	}
	for i := len(l.state.Closed) - 1; i >= 0; i-- {
		if l.state.Closed[i].ID == id {
			return l.state.Closed[i], true
		}
	}
	return domain.Position{}, false
}

// HasOpenInstrument reports whether any open position holds instrument.
func (l *Ledger) HasOpenInstrument(instrument string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.state.Open {
		if p.Instrument == instrument {
			return true
		}
	}
	return false
}

// commitLocked bumps the version and returns a storable copy. Closing
// positions are written as open. Caller must hold mu.
func (l *Ledger) commitLocked() (domain.LedgerState, uint64) {
	l.version++
	l.state.UpdatedAt = l.now()
	snap := l.state.Clone()
	for id, p := range snap.Open {
		if p.Status == domain.PositionStatusClosing {
			p.Status = domain.PositionStatusOpen
			snap.Open[id] = p
		}
	}
	return snap, l.version
}

func (l *Ledger) save(ctx context.Context, snap domain.LedgerState, v uint64) error {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	if v <= l.saved {
		return nil
	}
	if err := l.store.Save(ctx, snap); err != nil {
		l.logger.ErrorContext(ctx, "ledger: persist failed",
			slog.Uint64("version", v),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	l.saved = v
	return nil
}

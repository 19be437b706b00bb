package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/trailbot/internal/domain"
	"github.com/alanyoungcy/trailbot/internal/risk"
)

type memStore struct {
	mu      sync.Mutex
	state   *domain.LedgerState
	saves   int
	saveErr error
}

func (m *memStore) Save(_ context.Context, st domain.LedgerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	c := st.Clone()
	m.state = &c
	m.saves++
	return nil
}

func (m *memStore) Load(context.Context) (domain.LedgerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return domain.LedgerState{}, domain.ErrNotFound
	}
	return m.state.Clone(), nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) saved() (domain.LedgerState, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return domain.LedgerState{}, m.saves
	}
	return m.state.Clone(), m.saves
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() *risk.Policy {
	return risk.NewPolicy(domain.RiskConfig{
		InitialCapital:      1.0,
		MaxPositionFraction: 0.10,
		MaxPositions:        3,
		StopLossFraction:    0.15,
		TakeProfitFraction:  0.50,
		PortfolioHaltLoss:   0.30,
	})
}

func newLedger(t *testing.T, store *memStore) *Ledger {
	t.Helper()
	l := New(store, testPolicy(), discardLogger())
	require.NoError(t, l.Restore(context.Background()))
	return l
}

func position(id string, entry, capital float64) domain.Position {
	return domain.Position{
		ID:           id,
		Instrument:   "mint-" + id,
		Symbol:       "SYM",
		EntryPrice:   entry,
		EntryCapital: capital,
		Quantity:     capital / entry,
		OpenedAt:     time.Now().UTC(),
		StopLoss:     entry * 0.85,
		TakeProfit:   entry * 1.5,
		HighestPrice: entry,
	}
}

func assertConserved(t *testing.T, st domain.LedgerState) {
	t.Helper()
	assert.InDelta(t, st.InitialCapital, st.Capital+st.CommittedCapital()-st.CumulativePnL, 1e-9)
}

func TestRestoreEmptyStore(t *testing.T) {
	t.Parallel()
	l := newLedger(t, &memStore{})

	st := l.Snapshot()
	assert.InDelta(t, 1.0, st.Capital, 1e-12)
	assert.InDelta(t, 1.0, st.InitialCapital, 1e-12)
	assert.Empty(t, st.Open)
	assert.Empty(t, st.Closed)
	assert.False(t, st.Halted)
}

func TestRecordEntryAndExit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &memStore{}
	l := newLedger(t, store)

	require.NoError(t, l.RecordEntry(ctx, position("a", 1.0, 0.1)))
	st := l.Snapshot()
	assert.InDelta(t, 0.9, st.Capital, 1e-12)
	assert.Len(t, st.Open, 1)
	assertConserved(t, st)

	_, ok := l.BeginClose("a")
	require.True(t, ok)

	closed, ok, err := l.RecordExit(ctx, "a", 1.2, 0.12, domain.ExitReasonTakeProfit, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusClosed, closed.Status)
	require.NotNil(t, closed.RealizedPnL)
	assert.InDelta(t, 0.02, *closed.RealizedPnL, 1e-12)
	require.NotNil(t, closed.ClosedAt)

	st = l.Snapshot()
	assert.Empty(t, st.Open)
	assert.Len(t, st.Closed, 1)
	assert.InDelta(t, 1.02, st.Capital, 1e-12)
	assert.InDelta(t, 0.02, st.CumulativePnL, 1e-12)
	assertConserved(t, st)

	persisted, _ := store.saved()
	assert.Len(t, persisted.Closed, 1)
}

func TestRecordEntryRejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t, &memStore{})

	require.NoError(t, l.RecordEntry(ctx, position("a", 1.0, 0.1)))

	err := l.RecordEntry(ctx, position("a", 1.0, 0.1))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	err = l.RecordEntry(ctx, position("b", 1.0, 5.0))
	assert.ErrorIs(t, err, domain.ErrInsufficientCapital)

	assert.Len(t, l.OpenPositions(), 1)
	assert.InDelta(t, 0.9, l.Snapshot().Capital, 1e-12)
}

func TestRecordExitIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &memStore{}
	l := newLedger(t, store)

	require.NoError(t, l.RecordEntry(ctx, position("a", 1.0, 0.1)))
	_, ok, err := l.RecordExit(ctx, "a", 0.8, 0.08, domain.ExitReasonStopLoss, false)
	require.NoError(t, err)
	require.True(t, ok)

	_, savesBefore := store.saved()
	before := l.Snapshot()

	_, ok, err = l.RecordExit(ctx, "a", 0.8, 0.08, domain.ExitReasonStopLoss, false)
	require.NoError(t, err)
	assert.False(t, ok)

	after := l.Snapshot()
	_, savesAfter := store.saved()
	assert.Len(t, after.Closed, 1)
	assert.InDelta(t, before.Capital, after.Capital, 1e-12)
	assert.InDelta(t, before.CumulativePnL, after.CumulativePnL, 1e-12)
	assert.Equal(t, savesBefore, savesAfter)

	_, ok, err = l.RecordExit(ctx, "unknown", 1, 1, domain.ExitReasonManual, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBeginCloseGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t, &memStore{})
	require.NoError(t, l.RecordEntry(ctx, position("a", 1.0, 0.1)))

	_, ok := l.BeginClose("a")
	require.True(t, ok)
	_, ok = l.BeginClose("a")
	assert.False(t, ok, "second close must not proceed")

	// closing positions are not ratcheted
	_, changed, err := l.ApplyPrice(ctx, "a", 2.0, testPolicy().UpdateTrailingStop)
	require.NoError(t, err)
	assert.False(t, changed)

	l.AbortClose("a")
	_, ok = l.BeginClose("a")
	assert.True(t, ok)

	_, ok = l.BeginClose("missing")
	assert.False(t, ok)
}

func TestConcurrentBeginClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t, &memStore{})
	require.NoError(t, l.RecordEntry(ctx, position("a", 1.0, 0.1)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := l.BeginClose("a"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestClosingPersistedAsOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &memStore{}
	l := newLedger(t, store)
	require.NoError(t, l.RecordEntry(ctx, position("a", 1.0, 0.1)))

	_, ok := l.BeginClose("a")
	require.True(t, ok)
	require.NoError(t, l.Persist(ctx))

	persisted, _ := store.saved()
	assert.Equal(t, domain.PositionStatusOpen, persisted.Open["a"].Status)
	assert.Equal(t, domain.PositionStatusClosing, l.Snapshot().Open["a"].Status)
}

func TestApplyPricePersistsOnlyOnChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &memStore{}
	l := newLedger(t, store)
	policy := testPolicy()
	require.NoError(t, l.RecordEntry(ctx, position("a", 1.0, 0.1)))
	_, saves := store.saved()

	pos, changed, err := l.ApplyPrice(ctx, "a", 0.95, policy.UpdateTrailingStop)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.InDelta(t, 1.0, pos.HighestPrice, 1e-12)
	_, after := store.saved()
	assert.Equal(t, saves, after)

	pos, changed, err = l.ApplyPrice(ctx, "a", 1.2, policy.UpdateTrailingStop)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.InDelta(t, 1.02, pos.StopLoss, 1e-9)
	persisted, after := store.saved()
	assert.Equal(t, saves+1, after)
	assert.InDelta(t, 1.02, persisted.Open["a"].StopLoss, 1e-9)
}

func TestEvaluateHaltSticky(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t, &memStore{})

	require.NoError(t, l.RecordEntry(ctx, position("a", 1.0, 0.5)))
	flipped, err := l.EvaluateHalt(ctx)
	require.NoError(t, err)
	assert.False(t, flipped)

	// lose exactly the halt threshold
	_, _, err = l.RecordExit(ctx, "a", 0.4, 0.2, domain.ExitReasonStopLoss, false)
	require.NoError(t, err)
	assert.InDelta(t, -0.30, l.Snapshot().CumulativePnL, 1e-12)

	flipped, err = l.EvaluateHalt(ctx)
	require.NoError(t, err)
	assert.True(t, flipped)
	assert.True(t, l.Snapshot().Halted)

	flipped, err = l.EvaluateHalt(ctx)
	require.NoError(t, err)
	assert.False(t, flipped, "halt flips once")

	// a profitable exit later does not clear it
	require.NoError(t, l.RecordEntry(ctx, position("b", 1.0, 0.1)))
	_, _, err = l.RecordExit(ctx, "b", 10, 1.0, domain.ExitReasonTakeProfit, false)
	require.NoError(t, err)
	assert.True(t, l.Snapshot().Halted)
}

func TestRestoreBackfillsHighestPrice(t *testing.T) {
	t.Parallel()

	legacy := position("old", 2.0, 0.2)
	legacy.HighestPrice = 0
	legacy.Status = domain.PositionStatusClosing
	st := domain.LedgerState{
		Capital: 0.8,
		Open:    map[string]domain.Position{"old": legacy},
	}
	store := &memStore{state: &st}

	l := newLedger(t, store)
	got, ok := l.Get("old")
	require.True(t, ok)
	assert.InDelta(t, 2.0, got.HighestPrice, 1e-12)
	assert.Equal(t, domain.PositionStatusOpen, got.Status)

	snap := l.Snapshot()
	assert.InDelta(t, 1.0, snap.InitialCapital, 1e-12)
	assertConserved(t, snap)
	assert.NotNil(t, snap.Closed)
}

func TestPersistFailureKeepsState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &memStore{}
	l := newLedger(t, store)

	store.mu.Lock()
	store.saveErr = errors.New("disk full")
	store.mu.Unlock()

	err := l.RecordEntry(ctx, position("a", 1.0, 0.1))
	require.ErrorIs(t, err, ErrPersist)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, l.OpenPositions(), 1)

	store.mu.Lock()
	store.saveErr = nil
	store.mu.Unlock()

	require.NoError(t, l.Persist(ctx))
	persisted, _ := store.saved()
	assert.Len(t, persisted.Open, 1)
}

func TestOpenPositionsOrdered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t, &memStore{})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		p := position(id, 1.0, 0.1)
		p.OpenedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, l.RecordEntry(ctx, p))
	}

	var ids []string
	for _, p := range l.OpenPositions() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.True(t, l.HasOpenInstrument("mint-a"))
	assert.False(t, l.HasOpenInstrument("mint-z"))
}

func TestClosedPositionsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t, &memStore{})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.RecordEntry(ctx, position(id, 1.0, 0.1)))
		_, _, err := l.RecordExit(ctx, id, 1.0, 0.1, domain.ExitReasonManual, false)
		require.NoError(t, err)
	}

	got := l.ClosedPositions(2)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Len(t, l.ClosedPositions(0), 3)
}

func TestFindSearchesClosedHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t, &memStore{})

	require.NoError(t, l.RecordEntry(ctx, position("open-1", 1.0, 0.1)))
	require.NoError(t, l.RecordEntry(ctx, position("gone-1", 1.0, 0.1)))
	_, _, err := l.RecordExit(ctx, "gone-1", 1.2, 0.12, domain.ExitReasonTakeProfit, false)
	require.NoError(t, err)

	p, ok := l.Find("open-1")
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusOpen, p.Status)

	p, ok = l.Find("gone-1")
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusClosed, p.Status)
	assert.Equal(t, domain.ExitReasonTakeProfit, p.ExitReason)

	_, ok = l.Get("gone-1")
	assert.False(t, ok)
	_, ok = l.Find("missing")
	assert.False(t, ok)
}

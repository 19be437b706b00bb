package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

func newTestStore(t *testing.T, ledgerID string) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trailbot.db")
	s, err := Open(path, ledgerID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestLoadEmpty(t *testing.T) {
	s, _ := newTestStore(t, "default")
	_, err := s.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, "default")

	opened := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	state := domain.NewLedgerState(1)
	state.Capital = 0.8
	state.Running = true
	state.UpdatedAt = opened.Add(time.Minute)
	state.Open["a"] = domain.Position{ID: "a", Instrument: "mint-a", EntryPrice: 1, EntryCapital: 0.1,
		Quantity: 0.1, StopLoss: 0.85, TakeProfit: 1.5, HighestPrice: 1, OpenedAt: opened,
		Status: domain.PositionStatusOpen}
	state.Open["b"] = domain.Position{ID: "b", Instrument: "mint-b", EntryPrice: 2, EntryCapital: 0.1,
		Quantity: 0.05, StopLoss: 1.7, TakeProfit: 3, HighestPrice: 2.2, OpenedAt: opened,
		Status: domain.PositionStatusOpen}
	for i, id := range []string{"c1", "c2", "c3"} {
		exit, proceeds, pnl := 1.0, 0.1, 0.0
		closed := opened.Add(time.Duration(i) * time.Hour)
		state.Closed = append(state.Closed, domain.Position{ID: id, Instrument: "mint-" + id,
			EntryPrice: 1, EntryCapital: 0.1, Quantity: 0.1, OpenedAt: opened,
			Status: domain.PositionStatusClosed, ExitPrice: &exit, Proceeds: &proceeds,
			RealizedPnL: &pnl, ClosedAt: &closed, ExitReason: domain.ExitReasonManual})
	}

	require.NoError(t, s.Save(ctx, state))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, state, got)

	// Moving a position from open to closed replaces its row.
	pos := state.Open["a"]
	delete(state.Open, "a")
	exit, proceeds, pnl := 1.2, 0.12, 0.02
	now := opened.Add(5 * time.Hour)
	pos.Status, pos.ExitPrice, pos.Proceeds, pos.RealizedPnL, pos.ClosedAt = domain.PositionStatusClosed, &exit, &proceeds, &pnl, &now
	state.Closed = append(state.Closed, pos)
	require.NoError(t, s.Save(ctx, state))

	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Open, 1)
	require.Len(t, got.Closed, 4)
	assert.Equal(t, "a", got.Closed[3].ID)
}

func TestLedgersAreIsolated(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t, "one")
	require.NoError(t, s.Save(ctx, domain.NewLedgerState(1)))

	other, err := Open(path, "two")
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })

	_, err = other.Load(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, "default")
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	require.NoError(t, s.Log(ctx, domain.EventEntry, map[string]any{"id": "p1"}))
	require.NoError(t, s.Log(ctx, domain.EventExit, map[string]any{"id": "p1", "reason": "stop_loss"}))
	require.NoError(t, s.Log(ctx, domain.EventHalt, nil))

	all, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.EventHalt, all[0].Event)
	assert.Equal(t, "stop_loss", all[1].Detail["reason"])

	since := base.Add(2 * time.Minute)
	recent, err := s.List(ctx, domain.ListOpts{Since: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.EventHalt, recent[0].Event)
}

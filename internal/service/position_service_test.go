package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

func TestEnterOpensPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())

	pos := h.enter(t, "mint-a", 2.0)

	assert.Equal(t, "pos-1", pos.ID)
	assert.InDelta(t, 2.0, pos.EntryPrice, 1e-12)
	assert.InDelta(t, 0.1, pos.EntryCapital, 1e-12)
	assert.InDelta(t, 0.05, pos.Quantity, 1e-12)
	assert.InDelta(t, 1.7, pos.StopLoss, 1e-12)
	assert.InDelta(t, 3.0, pos.TakeProfit, 1e-12)
	assert.InDelta(t, 2.0, pos.HighestPrice, 1e-12)
	assert.InDelta(t, 10, pos.SafetyScore, 1e-12)

	st := h.ledger.Snapshot()
	assert.InDelta(t, 0.9, st.Capital, 1e-12)
	assert.Len(t, st.Open, 1)
	assert.Equal(t, 1, h.notifier.count(domain.EventEntry))
	assert.Equal(t, 1, h.publisher.count(domain.ChannelPositions))

	persisted, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, persisted.Open, 1)
}

func TestEnterUsesCandidatePriceWithoutSpend(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	h.svc.executor = buyOnly{qty: 3}

	pos, err := h.svc.Enter(context.Background(), domain.Candidate{Instrument: "mint-a", Price: 0.04})
	require.NoError(t, err)
	assert.InDelta(t, 0.04, pos.EntryPrice, 1e-12)
	assert.InDelta(t, 0.1, pos.EntryCapital, 1e-12)
	assert.InDelta(t, 3, pos.Quantity, 1e-12)
}

type buyOnly struct{ qty float64 }

func (b buyOnly) Buy(context.Context, string, float64) (domain.BuyResult, error) {
	return domain.BuyResult{Success: true, FilledQuantity: b.qty}, nil
}

func (b buyOnly) Sell(context.Context, string, float64) (domain.SellResult, error) {
	return domain.SellResult{}, errVenueDown
}

func TestEnterAbortPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(h *harness)
		want    error
		buys    int
		safety  int
		capital float64
	}{
		{
			name: "unsafe verdict",
			setup: func(h *harness) {
				h.safety.verdict = domain.SafetyVerdict{Safe: false, RiskScore: 90, Reason: "mint authority enabled"}
			},
			want: domain.ErrUnsafe, safety: 1, capital: 1.0,
		},
		{
			name:  "screener unavailable",
			setup: func(h *harness) { h.safety.err = errVenueDown },
			want:  errVenueDown, safety: 1, capital: 1.0,
		},
		{
			name:  "buy fails",
			setup: func(h *harness) { h.executor.buyErr = errVenueDown },
			want:  domain.ErrExecutionFailed, safety: 1, buys: 1, capital: 1.0,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, defaultRiskConfig())
			tt.setup(h)
			h.prices.set("mint-a", 1.0)

			_, err := h.svc.Enter(context.Background(), domain.Candidate{Instrument: "mint-a", Price: 1.0})
			require.ErrorIs(t, err, tt.want)

			buys, _ := h.executor.counts()
			assert.Equal(t, tt.buys, buys)
			assert.Equal(t, tt.safety, h.safety.calls)
			assert.InDelta(t, tt.capital, h.ledger.Snapshot().Capital, 1e-12)
		})
	}
}

func TestEnterDeniedAtCapacity(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	h.enter(t, "mint-a", 1.0)
	h.enter(t, "mint-b", 1.0)
	h.enter(t, "mint-c", 1.0)

	h.prices.set("mint-d", 1.0)
	_, err := h.svc.Enter(context.Background(), domain.Candidate{Instrument: "mint-d", Price: 1.0})
	require.ErrorIs(t, err, domain.ErrAdmissionDenied)
	assert.Contains(t, err.Error(), string(domain.DenialMaxPositions))

	buys, _ := h.executor.counts()
	assert.Equal(t, 3, buys)
	assert.Equal(t, 3, h.safety.calls, "safety is not consulted once admission fails")
}

func TestEnterRejectsDuplicateInstrument(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	h.enter(t, "mint-a", 1.0)

	_, err := h.svc.Enter(context.Background(), domain.Candidate{Instrument: "mint-a", Price: 1.0})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Len(t, h.ledger.OpenPositions(), 1)
}

func TestEnterRejectsDust(t *testing.T) {
	t.Parallel()
	cfg := defaultRiskConfig()
	cfg.InitialCapital = 0.005
	h := newHarness(t, cfg)
	h.prices.set("mint-a", 1.0)

	_, err := h.svc.Enter(context.Background(), domain.Candidate{Instrument: "mint-a", Price: 1.0})
	require.ErrorIs(t, err, domain.ErrSizeTooSmall)
	buys, _ := h.executor.counts()
	assert.Zero(t, buys)
	assert.Empty(t, h.ledger.OpenPositions())
}

func TestEnterRejectsInvalidCandidate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())

	_, err := h.svc.Enter(context.Background(), domain.Candidate{Instrument: "mint-a"})
	require.ErrorIs(t, err, domain.ErrAdmissionDenied)
	assert.Zero(t, h.safety.calls)
}

func TestExitIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	pos := h.enter(t, "mint-a", 1.0)
	h.prices.set("mint-a", 1.2)

	ctx := context.Background()
	require.NoError(t, h.svc.Exit(ctx, pos.ID, domain.ExitReasonManual))
	require.NoError(t, h.svc.Exit(ctx, pos.ID, domain.ExitReasonManual))

	_, sells := h.executor.counts()
	assert.Equal(t, 1, sells)

	st := h.ledger.Snapshot()
	require.Len(t, st.Closed, 1)
	assert.Empty(t, st.Open)
	assert.InDelta(t, 1.02, st.Capital, 1e-9)
	assert.InDelta(t, 0.02, st.CumulativePnL, 1e-9)
	assert.Equal(t, 1, h.notifier.count(domain.EventExit))
}

func TestConcurrentExitsSellOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	pos := h.enter(t, "mint-a", 1.0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.svc.Exit(context.Background(), pos.ID, domain.ExitReasonManual)
		}()
	}
	wg.Wait()

	_, sells := h.executor.counts()
	assert.Equal(t, 1, sells)
	assert.Len(t, h.ledger.Snapshot().Closed, 1)
}

func TestExitFallbackOnSellFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	pos := h.enter(t, "mint-a", 2.0)
	h.executor.sellErr = errVenueDown

	require.NoError(t, h.svc.Exit(context.Background(), pos.ID, domain.ExitReasonStopLoss))

	st := h.ledger.Snapshot()
	require.Len(t, st.Closed, 1)
	closed := st.Closed[0]
	assert.True(t, closed.ForcedExit)
	assert.Equal(t, domain.ExitReasonStopLoss, closed.ExitReason)
	assert.InDelta(t, 1.0, *closed.ExitPrice, 1e-12)
	assert.InDelta(t, 0.05, *closed.Proceeds, 1e-12)
	assert.InDelta(t, -0.05, *closed.RealizedPnL, 1e-12)
	assert.InDelta(t, 0.95, st.Capital, 1e-12)
	assert.Equal(t, 1, h.notifier.count(domain.EventError))
}

func TestExitLeavesOpenWhenForceCloseDisabled(t *testing.T) {
	t.Parallel()
	cfg := defaultRiskConfig()
	cfg.ForceCloseOnSellFailure = false
	h := newHarness(t, cfg)
	pos := h.enter(t, "mint-a", 1.0)
	h.executor.sellErr = errVenueDown

	err := h.svc.Exit(context.Background(), pos.ID, domain.ExitReasonStopLoss)
	require.ErrorIs(t, err, domain.ErrExecutionFailed)

	got, ok := h.ledger.Get(pos.ID)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusOpen, got.Status)
	assert.Empty(t, h.ledger.Snapshot().Closed)

	// next attempt goes through once the venue is back
	h.executor.sellErr = nil
	require.NoError(t, h.svc.Exit(context.Background(), pos.ID, domain.ExitReasonStopLoss))
	assert.Len(t, h.ledger.Snapshot().Closed, 1)
}

// ctxBoundSeller fails a sell whose context is already done.
type ctxBoundSeller struct{ *fakeExecutor }

func (c ctxBoundSeller) Sell(ctx context.Context, instrument string, quantity float64) (domain.SellResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.SellResult{}, err
	}
	return c.fakeExecutor.Sell(ctx, instrument, quantity)
}

func TestClosePositionCancelledDoesNotForceClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	pos := h.enter(t, "mint-a", 2.0)
	h.svc.executor = ctxBoundSeller{h.executor}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.svc.ClosePosition(ctx, pos.ID)
	require.ErrorIs(t, err, context.Canceled)

	st := h.ledger.Snapshot()
	assert.Empty(t, st.Closed)
	require.Contains(t, st.Open, pos.ID)
	assert.Equal(t, domain.PositionStatusOpen, st.Open[pos.ID].Status)
	assert.InDelta(t, 0.9, st.Capital, 1e-12)
	assert.Zero(t, st.CumulativePnL)
	assert.False(t, st.Halted)

	// a later exit on a live context sells at the real price
	_, err = h.svc.ClosePosition(context.Background(), pos.ID)
	require.NoError(t, err)
	closed := h.ledger.Snapshot().Closed
	require.Len(t, closed, 1)
	assert.False(t, closed[0].ForcedExit)
	assert.InDelta(t, 2.0, *closed[0].ExitPrice, 1e-12)
}

func TestExitSellTimeoutLeavesOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	pos := h.enter(t, "mint-a", 2.0)
	h.executor.sellErr = fmt.Errorf("gateway: sell: %w", context.DeadlineExceeded)

	err := h.svc.Exit(context.Background(), pos.ID, domain.ExitReasonStopLoss)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got, ok := h.ledger.Get(pos.ID)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusOpen, got.Status)
	assert.Empty(t, h.ledger.Snapshot().Closed)
}

func TestExitTriggersHalt(t *testing.T) {
	t.Parallel()
	cfg := defaultRiskConfig()
	cfg.PortfolioHaltLoss = 0.05
	h := newHarness(t, cfg)
	pos := h.enter(t, "mint-a", 1.0)
	h.prices.set("mint-a", 0.4)

	require.NoError(t, h.svc.Exit(context.Background(), pos.ID, domain.ExitReasonStopLoss))

	assert.True(t, h.ledger.Snapshot().Halted)
	assert.Equal(t, 1, h.notifier.count(domain.EventHalt))
	assert.Equal(t, 1, h.publisher.count(domain.ChannelStatus))

	h.prices.set("mint-b", 1.0)
	_, err := h.svc.Enter(context.Background(), domain.Candidate{Instrument: "mint-b", Price: 1.0})
	require.ErrorIs(t, err, domain.ErrAdmissionDenied)
	assert.Contains(t, err.Error(), string(domain.DenialHalted))
}

func TestClosePositionUnknown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())

	_, err := h.svc.ClosePosition(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClosePositionManual(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	pos := h.enter(t, "mint-a", 1.0)

	closed, err := h.svc.ClosePosition(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExitReasonManual, closed.ExitReason)
	assert.Equal(t, domain.PositionStatusClosed, closed.Status)
}

func TestMonitorAllTrailingStopScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	pos := h.enter(t, "mint-a", 1.0)
	ctx := context.Background()

	h.prices.set("mint-a", 1.20)
	require.NoError(t, h.svc.MonitorAll(ctx))
	got, ok := h.ledger.Get(pos.ID)
	require.True(t, ok)
	assert.InDelta(t, 1.02, got.StopLoss, 1e-9)
	assert.InDelta(t, 1.20, got.HighestPrice, 1e-12)

	h.prices.set("mint-a", 1.10)
	require.NoError(t, h.svc.MonitorAll(ctx))
	got, ok = h.ledger.Get(pos.ID)
	require.True(t, ok)
	assert.InDelta(t, 1.02, got.StopLoss, 1e-9)

	h.prices.set("mint-a", 1.00)
	require.NoError(t, h.svc.MonitorAll(ctx))
	_, ok = h.ledger.Get(pos.ID)
	assert.False(t, ok)

	st := h.ledger.Snapshot()
	require.Len(t, st.Closed, 1)
	assert.Equal(t, domain.ExitReasonStopLoss, st.Closed[0].ExitReason)
}

func TestMonitorAllTakeProfit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	pos := h.enter(t, "mint-a", 1.0)

	h.prices.set("mint-a", 1.6)
	require.NoError(t, h.svc.MonitorAll(context.Background()))

	st := h.ledger.Snapshot()
	require.Len(t, st.Closed, 1)
	assert.Equal(t, pos.ID, st.Closed[0].ID)
	assert.Equal(t, domain.ExitReasonTakeProfit, st.Closed[0].ExitReason)
	assert.InDelta(t, 0.06, st.CumulativePnL, 1e-9)
}

func TestMonitorAllSkipsMissingPrice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	a := h.enter(t, "mint-a", 1.0)
	b := h.enter(t, "mint-b", 1.0)

	h.prices.mu.Lock()
	delete(h.prices.prices, "mint-a")
	h.prices.mu.Unlock()
	h.prices.set("mint-b", 0.5)

	require.NoError(t, h.svc.MonitorAll(context.Background()))

	_, ok := h.ledger.Get(a.ID)
	assert.True(t, ok, "position without a price stays open")
	_, ok = h.ledger.Get(b.ID)
	assert.False(t, ok)
}

func TestLedgerConservationAcrossLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	ctx := context.Background()

	a := h.enter(t, "mint-a", 1.0)
	h.enter(t, "mint-b", 3.0)
	h.prices.set("mint-a", 1.3)
	require.NoError(t, h.svc.Exit(ctx, a.ID, domain.ExitReasonManual))

	st := h.ledger.Snapshot()
	assert.InDelta(t, st.InitialCapital, st.Capital+st.CommittedCapital()-st.CumulativePnL, 1e-9)
}

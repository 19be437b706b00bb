package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/trailbot/internal/domain"
	"github.com/alanyoungcy/trailbot/internal/scheduler"
)

func TestEvaluateOpensStrongestFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	for _, m := range []string{"weak", "mid", "strong", "noise"} {
		h.prices.set(m, 1.0)
	}
	src := &fakeSignals{cands: []domain.Candidate{
		{Instrument: "weak", Price: 1.0, Strength: 0.55},
		{Instrument: "noise", Price: 1.0, Strength: 0.1},
		{Instrument: "strong", Price: 1.0, Strength: 0.95},
		{Instrument: "", Price: 1.0, Strength: 0.99},
		{Instrument: "mid", Price: 1.0, Strength: 0.7},
	}}
	svc := NewSignalService(h.svc, h.ledger, h.policy, src, 0.5, 2, discardLogger())

	opened, err := svc.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, opened)

	var got []string
	for _, p := range h.ledger.OpenPositions() {
		got = append(got, p.Instrument)
	}
	assert.Equal(t, []string{"strong", "mid"}, got)
}

func TestEvaluateStopsAtCapacity(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	var cands []domain.Candidate
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		h.prices.set(m, 1.0)
		cands = append(cands, domain.Candidate{Instrument: m, Price: 1.0, Strength: 1})
	}
	svc := NewSignalService(h.svc, h.ledger, h.policy, &fakeSignals{cands: cands}, 0, 0, discardLogger())

	opened, err := svc.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, opened)
	assert.Equal(t, 3, h.safety.calls)
}

// stopAfterBuy closes stop once the first buy has filled.
type stopAfterBuy struct {
	*fakeExecutor
	stop chan struct{}
	once sync.Once
}

func (s *stopAfterBuy) Buy(ctx context.Context, instrument string, amount float64) (domain.BuyResult, error) {
	res, err := s.fakeExecutor.Buy(ctx, instrument, amount)
	s.once.Do(func() { close(s.stop) })
	return res, err
}

func TestEvaluateStopsEnteringOnShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	var cands []domain.Candidate
	for _, m := range []string{"a", "b", "c"} {
		h.prices.set(m, 1.0)
		cands = append(cands, domain.Candidate{Instrument: m, Price: 1.0, Strength: 1})
	}
	exec := &stopAfterBuy{fakeExecutor: h.executor, stop: make(chan struct{})}
	h.svc.executor = exec
	svc := NewSignalService(h.svc, h.ledger, h.policy, &fakeSignals{cands: cands}, 0, 0, discardLogger())

	opened, err := svc.Evaluate(scheduler.WithStop(context.Background(), exec.stop))
	require.NoError(t, err)
	assert.Equal(t, 1, opened)
	buys, _ := h.executor.counts()
	assert.Equal(t, 1, buys)
}

func TestMonitorAllStopsExitingOnShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	h.enter(t, "a", 1.0)
	h.enter(t, "b", 1.0)
	h.prices.set("a", 0.5)
	h.prices.set("b", 0.5)

	stop := make(chan struct{})
	close(stop)
	require.NoError(t, h.svc.MonitorAll(scheduler.WithStop(context.Background(), stop)))

	_, sells := h.executor.counts()
	assert.Zero(t, sells)
	assert.Len(t, h.ledger.OpenPositions(), 2)
}

func TestEvaluateSkipsFetchWhenDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	h.enter(t, "a", 1.0)
	h.enter(t, "b", 1.0)
	h.enter(t, "c", 1.0)

	src := &fakeSignals{cands: []domain.Candidate{{Instrument: "d", Price: 1, Strength: 1}}}
	svc := NewSignalService(h.svc, h.ledger, h.policy, src, 0, 0, discardLogger())

	opened, err := svc.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, opened)
	assert.Zero(t, src.calls)
}

func TestEvaluateSourceError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	src := &fakeSignals{err: errVenueDown}
	svc := NewSignalService(h.svc, h.ledger, h.policy, src, 0, 0, discardLogger())

	_, err := svc.Evaluate(context.Background())
	require.ErrorIs(t, err, errVenueDown)
}

func TestEvaluateSkipsDuplicateInstrument(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	h.prices.set("a", 1.0)
	src := &fakeSignals{cands: []domain.Candidate{
		{Instrument: "a", Price: 1.0, Strength: 0.9},
		{Instrument: "a", Price: 1.0, Strength: 0.8},
	}}
	svc := NewSignalService(h.svc, h.ledger, h.policy, src, 0, 0, discardLogger())

	opened, err := svc.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, opened, "second candidate hits the duplicate guard")
}

func TestHeartbeatBeat(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	h.enter(t, "mint-a", 1.0)

	blobs := &fakeBlobs{}
	hb := NewHeartbeatService(h.ledger, h.notifier, h.publisher, blobs, nil, discardLogger())
	at := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	hb.now = func() time.Time { return at }

	require.NoError(t, hb.Beat(context.Background()))

	assert.Equal(t, 1, h.notifier.count(domain.EventHeartbeat))
	assert.Equal(t, 1, h.publisher.count(domain.ChannelStatus))
	require.Len(t, blobs.paths, 1)
	assert.Equal(t, SnapshotPath(at), blobs.paths[0])
	assert.Equal(t, "snapshots/2026/05/04/1777863721.json", blobs.paths[0])

	var st domain.LedgerState
	require.NoError(t, json.Unmarshal(blobs.data[0], &st))
	assert.Len(t, st.Open, 1)
}

func TestHeartbeatBlobFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	hb := NewHeartbeatService(h.ledger, h.notifier, nil, &fakeBlobs{err: errVenueDown}, nil, discardLogger())

	err := hb.Beat(context.Background())
	require.ErrorIs(t, err, errVenueDown)
	assert.Equal(t, 1, h.notifier.count(domain.EventHeartbeat), "heartbeat is sent before the upload")
}

func TestNoteServiceRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultRiskConfig())
	a := h.enter(t, "mint-a", 1.0)
	h.enter(t, "mint-b", 2.0)
	h.prices.set("mint-a", 1.1)
	h.prices.mu.Lock()
	delete(h.prices.prices, "mint-b")
	h.prices.mu.Unlock()

	sink := &fakeNotes{}
	ns := NewNoteService(h.ledger, h.prices, sink, discardLogger())
	n, err := ns.Record(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, sink.notes, 1)
	note := sink.notes[0]
	assert.Equal(t, a.ID, note.PositionID)
	assert.InDelta(t, 1.1, note.Price, 1e-12)
	assert.InDelta(t, 0.01, note.UnrealizedPnL, 1e-9)
	assert.InDelta(t, (1.1-0.85)/1.1, note.StopDistance, 1e-9)
}

func TestLogNoteSink(t *testing.T) {
	t.Parallel()
	sink := NewLogNoteSink(discardLogger())
	assert.NoError(t, sink.Record(context.Background(), domain.MarketNote{PositionID: "p"}))
}

package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/trailbot/internal/domain"
	"github.com/alanyoungcy/trailbot/internal/ledger"
	"github.com/alanyoungcy/trailbot/internal/risk"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu    sync.Mutex
	state *domain.LedgerState
}

func (m *memStore) Save(_ context.Context, st domain.LedgerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := st.Clone()
	m.state = &c
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

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newFakePrices() *fakePrices {
	return &fakePrices{prices: make(map[string]float64)}
}

func (f *fakePrices) set(instrument string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[instrument] = price
}

func (f *fakePrices) CurrentPrice(_ context.Context, instrument string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[instrument]
	if !ok {
		return 0, fmt.Errorf("fake: %s: %w", instrument, domain.ErrPriceUnavailable)
	}
	return p, nil
}

type fakeSafety struct {
	verdict domain.SafetyVerdict
	err     error
	calls   int
}

func (f *fakeSafety) Assess(context.Context, string) (domain.SafetyVerdict, error) {
	f.calls++
	return f.verdict, f.err
}

type fakeExecutor struct {
	mu      sync.Mutex
	prices  *fakePrices
	buyErr  error
	sellErr error
	buys    int
	sells   int
}

func (f *fakeExecutor) Buy(ctx context.Context, instrument string, amount float64) (domain.BuyResult, error) {
	f.mu.Lock()
	f.buys++
	err := f.buyErr
	f.mu.Unlock()
	if err != nil {
		return domain.BuyResult{}, err
	}
	price, err := f.prices.CurrentPrice(ctx, instrument)
	if err != nil {
		return domain.BuyResult{}, err
	}
	return domain.BuyResult{
		Success:        true,
		FilledQuantity: amount / price,
		Spent:          amount,
		TxID:           "buy-tx",
	}, nil
}

func (f *fakeExecutor) Sell(ctx context.Context, instrument string, quantity float64) (domain.SellResult, error) {
	f.mu.Lock()
	f.sells++
	err := f.sellErr
	f.mu.Unlock()
	if err != nil {
		return domain.SellResult{}, err
	}
	price, err := f.prices.CurrentPrice(ctx, instrument)
	if err != nil {
		return domain.SellResult{}, err
	}
	return domain.SellResult{Success: true, Proceeds: quantity * price, TxID: "sell-tx"}, nil
}

func (f *fakeExecutor) counts() (buys, sells int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buys, f.sells
}

type firedEvent struct {
	Event, Title, Message string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []firedEvent
}

func (f *fakeNotifier) Fire(_ context.Context, event, title, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, firedEvent{event, title, message})
}

func (f *fakeNotifier) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (f *fakePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string][][]byte)
	}
	f.messages[channel] = append(f.messages[channel], payload)
	return nil
}

func (f *fakePublisher) count(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[channel])
}

type fakeSignals struct {
	cands []domain.Candidate
	err   error
	calls int
}

func (f *fakeSignals) Candidates(context.Context) ([]domain.Candidate, error) {
	f.calls++
	return f.cands, f.err
}

type fakeBlobs struct {
	mu    sync.Mutex
	paths []string
	data  [][]byte
	err   error
}

func (f *fakeBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if f.err != nil {
		return f.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	f.data = append(f.data, b)
	return nil
}

func (f *fakeBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.paths {
		if p == path {
			return io.NopCloser(bytes.NewReader(f.data[i])), nil
		}
	}
	return nil, fmt.Errorf("blob %s: %w", path, domain.ErrNotFound)
}

func (f *fakeBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.BlobInfo
	for i, p := range f.paths {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(f.data[i]))})
		}
	}
	return out, nil
}

type fakeNotes struct {
	mu    sync.Mutex
	notes []domain.MarketNote
}

func (f *fakeNotes) Record(_ context.Context, note domain.MarketNote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
	return nil
}

// harness wires a PositionService over in-memory fakes.
type harness struct {
	cfg       domain.RiskConfig
	store     *memStore
	ledger    *ledger.Ledger
	policy    *risk.Policy
	prices    *fakePrices
	safety    *fakeSafety
	executor  *fakeExecutor
	notifier  *fakeNotifier
	publisher *fakePublisher
	svc       *PositionService
}

func defaultRiskConfig() domain.RiskConfig {
	return domain.RiskConfig{
		InitialCapital:          1.0,
		MaxPositionFraction:     0.10,
		MaxPositions:            3,
		StopLossFraction:        0.15,
		TakeProfitFraction:      0.50,
		PortfolioHaltLoss:       0.30,
		ForceCloseOnSellFailure: true,
		FallbackHaircut:         0.5,
	}
}

func newHarness(t *testing.T, cfg domain.RiskConfig) *harness {
	t.Helper()
	h := &harness{
		cfg:       cfg,
		store:     &memStore{},
		policy:    risk.NewPolicy(cfg),
		prices:    newFakePrices(),
		safety:    &fakeSafety{verdict: domain.SafetyVerdict{Safe: true, RiskScore: 10}},
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
	}
	h.executor = &fakeExecutor{prices: h.prices}
	h.ledger = ledger.New(h.store, h.policy, discardLogger())
	require.NoError(t, h.ledger.Restore(context.Background()))

	h.svc = NewPositionService(PositionDeps{
		Ledger:   h.ledger,
		Policy:   h.policy,
		Prices:   h.prices,
		Safety:   h.safety,
		Executor: h.executor,
		Notifier: h.notifier,
		Events:   h.publisher,
	}, discardLogger())

	seq := 0
	h.svc.newID = func() string {
		seq++
		return fmt.Sprintf("pos-%d", seq)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.svc.now = func() time.Time {
		return base.Add(time.Duration(seq) * time.Second)
	}
	return h
}

func (h *harness) enter(t *testing.T, instrument string, price float64) domain.Position {
	t.Helper()
	h.prices.set(instrument, price)
	pos, err := h.svc.Enter(context.Background(), domain.Candidate{
		Instrument: instrument,
		Symbol:     "SYM",
		Price:      price,
		Strength:   0.8,
	})
	require.NoError(t, err)
	return pos
}

var errVenueDown = errors.New("venue unreachable")

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

type staticPrices map[string]float64

func (s staticPrices) CurrentPrice(_ context.Context, instrument string) (float64, error) {
	p, ok := s[instrument]
	if !ok {
		return 0, fmt.Errorf("no quote for %s: %w", instrument, domain.ErrPriceUnavailable)
	}
	return p, nil
}

func newTestPaper(cfg PaperConfig) *Paper {
	p := NewPaper(staticPrices{"mint-a": 2.0}, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.newID = func() string { return "1" }
	return p
}

func TestPaperFrictionless(t *testing.T) {
	p := newTestPaper(PaperConfig{})
	ctx := context.Background()

	buy, err := p.Buy(ctx, "mint-a", 0.1)
	require.NoError(t, err)
	assert.True(t, buy.Success)
	assert.InDelta(t, 0.05, buy.FilledQuantity, 1e-12)
	assert.Equal(t, 0.1, buy.Spent)
	assert.Equal(t, "paper-1", buy.TxID)

	sell, err := p.Sell(ctx, "mint-a", buy.FilledQuantity)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, sell.Proceeds, 1e-12)
}

func TestPaperSlippageAndFees(t *testing.T) {
	p := newTestPaper(PaperConfig{SlippageBps: 100, FeeBps: 50})
	ctx := context.Background()

	buy, err := p.Buy(ctx, "mint-a", 1)
	require.NoError(t, err)
	// 1 * 0.995 / (2 * 1.01)
	assert.InDelta(t, 0.995/2.02, buy.FilledQuantity, 1e-12)

	sell, err := p.Sell(ctx, "mint-a", 1)
	require.NoError(t, err)
	// 1 * 2 * 0.99 * 0.995
	assert.InDelta(t, 1.9701, sell.Proceeds, 1e-12)

	back, err := p.Sell(ctx, "mint-a", buy.FilledQuantity)
	require.NoError(t, err)
	assert.Less(t, back.Proceeds, 1.0, "round trip at an unchanged quote loses money")
}

func TestPaperRejects(t *testing.T) {
	p := newTestPaper(PaperConfig{})
	ctx := context.Background()

	buy, err := p.Buy(ctx, "mint-a", 0)
	require.NoError(t, err)
	assert.False(t, buy.Success)

	sell, err := p.Sell(ctx, "mint-a", -1)
	require.NoError(t, err)
	assert.False(t, sell.Success)

	_, err = p.Buy(ctx, "mint-unknown", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPriceUnavailable))
}

// Package executor holds the paper order executor used in paper mode.
package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

// PaperConfig sets the simulated costs, in basis points.
type PaperConfig struct {
	SlippageBps float64
	FeeBps      float64
}

// Paper fills every order at the current quote moved against the trader by
// SlippageBps, less FeeBps. Orders never leave the process.
type Paper struct {
	prices domain.PriceSource
	cfg    PaperConfig
	logger *slog.Logger
	newID  func() string
}

// NewPaper creates a paper executor quoting from prices.
func NewPaper(prices domain.PriceSource, cfg PaperConfig, logger *slog.Logger) *Paper {
	return &Paper{
		prices: prices,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "paper_executor")),
		newID:  uuid.NewString,
	}
}

// Buy spends amount at the slipped ask.
func (p *Paper) Buy(ctx context.Context, instrument string, amount float64) (domain.BuyResult, error) {
	if amount <= 0 {
		return domain.BuyResult{Success: false, Message: "amount must be > 0"}, nil
	}
	price, err := p.prices.CurrentPrice(ctx, instrument)
	if err != nil {
		return domain.BuyResult{}, fmt.Errorf("paper: buy %s: %w", instrument, err)
	}

	fill := price * (1 + bps(p.cfg.SlippageBps))
	qty := amount * (1 - bps(p.cfg.FeeBps)) / fill
	res := domain.BuyResult{
		Success:        true,
		FilledQuantity: qty,
		Spent:          amount,
		TxID:           "paper-" + p.newID(),
		Message:        fmt.Sprintf("paper fill at %.8f", fill),
	}
	p.logger.InfoContext(ctx, "paper: buy filled",
		slog.String("instrument", instrument),
		slog.Float64("amount", amount),
		slog.Float64("fill_price", fill),
		slog.Float64("quantity", qty),
	)
	return res, nil
}

// Sell sells quantity at the slipped bid.
func (p *Paper) Sell(ctx context.Context, instrument string, quantity float64) (domain.SellResult, error) {
	if quantity <= 0 {
		return domain.SellResult{Success: false, Message: "quantity must be > 0"}, nil
	}
	price, err := p.prices.CurrentPrice(ctx, instrument)
	if err != nil {
		return domain.SellResult{}, fmt.Errorf("paper: sell %s: %w", instrument, err)
	}

	fill := price * (1 - bps(p.cfg.SlippageBps))
	proceeds := quantity * fill * (1 - bps(p.cfg.FeeBps))
	p.logger.InfoContext(ctx, "paper: sell filled",
		slog.String("instrument", instrument),
		slog.Float64("quantity", quantity),
		slog.Float64("fill_price", fill),
		slog.Float64("proceeds", proceeds),
	)
	return domain.SellResult{
		Success:  true,
		Proceeds: proceeds,
		TxID:     "paper-" + p.newID(),
		Message:  fmt.Sprintf("paper fill at %.8f", fill),
	}, nil
}

func bps(v float64) float64 { return v / 10_000 }

var _ domain.OrderExecutor = (*Paper)(nil)

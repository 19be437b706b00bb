// Package risk holds the pure risk policy: admission, sizing, initial
// thresholds, the trailing-stop ratchet and the portfolio halt test. Nothing
// in this package performs I/O or keeps state of its own.
package risk

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

const (
	// DefaultMinPositionSize is the dust threshold in base currency.
	DefaultMinPositionSize = 0.001
	// DefaultSizePrecision is the number of decimals position sizes keep.
	DefaultSizePrecision = 4
)

// Policy evaluates a domain.RiskConfig.
type Policy struct {
	cfg domain.RiskConfig
}

// NewPolicy returns a Policy for cfg, filling the dust threshold and size
// precision when they are unset.
func NewPolicy(cfg domain.RiskConfig) *Policy {
	if cfg.MinPositionSize <= 0 {
		cfg.MinPositionSize = DefaultMinPositionSize
	}
	if cfg.SizePrecision <= 0 {
		cfg.SizePrecision = DefaultSizePrecision
	}
	return &Policy{cfg: cfg}
}

// Config returns the effective configuration.
func (p *Policy) Config() domain.RiskConfig {
	return p.cfg
}

// Validate checks cfg for values that would break the policy invariants and
// returns every problem found.
func Validate(cfg domain.RiskConfig) error {
	var errs []string
	if cfg.InitialCapital <= 0 {
		errs = append(errs, "initial_capital must be > 0")
	}
	if cfg.MaxPositionFraction <= 0 || cfg.MaxPositionFraction > 1 {
		errs = append(errs, "max_position_fraction must be in (0, 1]")
	}
	if cfg.MaxPositions < 1 {
		errs = append(errs, "max_positions must be >= 1")
	}
	if cfg.StopLossFraction <= 0 || cfg.StopLossFraction >= 1 {
		errs = append(errs, "stop_loss_fraction must be in (0, 1)")
	}
	if cfg.TakeProfitFraction <= 0 {
		errs = append(errs, "take_profit_fraction must be > 0")
	}
	if cfg.PortfolioHaltLoss <= 0 {
		errs = append(errs, "portfolio_halt_loss must be > 0")
	}
	if cfg.FallbackHaircut < 0 || cfg.FallbackHaircut > 1 {
		errs = append(errs, "fallback_haircut must be in [0, 1]")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// CanEnter reports whether a new position may be opened. Checks run in a
// fixed order and the first failure is reported.
func (p *Policy) CanEnter(state domain.LedgerState) domain.Decision {
	if state.Halted {
		return domain.Decision{
			Code:   domain.DenialHalted,
			Reason: "portfolio halted",
		}
	}
	if len(state.Open) >= p.cfg.MaxPositions {
		return domain.Decision{
			Code:   domain.DenialMaxPositions,
			Reason: fmt.Sprintf("max positions reached (%d/%d)", len(state.Open), p.cfg.MaxPositions),
		}
	}
	if p.PortfolioShouldHalt(state) {
		return domain.Decision{
			Code:   domain.DenialPortfolioLoss,
			Reason: fmt.Sprintf("cumulative pnl %.4f at or below -%.4f", state.CumulativePnL, p.cfg.PortfolioHaltLoss),
		}
	}
	return domain.Decision{Allowed: true}
}

// PositionSize is capital times the per-position fraction, rounded to the
// configured precision.
func (p *Policy) PositionSize(capital float64) float64 {
	return roundTo(capital*p.cfg.MaxPositionFraction, p.cfg.SizePrecision)
}

// TooSmall reports whether size is below the dust threshold.
func (p *Policy) TooSmall(size float64) bool {
	return size < p.cfg.MinPositionSize
}

// InitialStop is the stop-loss price a new position starts with.
func (p *Policy) InitialStop(entryPrice float64) float64 {
	return entryPrice * (1 - p.cfg.StopLossFraction)
}

// TakeProfit is the fixed take-profit price for a position.
func (p *Policy) TakeProfit(entryPrice float64) float64 {
	return entryPrice * (1 + p.cfg.TakeProfitFraction)
}

// UpdateTrailingStop ratchets pos.StopLoss behind a new high. It returns true
// only when the stop moved. HighestPrice is raised whenever price exceeds it.
// The stop is floored at the initial stop and is never raised to or beyond
// the take-profit price.
func (p *Policy) UpdateTrailingStop(pos *domain.Position, price float64) bool {
	if price <= pos.HighestPrice {
		return false
	}
	pos.HighestPrice = price

	candidate := math.Max(price*(1-p.cfg.StopLossFraction), p.InitialStop(pos.EntryPrice))
	if candidate <= pos.StopLoss {
		return false
	}
	if candidate >= pos.TakeProfit {
		return false
	}
	pos.StopLoss = candidate
	return true
}

// CheckExit classifies price against the position's thresholds. Take-profit
// wins over stop-loss.
func (p *Policy) CheckExit(pos domain.Position, price float64) domain.ExitSignal {
	if price >= pos.TakeProfit {
		return domain.ExitTakeProfit
	}
	if price <= pos.StopLoss {
		return domain.ExitStopLoss
	}
	return domain.ExitHold
}

// PortfolioShouldHalt reports whether cumulative realized losses reached the
// halt threshold. The boundary is inclusive.
func (p *Policy) PortfolioShouldHalt(state domain.LedgerState) bool {
	return state.CumulativePnL <= -p.cfg.PortfolioHaltLoss
}

// FallbackValuation returns the exit price and proceeds booked when a sell
// fails and the position is force-closed.
func (p *Policy) FallbackValuation(pos domain.Position) (exitPrice, proceeds float64) {
	keep := 1 - p.cfg.FallbackHaircut
	return pos.EntryPrice * keep, pos.EntryCapital * keep
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

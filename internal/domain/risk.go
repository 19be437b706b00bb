package domain

// RiskConfig is the static risk policy, loaded once at startup.
type RiskConfig struct {
	InitialCapital      float64
	MaxPositionFraction float64
	MaxPositions        int
	StopLossFraction    float64
	TakeProfitFraction  float64
	// PortfolioHaltLoss is an absolute base-currency loss. Trading halts once
	// cumulative realized PnL is at or below its negation.
	PortfolioHaltLoss float64

	MinPositionSize float64 // dust threshold
	SizePrecision   int     // decimal places for position sizes

	// ForceCloseOnSellFailure books a failed sell at FallbackHaircut below
	// entry instead of leaving the position open.
	ForceCloseOnSellFailure bool
	FallbackHaircut         float64
}

// ExitSignal is the outcome of an exit check.
type ExitSignal string

const (
	ExitHold       ExitSignal = "hold"
	ExitStopLoss   ExitSignal = "stop_loss"
	ExitTakeProfit ExitSignal = "take_profit"
)

// Reason maps a triggered signal to the persisted exit reason.
func (s ExitSignal) Reason() ExitReason {
	switch s {
	case ExitStopLoss:
		return ExitReasonStopLoss
	case ExitTakeProfit:
		return ExitReasonTakeProfit
	default:
		return ""
	}
}

// DenialCode classifies an admission denial.
type DenialCode string

const (
	DenialHalted        DenialCode = "HALTED"
	DenialMaxPositions  DenialCode = "MAX_POSITIONS"
	DenialPortfolioLoss DenialCode = "PORTFOLIO_LOSS"
)

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool
	Code    DenialCode
	Reason  string
}

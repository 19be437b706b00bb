package domain

import "time"

// PositionStatus tracks where a position is in its lifecycle.
type PositionStatus string

const (
	PositionStatusOpen PositionStatus = "open"
	// PositionStatusClosing marks a position whose sell is in flight. It only
	// exists in memory; a persisted closing position is restored as open.
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitReasonStopLoss   ExitReason = "stop_loss"
	ExitReasonTakeProfit ExitReason = "take_profit"
	ExitReasonManual     ExitReason = "manual"
)

// Position is a single speculative long position, open or closed.
type Position struct {
	ID         string `json:"id"`
	Instrument string `json:"instrument"`
	Symbol     string `json:"symbol"`

	// Entry facts, immutable once the position exists.
	EntryPrice   float64   `json:"entry_price"`
	EntryCapital float64   `json:"entry_capital"`
	Quantity     float64   `json:"quantity"`
	OpenedAt     time.Time `json:"opened_at"`
	Strength     float64   `json:"strength,omitempty"`
	SafetyScore  float64   `json:"safety_score,omitempty"`

	// Risk fields. StopLoss and HighestPrice only ever move up.
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	HighestPrice float64 `json:"highest_price,omitempty"`

	Status PositionStatus `json:"status"`

	// Exit facts, set exactly once when Status becomes closed.
	ExitPrice   *float64   `json:"exit_price,omitempty"`
	Proceeds    *float64   `json:"proceeds,omitempty"`
	RealizedPnL *float64   `json:"realized_pnl,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	ExitReason  ExitReason `json:"exit_reason,omitempty"`
	// ForcedExit is true when the sell failed and the position was booked at
	// the fallback valuation.
	ForcedExit bool `json:"forced_exit,omitempty"`
}

// IsOpen reports whether the position still counts against capacity.
func (p Position) IsOpen() bool {
	return p.Status == PositionStatusOpen || p.Status == PositionStatusClosing
}

// UnrealizedPnL values the position at price.
func (p Position) UnrealizedPnL(price float64) float64 {
	return price*p.Quantity - p.EntryCapital
}

// LedgerState is the full persisted portfolio: capital, open and closed
// positions, cumulative realized PnL and the two control flags.
type LedgerState struct {
	InitialCapital float64             `json:"initial_capital"`
	Capital        float64             `json:"capital"`
	Open           map[string]Position `json:"open"`
	Closed         []Position          `json:"closed"`
	CumulativePnL  float64             `json:"cumulative_pnl"`
	Running        bool                `json:"running"`
	Halted         bool                `json:"halted"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// NewLedgerState returns an empty state seeded with capital.
func NewLedgerState(capital float64) LedgerState {
	return LedgerState{
		InitialCapital: capital,
		Capital:        capital,
		Open:           make(map[string]Position),
		Closed:         []Position{},
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s LedgerState) Clone() LedgerState {
	out := s
	out.Open = make(map[string]Position, len(s.Open))
	for id, p := range s.Open {
		out.Open[id] = p.clone()
	}
	out.Closed = make([]Position, len(s.Closed))
	for i, p := range s.Closed {
		out.Closed[i] = p.clone()
	}
	return out
}

// CommittedCapital sums the entry capital of every open position.
func (s LedgerState) CommittedCapital() float64 {
	var total float64
	for _, p := range s.Open {
		total += p.EntryCapital
	}
	return total
}

func (p Position) clone() Position {
	out := p
	if p.ExitPrice != nil {
		v := *p.ExitPrice
		out.ExitPrice = &v
	}
	if p.Proceeds != nil {
		v := *p.Proceeds
		out.Proceeds = &v
	}
	if p.RealizedPnL != nil {
		v := *p.RealizedPnL
		out.RealizedPnL = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		out.ClosedAt = &v
	}
	return out
}

// LedgerSummary is the compact view used by heartbeats and the status API.
type LedgerSummary struct {
	Capital          float64 `json:"capital"`
	InitialCapital   float64 `json:"initial_capital"`
	CommittedCapital float64 `json:"committed_capital"`
	CumulativePnL    float64 `json:"cumulative_pnl"`
	OpenPositions    int     `json:"open_positions"`
	ClosedPositions  int     `json:"closed_positions"`
	Running          bool    `json:"running"`
	Halted           bool    `json:"halted"`
}

// Summary condenses the state.
func (s LedgerState) Summary() LedgerSummary {
	return LedgerSummary{
		Capital:          s.Capital,
		InitialCapital:   s.InitialCapital,
		CommittedCapital: s.CommittedCapital(),
		CumulativePnL:    s.CumulativePnL,
		OpenPositions:    len(s.Open),
		ClosedPositions:  len(s.Closed),
		Running:          s.Running,
		Halted:           s.Halted,
	}
}

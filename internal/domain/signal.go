package domain

import "time"

// Candidate is a suggested entry produced by the signal source. Only
// Instrument and Price are required by the lifecycle controller.
type Candidate struct {
	ID         string    `json:"id,omitempty"`
	Instrument string    `json:"instrument"`
	Symbol     string    `json:"symbol,omitempty"`
	Price      float64   `json:"price"`
	Strength   float64   `json:"strength,omitempty"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// Valid reports whether the candidate carries the fields entry needs.
func (c Candidate) Valid() bool {
	return c.Instrument != "" && c.Price > 0
}

// SafetyVerdict is the pre-trade screener's answer for one instrument.
type SafetyVerdict struct {
	Safe      bool    `json:"safe"`
	RiskScore float64 `json:"risk_score"`
	Reason    string  `json:"reason,omitempty"`
}

// BuyResult is the outcome of a buy order.
type BuyResult struct {
	Success        bool
	FilledQuantity float64
	// Spent is the base-currency amount actually paid; zero means the
	// requested amount.
	Spent   float64
	TxID    string
	Message string
}

// SellResult is the outcome of a sell order.
type SellResult struct {
	Success  bool
	Proceeds float64
	TxID     string
	Message  string
}

// MarketNote is a periodic observation of one open position.
type MarketNote struct {
	PositionID    string    `json:"position_id"`
	Instrument    string    `json:"instrument"`
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	StopDistance  float64   `json:"stop_distance"` // fraction of price above the stop
	ObservedAt    time.Time `json:"observed_at"`
}

// Event names used for notifications and published position events.
const (
	EventEntry     = "entry"
	EventExit      = "exit"
	EventHalt      = "halt"
	EventHeartbeat = "heartbeat"
	EventError     = "error"
)

// Channels on the event bus.
const (
	ChannelPositions = "positions"
	ChannelStatus    = "status"
)

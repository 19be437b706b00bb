package domain

import "context"

// PriceSource quotes the current price of an instrument. It returns an error
// wrapping ErrPriceUnavailable when no usable price exists.
type PriceSource interface {
	CurrentPrice(ctx context.Context, instrument string) (float64, error)
}

// SafetyScreener assesses an instrument once, before entry.
type SafetyScreener interface {
	Assess(ctx context.Context, instrument string) (SafetyVerdict, error)
}

// OrderExecutor places buy and sell orders. Retries, if any, belong to the
// implementation.
type OrderExecutor interface {
	Buy(ctx context.Context, instrument string, amount float64) (BuyResult, error)
	Sell(ctx context.Context, instrument string, quantity float64) (SellResult, error)
}

// SignalSource supplies entry candidates on the evaluation cadence.
type SignalSource interface {
	Candidates(ctx context.Context) ([]Candidate, error)
}

// NoteSink records market notes.
type NoteSink interface {
	Record(ctx context.Context, note MarketNote) error
}

// EventPublisher publishes position and status events to listeners.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Notifier is the outward alert sink. Fire never reports failure to the
// caller.
type Notifier interface {
	Fire(ctx context.Context, event, title, message string)
}

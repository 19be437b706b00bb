package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/trailbot/internal/domain"
	"github.com/alanyoungcy/trailbot/internal/ledger"
)

// NoteService records a market note for every open position.
type NoteService struct {
	ledger *ledger.Ledger
	prices domain.PriceSource
	sink   domain.NoteSink
	logger *slog.Logger
	now    func() time.Time
}

// NewNoteService creates a NoteService.
func NewNoteService(l *ledger.Ledger, prices domain.PriceSource, sink domain.NoteSink, logger *slog.Logger) *NoteService {
	return &NoteService{
		ledger: l,
		prices: prices,
		sink:   sink,
		logger: logger.With(slog.String("component", "note_service")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record writes one note per open position and returns how many were
// written. Missing prices and sink errors skip that position.
func (n *NoteService) Record(ctx context.Context) (int, error) {
	written := 0
	for _, pos := range n.ledger.OpenPositions() {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		price, err := n.prices.CurrentPrice(ctx, pos.Instrument)
		if err != nil {
			n.logger.DebugContext(ctx, "note_service: price unavailable",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := n.sink.Record(ctx, NoteFor(pos, price, n.now())); err != nil {
			n.logger.WarnContext(ctx, "note_service: record failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		written++
	}
	return written, nil
}

// NoteFor builds the market note for pos observed at price.
func NoteFor(pos domain.Position, price float64, at time.Time) domain.MarketNote {
	note := domain.MarketNote{
		PositionID:    pos.ID,
		Instrument:    pos.Instrument,
		Symbol:        pos.Symbol,
		Price:         price,
		UnrealizedPnL: pos.UnrealizedPnL(price),
		StopLoss:      pos.StopLoss,
		TakeProfit:    pos.TakeProfit,
		ObservedAt:    at,
	}
	if price > 0 {
		note.StopDistance = (price - pos.StopLoss) / price
	}
	return note
}

// LogNoteSink writes notes to a structured logger. It is used when no
// durable note stream is configured.
type LogNoteSink struct {
	logger *slog.Logger
}

// NewLogNoteSink creates a LogNoteSink.
func NewLogNoteSink(logger *slog.Logger) *LogNoteSink {
	return &LogNoteSink{logger: logger.With(slog.String("component", "market_notes"))}
}

// Record logs note at info level.
func (l *LogNoteSink) Record(ctx context.Context, note domain.MarketNote) error {
	l.logger.InfoContext(ctx, "market note",
		slog.String("position_id", note.PositionID),
		slog.String("symbol", note.Symbol),
		slog.Float64("price", note.Price),
		slog.Float64("unrealized_pnl", note.UnrealizedPnL),
		slog.Float64("stop_loss", note.StopLoss),
		slog.Float64("take_profit", note.TakeProfit),
		slog.Float64("stop_distance", note.StopDistance),
	)
	return nil
}

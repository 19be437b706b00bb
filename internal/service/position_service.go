package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/trailbot/internal/domain"
	"github.com/alanyoungcy/trailbot/internal/ledger"
	"github.com/alanyoungcy/trailbot/internal/metrics"
	"github.com/alanyoungcy/trailbot/internal/risk"
	"github.com/alanyoungcy/trailbot/internal/scheduler"
)

// PositionDeps groups the collaborators of a PositionService. Events, Audit
// and Metrics are optional.
type PositionDeps struct {
	Ledger   *ledger.Ledger
	Policy   *risk.Policy
	Prices   domain.PriceSource
	Safety   domain.SafetyScreener
	Executor domain.OrderExecutor
	Notifier domain.Notifier
	Events   domain.EventPublisher
	Audit    domain.AuditStore
	Metrics  *metrics.Metrics
}

// PositionService drives each position through open, closing and closed. It
// is the only component that calls the order executor.
type PositionService struct {
	ledger   *ledger.Ledger
	policy   *risk.Policy
	prices   domain.PriceSource
	safety   domain.SafetyScreener
	executor domain.OrderExecutor
	notifier domain.Notifier
	events   domain.EventPublisher
	audit    domain.AuditStore
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// entryMu keeps at most one entry in flight.
	entryMu sync.Mutex
	now     func() time.Time
	newID   func() string
}

// NewPositionService creates a PositionService with all required dependencies.
func NewPositionService(deps PositionDeps, logger *slog.Logger) *PositionService {
	return &PositionService{
		ledger:   deps.Ledger,
		policy:   deps.Policy,
		prices:   deps.Prices,
		safety:   deps.Safety,
		executor: deps.Executor,
		notifier: deps.Notifier,
		events:   deps.Events,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		logger:   logger.With(slog.String("component", "position_service")),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Enter runs admission, safety screening, sizing and the buy for c and
// records the resulting position. Any failure before the ledger write leaves
// the ledger untouched.
func (s *PositionService) Enter(ctx context.Context, c domain.Candidate) (domain.Position, error) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()

	if !c.Valid() {
		s.metrics.Entry("invalid")
		return domain.Position{}, fmt.Errorf("position_service: enter: candidate %q missing instrument or price: %w",
			c.ID, domain.ErrAdmissionDenied)
	}

	state := s.ledger.Snapshot()
	if d := s.policy.CanEnter(state); !d.Allowed {
		s.metrics.Entry("denied")
		return domain.Position{}, fmt.Errorf("position_service: enter %s: %s: %s: %w",
			c.Instrument, d.Code, d.Reason, domain.ErrAdmissionDenied)
	}
	for _, p := range state.Open {
		if p.Instrument == c.Instrument {
			s.metrics.Entry("duplicate")
			return domain.Position{}, fmt.Errorf("position_service: enter %s: position %s already holds it: %w",
				c.Instrument, p.ID, domain.ErrAlreadyExists)
		}
	}

	verdict, err := s.safety.Assess(ctx, c.Instrument)
	if err != nil {
		s.metrics.Entry("safety_error")
		s.metrics.CollaboratorFailure("safety")
		return domain.Position{}, fmt.Errorf("position_service: enter %s: assess: %w", c.Instrument, err)
	}
	if !verdict.Safe {
		s.metrics.Entry("unsafe")
		return domain.Position{}, fmt.Errorf("position_service: enter %s: risk score %.2f: %s: %w",
			c.Instrument, verdict.RiskScore, verdict.Reason, domain.ErrUnsafe)
	}

	size := s.policy.PositionSize(state.Capital)
	if s.policy.TooSmall(size) {
		s.metrics.Entry("too_small")
		return domain.Position{}, fmt.Errorf("position_service: enter %s: size %.4f: %w",
			c.Instrument, size, domain.ErrSizeTooSmall)
	}

	fill, err := s.executor.Buy(ctx, c.Instrument, size)
	if err != nil {
		s.metrics.Entry("buy_failed")
		s.metrics.CollaboratorFailure("executor")
		s.fire(ctx, domain.EventError, "Buy failed", fmt.Sprintf("%s %s: %v", c.Symbol, c.Instrument, err))
		return domain.Position{}, fmt.Errorf("position_service: enter %s: buy: %w: %w",
			c.Instrument, domain.ErrExecutionFailed, err)
	}
	if !fill.Success || fill.FilledQuantity <= 0 {
		s.metrics.Entry("buy_failed")
		s.fire(ctx, domain.EventError, "Buy failed", fmt.Sprintf("%s %s: %s", c.Symbol, c.Instrument, fill.Message))
		return domain.Position{}, fmt.Errorf("position_service: enter %s: buy rejected: %s: %w",
			c.Instrument, fill.Message, domain.ErrExecutionFailed)
	}

	committed := size
	entryPrice := c.Price
	if fill.Spent > 0 {
		committed = fill.Spent
		if p := fill.Spent / fill.FilledQuantity; p > 0 && !math.IsInf(p, 0) {
			entryPrice = p
		}
	}

	pos := domain.Position{
		ID:           s.newID(),
		Instrument:   c.Instrument,
		Symbol:       c.Symbol,
		EntryPrice:   entryPrice,
		EntryCapital: committed,
		Quantity:     fill.FilledQuantity,
		OpenedAt:     s.now(),
		Strength:     c.Strength,
		SafetyScore:  verdict.RiskScore,
		StopLoss:     s.policy.InitialStop(entryPrice),
		TakeProfit:   s.policy.TakeProfit(entryPrice),
		HighestPrice: entryPrice,
		Status:       domain.PositionStatusOpen,
	}

	if err := s.ledger.RecordEntry(ctx, pos); err != nil {
		if !errors.Is(err, ledger.ErrPersist) {
			// The buy went through but the ledger refused it. The holding
			// needs manual attention.
			s.metrics.Entry("record_failed")
			s.logger.ErrorContext(ctx, "position_service: bought but not recorded",
				slog.String("instrument", c.Instrument),
				slog.Float64("quantity", fill.FilledQuantity),
				slog.String("tx_id", fill.TxID),
				slog.String("error", err.Error()),
			)
			s.fire(ctx, domain.EventError, "Entry not recorded",
				fmt.Sprintf("%s bought %.6f (tx %s) but ledger rejected it: %v", c.Instrument, fill.FilledQuantity, fill.TxID, err))
			return domain.Position{}, fmt.Errorf("position_service: enter %s: %w", c.Instrument, err)
		}
		s.logger.ErrorContext(ctx, "position_service: entry recorded but not persisted",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}

	s.metrics.Entry("opened")
	s.metrics.ObserveLedger(s.ledger.Summary())

	s.publish(ctx, domain.ChannelPositions, map[string]any{
		"event":       "position_opened",
		"position_id": pos.ID,
		"instrument":  pos.Instrument,
		"symbol":      pos.Symbol,
		"entry_price": pos.EntryPrice,
		"capital":     pos.EntryCapital,
		"quantity":    pos.Quantity,
		"stop_loss":   pos.StopLoss,
		"take_profit": pos.TakeProfit,
	})
	s.auditLog(ctx, "position_opened", map[string]any{
		"position_id":  pos.ID,
		"instrument":   pos.Instrument,
		"entry_price":  pos.EntryPrice,
		"capital":      pos.EntryCapital,
		"quantity":     pos.Quantity,
		"strength":     pos.Strength,
		"safety_score": pos.SafetyScore,
		"tx_id":        fill.TxID,
	})
	s.fire(ctx, domain.EventEntry, "Entry "+displayName(pos),
		fmt.Sprintf("price %.8f size %.4f qty %.6f\nstop %.8f target %.8f",
			pos.EntryPrice, pos.EntryCapital, pos.Quantity, pos.StopLoss, pos.TakeProfit))

	s.logger.InfoContext(ctx, "position_service: position opened",
		slog.String("position_id", pos.ID),
		slog.String("instrument", pos.Instrument),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("capital", pos.EntryCapital),
		slog.Float64("stop_loss", pos.StopLoss),
		slog.Float64("take_profit", pos.TakeProfit),
	)

	return pos, nil
}

// Exit closes the position with the given id. Unknown ids and positions
// already being closed are a no-op.
func (s *PositionService) Exit(ctx context.Context, id string, reason domain.ExitReason) error {
	_, _, err := s.exit(ctx, id, reason)
	return err
}

// ClosePosition is a manual exit. It reports domain.ErrNotFound when no open
// position has the id.
func (s *PositionService) ClosePosition(ctx context.Context, id string) (domain.Position, error) {
	closed, ok, err := s.exit(ctx, id, domain.ExitReasonManual)
	if err != nil {
		return closed, err
	}
	if !ok {
		return domain.Position{}, fmt.Errorf("position_service: close %q: %w", id, domain.ErrNotFound)
	}
	return closed, nil
}

func (s *PositionService) exit(ctx context.Context, id string, reason domain.ExitReason) (domain.Position, bool, error) {
	pos, ok := s.ledger.BeginClose(id)
	if !ok {
		s.logger.DebugContext(ctx, "position_service: exit skipped, not open",
			slog.String("position_id", id),
		)
		return domain.Position{}, false, nil
	}

	var (
		exitPrice float64
		proceeds  float64
		forced    bool
	)

	res, sellErr := s.executor.Sell(ctx, pos.Instrument, pos.Quantity)
	if sellErr == nil && !res.Success {
		sellErr = fmt.Errorf("sell rejected: %s", res.Message)
	}

	if sellErr != nil && interrupted(ctx, sellErr) {
		// The venue may still fill the order, so nothing is booked. The
		// position is retried on the next pass.
		s.ledger.AbortClose(id)
		detached := context.WithoutCancel(ctx)
		s.logger.WarnContext(detached, "position_service: sell interrupted, position left open",
			slog.String("position_id", id),
			slog.String("reason", string(reason)),
			slog.String("error", sellErr.Error()),
		)
		s.fire(detached, domain.EventError, "Sell interrupted "+displayName(pos), sellErr.Error())
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(sellErr, ctxErr) {
			sellErr = fmt.Errorf("%w: %w", ctxErr, sellErr)
		}
		return domain.Position{}, false, fmt.Errorf("position_service: exit %s: %w", id, sellErr)
	}

	if sellErr != nil {
		s.metrics.CollaboratorFailure("executor")
		if !s.policy.Config().ForceCloseOnSellFailure {
			s.ledger.AbortClose(id)
			s.logger.WarnContext(ctx, "position_service: sell failed, position left open",
				slog.String("position_id", id),
				slog.String("reason", string(reason)),
				slog.String("error", sellErr.Error()),
			)
			s.fire(ctx, domain.EventError, "Sell failed "+displayName(pos), sellErr.Error())
			return domain.Position{}, false, fmt.Errorf("position_service: exit %s: %w: %w",
				id, domain.ErrExecutionFailed, sellErr)
		}

		exitPrice, proceeds = s.policy.FallbackValuation(pos)
		forced = true
		s.logger.WarnContext(ctx, "position_service: sell failed, booking fallback valuation",
			slog.String("position_id", id),
			slog.Float64("exit_price", exitPrice),
			slog.Float64("proceeds", proceeds),
			slog.String("error", sellErr.Error()),
		)
		s.fire(ctx, domain.EventError, "Sell failed "+displayName(pos),
			fmt.Sprintf("%v\nforce-closed at %.8f", sellErr, exitPrice))
	} else {
		proceeds = res.Proceeds
		exitPrice = pos.EntryPrice
		if pos.Quantity > 0 {
			exitPrice = proceeds / pos.Quantity
		}
	}

	closed, ok, err := s.ledger.RecordExit(ctx, id, exitPrice, proceeds, reason, forced)
	if !ok {
		return domain.Position{}, false, nil
	}
	var persistErr error
	if err != nil {
		persistErr = fmt.Errorf("position_service: exit %s: %w", id, err)
		s.logger.ErrorContext(ctx, "position_service: exit recorded but not persisted",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
	}

	pnl := *closed.RealizedPnL
	s.metrics.Exit(reason)
	s.metrics.ObserveLedger(s.ledger.Summary())

	s.publish(ctx, domain.ChannelPositions, map[string]any{
		"event":        "position_closed",
		"position_id":  id,
		"instrument":   closed.Instrument,
		"symbol":       closed.Symbol,
		"exit_price":   exitPrice,
		"proceeds":     proceeds,
		"realized_pnl": pnl,
		"reason":       string(reason),
		"forced":       forced,
	})
	s.auditLog(ctx, "position_closed", map[string]any{
		"position_id":  id,
		"instrument":   closed.Instrument,
		"entry_price":  closed.EntryPrice,
		"exit_price":   exitPrice,
		"proceeds":     proceeds,
		"realized_pnl": pnl,
		"reason":       string(reason),
		"forced":       forced,
		"tx_id":        res.TxID,
	})
	s.fire(ctx, domain.EventExit, "Exit "+displayName(closed),
		fmt.Sprintf("%s at %.8f\npnl %+.6f (%+.2f%%)", reason, exitPrice, pnl, pctOf(pnl, closed.EntryCapital)))

	s.logger.InfoContext(ctx, "position_service: position closed",
		slog.String("position_id", id),
		slog.String("reason", string(reason)),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("realized_pnl", pnl),
		slog.Bool("forced", forced),
	)

	flipped, err := s.ledger.EvaluateHalt(ctx)
	if err != nil && persistErr == nil {
		persistErr = fmt.Errorf("position_service: evaluate halt: %w", err)
	}
	if flipped {
		sum := s.ledger.Summary()
		s.metrics.ObserveLedger(sum)
		s.publish(ctx, domain.ChannelStatus, map[string]any{
			"event":          "portfolio_halted",
			"cumulative_pnl": sum.CumulativePnL,
			"capital":        sum.Capital,
		})
		s.auditLog(ctx, "portfolio_halted", map[string]any{
			"cumulative_pnl": sum.CumulativePnL,
			"halt_loss":      s.policy.Config().PortfolioHaltLoss,
		})
		s.fire(ctx, domain.EventHalt, "Portfolio halted",
			fmt.Sprintf("cumulative pnl %.6f reached limit -%.6f\nno new entries will be made",
				sum.CumulativePnL, s.policy.Config().PortfolioHaltLoss))
	}

	return closed, true, persistErr
}

// MonitorAll checks every open position against its thresholds, ratcheting
// stops on new highs and exiting on a trigger. Positions without a price are
// skipped until the next cycle.
func (s *PositionService) MonitorAll(ctx context.Context) error {
	for _, pos := range s.ledger.OpenPositions() {
		if scheduler.Stopping(ctx) {
			return ctx.Err()
		}
		if pos.Status != domain.PositionStatusOpen {
			continue
		}

		price, err := s.prices.CurrentPrice(ctx, pos.Instrument)
		if err != nil {
			s.metrics.CollaboratorFailure("price")
			s.logger.WarnContext(ctx, "position_service: price unavailable, skipping",
				slog.String("position_id", pos.ID),
				slog.String("instrument", pos.Instrument),
				slog.String("error", err.Error()),
			)
			continue
		}

		updated, changed, err := s.ledger.ApplyPrice(ctx, pos.ID, price, s.policy.UpdateTrailingStop)
		if err != nil {
			s.logger.ErrorContext(ctx, "position_service: stop persisted late",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
		if updated.ID == "" {
			// Closed or closing since the snapshot was taken.
			continue
		}
		if changed {
			s.metrics.Ratchet()
			s.logger.InfoContext(ctx, "position_service: trailing stop raised",
				slog.String("position_id", pos.ID),
				slog.Float64("price", price),
				slog.Float64("stop_loss", updated.StopLoss),
			)
		}

		sig := s.policy.CheckExit(updated, price)
		if sig == domain.ExitHold {
			continue
		}
		s.logger.InfoContext(ctx, "position_service: exit triggered",
			slog.String("position_id", pos.ID),
			slog.String("signal", string(sig)),
			slog.Float64("price", price),
			slog.Float64("stop_loss", updated.StopLoss),
			slog.Float64("take_profit", updated.TakeProfit),
		)
		if err := s.Exit(ctx, pos.ID, sig.Reason()); err != nil {
			s.logger.WarnContext(ctx, "position_service: exit failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// interrupted reports whether a sell failed because the call was cut short
// rather than refused by the venue.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func displayName(p domain.Position) string {
	if p.Symbol != "" {
		return p.Symbol
	}
	return p.Instrument
}

func pctOf(v, base float64) float64 {
	if base == 0 {
		return 0
	}
	return v / base * 100
}

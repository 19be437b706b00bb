package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/trailbot/internal/domain"
	"github.com/alanyoungcy/trailbot/internal/ledger"
	"github.com/alanyoungcy/trailbot/internal/risk"
	"github.com/alanyoungcy/trailbot/internal/scheduler"
)

// SignalService runs the evaluation cycle: it pulls candidates and hands the
// strongest ones to the PositionService while admission allows.
type SignalService struct {
	positions   *PositionService
	ledger      *ledger.Ledger
	policy      *risk.Policy
	source      domain.SignalSource
	minStrength float64
	maxEntries  int
	logger      *slog.Logger
}

// NewSignalService creates a SignalService. maxEntries caps the entries made
// in one cycle; zero means no cap beyond the position limit.
func NewSignalService(
	positions *PositionService,
	l *ledger.Ledger,
	policy *risk.Policy,
	source domain.SignalSource,
	minStrength float64,
	maxEntries int,
	logger *slog.Logger,
) *SignalService {
	return &SignalService{
		positions:   positions,
		ledger:      l,
		policy:      policy,
		source:      source,
		minStrength: minStrength,
		maxEntries:  maxEntries,
		logger:      logger.With(slog.String("component", "signal_service")),
	}
}

// Evaluate runs one evaluation cycle and returns the number of positions
// opened. Candidates are not fetched while admission is denied.
func (s *SignalService) Evaluate(ctx context.Context) (int, error) {
	if d := s.policy.CanEnter(s.ledger.Snapshot()); !d.Allowed {
		s.logger.InfoContext(ctx, "signal_service: entries paused",
			slog.String("code", string(d.Code)),
			slog.String("reason", d.Reason),
		)
		return 0, nil
	}

	cands, err := s.source.Candidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("signal_service: fetch candidates: %w", err)
	}

	eligible := cands[:0:0]
	for _, c := range cands {
		if !c.Valid() || c.Strength < s.minStrength {
			continue
		}
		eligible = append(eligible, c)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Strength > eligible[j].Strength
	})

	s.logger.DebugContext(ctx, "signal_service: candidates",
		slog.Int("received", len(cands)),
		slog.Int("eligible", len(eligible)),
	)

	opened := 0
	for _, c := range eligible {
		if scheduler.Stopping(ctx) {
			s.logger.InfoContext(ctx, "signal_service: shutting down, remaining candidates dropped",
				slog.Int("opened", opened),
			)
			return opened, ctx.Err()
		}
		if s.maxEntries > 0 && opened >= s.maxEntries {
			break
		}
		if d := s.policy.CanEnter(s.ledger.Snapshot()); !d.Allowed {
			s.logger.InfoContext(ctx, "signal_service: admission closed",
				slog.String("code", string(d.Code)),
				slog.String("reason", d.Reason),
			)
			break
		}

		_, err := s.positions.Enter(ctx, c)
		switch {
		case err == nil:
			opened++
		case errors.Is(err, domain.ErrSizeTooSmall):
			s.logger.InfoContext(ctx, "signal_service: capital exhausted", slog.String("error", err.Error()))
			return opened, nil
		case errors.Is(err, domain.ErrAdmissionDenied),
			errors.Is(err, domain.ErrUnsafe),
			errors.Is(err, domain.ErrAlreadyExists):
			s.logger.InfoContext(ctx, "signal_service: candidate skipped",
				slog.String("instrument", c.Instrument),
				slog.String("reason", err.Error()),
			)
		default:
			s.logger.WarnContext(ctx, "signal_service: entry failed",
				slog.String("instrument", c.Instrument),
				slog.String("error", err.Error()),
			)
		}
	}
	return opened, nil
}

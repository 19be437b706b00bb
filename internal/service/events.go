package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

// publish marshals payload and sends it on channel. Failures are logged only.
func (s *PositionService) publish(ctx context.Context, channel string, payload map[string]any) {
	publishEvent(ctx, s.events, s.logger, channel, payload)
}

func (s *PositionService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "position_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) fire(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Fire(ctx, event, title, message)
}

func publishEvent(ctx context.Context, pub domain.EventPublisher, logger *slog.Logger, channel string, payload map[string]any) {
	if pub == nil {
		return
	}
	evt, err := json.Marshal(payload)
	if err != nil {
		logger.WarnContext(ctx, "service: marshal event failed", slog.String("error", err.Error()))
		return
	}
	if err := pub.Publish(ctx, channel, evt); err != nil {
		logger.WarnContext(ctx, "service: publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

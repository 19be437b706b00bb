package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/trailbot/internal/domain"
	"github.com/alanyoungcy/trailbot/internal/ledger"
	"github.com/alanyoungcy/trailbot/internal/metrics"
)

// HeartbeatService reports the portfolio summary on the heartbeat cadence and
// optionally uploads a full ledger snapshot to object storage.
type HeartbeatService struct {
	ledger   *ledger.Ledger
	notifier domain.Notifier
	events   domain.EventPublisher
	blobs    domain.BlobWriter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewHeartbeatService creates a HeartbeatService. events, blobs and m may be
// nil.
func NewHeartbeatService(
	l *ledger.Ledger,
	notifier domain.Notifier,
	events domain.EventPublisher,
	blobs domain.BlobWriter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *HeartbeatService {
	return &HeartbeatService{
		ledger:   l,
		notifier: notifier,
		events:   events,
		blobs:    blobs,
		metrics:  m,
		logger:   logger.With(slog.String("component", "heartbeat")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Beat emits one heartbeat.
func (h *HeartbeatService) Beat(ctx context.Context) error {
	st := h.ledger.Snapshot()
	sum := st.Summary()

	h.metrics.ObserveLedger(sum)
	h.logger.InfoContext(ctx, "heartbeat",
		slog.Float64("capital", sum.Capital),
		slog.Float64("committed", sum.CommittedCapital),
		slog.Float64("cumulative_pnl", sum.CumulativePnL),
		slog.Int("open", sum.OpenPositions),
		slog.Int("closed", sum.ClosedPositions),
		slog.Bool("halted", sum.Halted),
	)

	status := "active"
	if sum.Halted {
		status = "HALTED"
	}
	if h.notifier != nil {
		h.notifier.Fire(ctx, domain.EventHeartbeat, "Heartbeat",
			fmt.Sprintf("status %s\ncapital %.6f (committed %.6f)\nopen %d closed %d\npnl %+.6f",
				status, sum.Capital, sum.CommittedCapital, sum.OpenPositions, sum.ClosedPositions, sum.CumulativePnL))
	}

	publishEvent(ctx, h.events, h.logger, domain.ChannelStatus, map[string]any{
		"event":             "heartbeat",
		"capital":           sum.Capital,
		"committed_capital": sum.CommittedCapital,
		"cumulative_pnl":    sum.CumulativePnL,
		"open_positions":    sum.OpenPositions,
		"closed_positions":  sum.ClosedPositions,
		"halted":            sum.Halted,
	})

	if h.blobs == nil {
		return nil
	}
	return h.uploadSnapshot(ctx, st)
}

// SnapshotPath is the object key a snapshot taken at t is stored under.
func SnapshotPath(t time.Time) string {
	return fmt.Sprintf("snapshots/%s/%d.json", t.UTC().Format("2006/01/02"), t.Unix())
}

func (h *HeartbeatService) uploadSnapshot(ctx context.Context, st domain.LedgerState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("heartbeat: marshal snapshot: %w", err)
	}
	path := SnapshotPath(h.now())
	if err := h.blobs.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		h.metrics.CollaboratorFailure("blob")
		return fmt.Errorf("heartbeat: upload snapshot %s: %w", path, err)
	}
	h.logger.DebugContext(ctx, "heartbeat: snapshot uploaded",
		slog.String("path", path),
		slog.Int("bytes", len(data)),
	)
	return nil
}

package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

// PositionReader is the read side of the ledger.
type PositionReader interface {
	OpenPositions() []domain.Position
	ClosedPositions(limit int) []domain.Position
	Find(id string) (domain.Position, bool)
}

// PositionCloser performs a manual exit.
type PositionCloser interface {
	ClosePosition(ctx context.Context, id string) (domain.Position, error)
}

// PositionHandler serves position endpoints.
type PositionHandler struct {
	reader PositionReader
	closer PositionCloser
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(reader PositionReader, closer PositionCloser, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{reader: reader, closer: closer, logger: logger}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListOpen returns every open position, oldest first.
// GET /api/positions
func (h *PositionHandler) ListOpen(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: nonNil(h.reader.OpenPositions())})
}

// ListClosed returns the most recent closed positions.
// GET /api/positions/closed?limit=50
func (h *PositionHandler) ListClosed(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: nonNil(h.reader.ClosedPositions(opts.Limit))})
}

// GetPosition returns one position, open or closed.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pos, ok := h.reader.Find(id)
	if !ok {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ClosePosition sells an open position immediately.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// The sell must not be abandoned halfway because the client went away.
	pos, err := h.closer.ClosePosition(context.WithoutCancel(r.Context()), id)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: close position failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func nonNil(ps []domain.Position) []domain.Position {
	if ps == nil {
		return []domain.Position{}
	}
	return ps
}

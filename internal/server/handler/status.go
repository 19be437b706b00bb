package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

// Summarizer is the slice of the ledger the status endpoint reads.
type Summarizer interface {
	Summary() domain.LedgerSummary
}

// StatusHandler serves the engine status for dashboards.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	ledger    Summarizer
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, startedAt time.Time, ledger Summarizer) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, ledger: ledger}
}

type statusResponse struct {
	Mode          string               `json:"mode"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Ledger        domain.LedgerSummary `json:"ledger"`
}

// GetStatus responds with the mode, uptime and ledger summary.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	uptime := int64(time.Since(h.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Mode:          h.mode,
		UptimeSeconds: uptime,
		Ledger:        h.ledger.Summary(),
	})
}

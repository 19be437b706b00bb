// Package metrics exposes Prometheus collectors for the trading engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

// Metrics holds the engine collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	Capital        prometheus.Gauge
	CumulativePnL  prometheus.Gauge
	OpenPositions  prometheus.Gauge
	Halted         prometheus.Gauge
	EntriesTotal   *prometheus.CounterVec // labels: result
	ExitsTotal     *prometheus.CounterVec // labels: reason
	StopRatchets   prometheus.Counter
	CycleDuration  *prometheus.HistogramVec // labels: cycle
	CollectorFails *prometheus.CounterVec   // labels: collaborator
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Capital: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trailbot_capital",
			Help: "Uncommitted capital in base currency",
		}),
		CumulativePnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trailbot_cumulative_pnl",
			Help: "Cumulative realized PnL in base currency",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trailbot_open_positions",
			Help: "Number of open positions",
		}),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trailbot_halted",
			Help: "1 when the portfolio loss limit has halted new entries",
		}),
		EntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trailbot_entries_total",
			Help: "Entry attempts by result",
		}, []string{"result"}),
		ExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trailbot_exits_total",
			Help: "Closed positions by exit reason",
		}, []string{"reason"}),
		StopRatchets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trailbot_stop_ratchets_total",
			Help: "Trailing stop raises",
		}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trailbot_cycle_duration_seconds",
			Help:    "Duration of scheduler cycles",
			Buckets: prometheus.DefBuckets,
		}, []string{"cycle"}),
		CollectorFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trailbot_collaborator_failures_total",
			Help: "Failed calls to external collaborators",
		}, []string{"collaborator"}),
	}

	m.registry.MustRegister(
		m.Capital,
		m.CumulativePnL,
		m.OpenPositions,
		m.Halted,
		m.EntriesTotal,
		m.ExitsTotal,
		m.StopRatchets,
		m.CycleDuration,
		m.CollectorFails,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveLedger copies the ledger summary into the gauges.
func (m *Metrics) ObserveLedger(s domain.LedgerSummary) {
	if m == nil {
		return
	}
	m.Capital.Set(s.Capital)
	m.CumulativePnL.Set(s.CumulativePnL)
	m.OpenPositions.Set(float64(s.OpenPositions))
	if s.Halted {
		m.Halted.Set(1)
	} else {
		m.Halted.Set(0)
	}
}

// Entry counts an entry attempt. result is "opened" or a short failure tag.
func (m *Metrics) Entry(result string) {
	if m == nil {
		return
	}
	m.EntriesTotal.WithLabelValues(result).Inc()
}

// Exit counts a closed position.
func (m *Metrics) Exit(reason domain.ExitReason) {
	if m == nil {
		return
	}
	m.ExitsTotal.WithLabelValues(string(reason)).Inc()
}

// Ratchet counts a trailing stop raise.
func (m *Metrics) Ratchet() {
	if m == nil {
		return
	}
	m.StopRatchets.Inc()
}

// CollaboratorFailure counts a failed external call.
func (m *Metrics) CollaboratorFailure(name string) {
	if m == nil {
		return
	}
	m.CollectorFails.WithLabelValues(name).Inc()
}

// Cycle records how long a scheduler cycle took.
func (m *Metrics) Cycle(name string, d time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.WithLabelValues(name).Observe(d.Seconds())
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/graphassets/engine/domain/assets"
)

// EngineMetrics adapts a dedicated Prometheus registry to the
// domain/assets/engine.Metrics interface: one tick-duration histogram, one
// decision-reason counter vec, and one materialization-status counter vec.
// These are the only collectors the package defines; it has no HTTP or
// database collectors.
type EngineMetrics struct {
	TickDuration           prometheus.Histogram
	DecisionsTotal         *prometheus.CounterVec
	MaterializationsTotal  *prometheus.CounterVec
}

// NewEngineMetrics creates an EngineMetrics instance registered against the
// default Prometheus registerer.
func NewEngineMetrics() *EngineMetrics {
	return NewEngineMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewEngineMetricsWithRegistry creates an EngineMetrics instance registered
// against a custom registerer (tests use a throwaway prometheus.NewRegistry()
// to avoid collisions with the global default registerer).
func NewEngineMetricsWithRegistry(registerer prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "engine_tick_duration_seconds",
				Help:    "Duration of one planner tick across all enabled roots and fanout roots",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_decisions_total",
				Help: "Total number of decision log entries recorded, by decision reason",
			},
			[]string{"reason"},
		),
		MaterializationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_materializations_total",
				Help: "Total number of materialization attempts, by terminal status",
			},
			[]string{"status"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(m.TickDuration, m.DecisionsTotal, m.MaterializationsTotal)
	}

	return m
}

// ObserveTick satisfies engine.Metrics.
func (m *EngineMetrics) ObserveTick(d time.Duration) {
	m.TickDuration.Observe(d.Seconds())
}

// IncDecision satisfies engine.Metrics.
func (m *EngineMetrics) IncDecision(reason assets.DecisionReason) {
	m.DecisionsTotal.WithLabelValues(string(reason)).Inc()
}

// IncMaterialization satisfies engine.Metrics.
func (m *EngineMetrics) IncMaterialization(status assets.MaterializationStatus) {
	m.MaterializationsTotal.WithLabelValues(string(status)).Inc()
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the create-or-match orchestrator.
type Metrics struct {
	Decisions       *prometheus.CounterVec
	ResolveDuration prometheus.Histogram
}

// New creates a new Metrics instance with all resolve metrics registered.
func New() *Metrics {
	return &Metrics{
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_resolve_decisions_total",
			Help: "Resolve outcomes by decision type",
		}, []string{"decision_type"}),
		ResolveDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "atlas_resolve_duration_seconds",
			Help:    "Duration of ResolveOrCreate operations end to end",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// RecordDecision counts one resolve outcome.
func (m *Metrics) RecordDecision(decisionType string) {
	m.Decisions.WithLabelValues(decisionType).Inc()
}

// ObserveResolve records the duration of a ResolveOrCreate operation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveResolve(start time.Time) {
	m.ResolveDuration.Observe(time.Since(start).Seconds())
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the matcher.
type Metrics struct {
	Outcomes      *prometheus.CounterVec
	MatchDuration prometheus.Histogram
}

// New creates a new Metrics instance with all matcher metrics registered.
func New() *Metrics {
	return &Metrics{
		Outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_match_outcomes_total",
			Help: "Match outcomes by kind (exact, composite, none, invariant_violation)",
		}, []string{"outcome"}),
		MatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "atlas_match_duration_seconds",
			Help:    "Duration of Match calls including candidate scoring",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// RecordOutcome counts one match result.
func (m *Metrics) RecordOutcome(outcome string) {
	m.Outcomes.WithLabelValues(outcome).Inc()
}

// ObserveMatch records the duration of a Match call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveMatch(start time.Time) {
	m.MatchDuration.Observe(time.Since(start).Seconds())
}

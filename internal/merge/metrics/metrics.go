package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the merge engine.
type Metrics struct {
	Merges        *prometheus.CounterVec
	MovedRows     *prometheus.CounterVec
	MergeDuration prometheus.Histogram
}

// New creates a new Metrics instance with all merge metrics registered.
func New() *Metrics {
	return &Metrics{
		Merges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_merges_total",
			Help: "Completed merges by entity type",
		}, []string{"entity_type"}),
		MovedRows: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_merge_moved_rows_total",
			Help: "Rows transferred during merges by kind (identifier, relationship, observation)",
		}, []string{"kind"}),
		MergeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "atlas_merge_duration_seconds",
			Help:    "Duration of merge transactions",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

// RecordMerge counts one completed merge.
func (m *Metrics) RecordMerge(entityType string) {
	m.Merges.WithLabelValues(entityType).Inc()
}

// AddMovedRows counts rows transferred under one kind.
func (m *Metrics) AddMovedRows(kind string, n int) {
	m.MovedRows.WithLabelValues(kind).Add(float64(n))
}

// ObserveMerge records the duration of a merge transaction.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveMerge(start time.Time) {
	m.MergeDuration.Observe(time.Since(start).Seconds())
}

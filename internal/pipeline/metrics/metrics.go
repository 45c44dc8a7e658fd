package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the staged-record pipeline.
type Metrics struct {
	Ingested      *prometheus.CounterVec
	Processed     *prometheus.CounterVec
	BatchDuration prometheus.Histogram
}

// New creates a new Metrics instance with all pipeline metrics registered.
func New() *Metrics {
	return &Metrics{
		Ingested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_pipeline_ingested_total",
			Help: "Staged row-versions ingested by source system",
		}, []string{"source_system"}),
		Processed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_pipeline_processed_total",
			Help: "Staged records processed by source system and result (ok, error, no_processor)",
		}, []string{"source_system", "result"}),
		BatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "atlas_pipeline_batch_duration_seconds",
			Help:    "Duration of one full dispatch batch across all registrations",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

// RecordIngested counts one staged row-version.
func (m *Metrics) RecordIngested(sourceSystem string) {
	m.Ingested.WithLabelValues(sourceSystem).Inc()
}

// RecordProcessed counts one processed record.
func (m *Metrics) RecordProcessed(sourceSystem, result string) {
	m.Processed.WithLabelValues(sourceSystem, result).Inc()
}

// ObserveBatch records the duration of one dispatch batch.
// Call with time.Now() at the start of the batch.
func (m *Metrics) ObserveBatch(start time.Time) {
	m.BatchDuration.Observe(time.Since(start).Seconds())
}

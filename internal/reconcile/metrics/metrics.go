package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	StaleFlagged prometheus.Counter
	Changes      *prometheus.CounterVec
	ScanDuration prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		StaleFlagged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "atlas_reconcile_stale_flagged_total",
			Help: "Relationships flagged because their source row changed upstream.",
		}),
		Changes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_reconcile_changes_total",
			Help: "Field changes found by reconciliation runs.",
		}, []string{"mode", "action"}),
		ScanDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "atlas_reconcile_scan_duration_seconds",
			Help:    "Duration of detector and reconciler passes.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) RecordChange(mode, action string) {
	m.Changes.WithLabelValues(mode, action).Inc()
}

func (m *Metrics) ObserveScan(start time.Time) {
	m.ScanDuration.Observe(time.Since(start).Seconds())
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Outcomes *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		Outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_edit_lease_outcomes_total",
			Help: "Edit lease operations by outcome; rejections measure editor contention.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) RecordOutcome(outcome string) {
	m.Outcomes.WithLabelValues(outcome).Inc()
}

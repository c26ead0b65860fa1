package drift

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type driftMetrics struct {
	checks   prometheus.Counter
	findings *prometheus.CounterVec
}

func newDriftMetrics(reg prometheus.Registerer) *driftMetrics {
	m := &driftMetrics{
		checks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "drift",
			Name:      "checks_total",
			Help:      "Drift detection runs.",
		}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "drift",
			Name:      "findings_total",
			Help:      "Drift findings by class.",
		}, []string{"class"}),
	}
	reg.MustRegister(m.checks, m.findings)
	return m
}

var (
	defaultDriftMetricsOnce sync.Once
	defaultDriftMetrics     *driftMetrics
)

func getDefaultDriftMetrics() *driftMetrics {
	defaultDriftMetricsOnce.Do(func() {
		defaultDriftMetrics = newDriftMetrics(prometheus.DefaultRegisterer)
	})
	return defaultDriftMetrics
}

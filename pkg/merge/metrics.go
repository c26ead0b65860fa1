package merge

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type mergeMetrics struct {
	merges            *prometheus.CounterVec
	conflictsDetected prometheus.Counter
	conflictsResolved prometheus.Counter
}

func newMergeMetrics(reg prometheus.Registerer) *mergeMetrics {
	m := &mergeMetrics{
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "merge",
			Name:      "attempts_total",
			Help:      "Merge attempts by outcome status.",
		}, []string{"status"}),
		conflictsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "merge",
			Name:      "conflicts_detected_total",
			Help:      "Conflicted paths found during merges.",
		}),
		conflictsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "merge",
			Name:      "conflicts_resolved_total",
			Help:      "Conflict resolutions recorded in merge sessions.",
		}),
	}
	reg.MustRegister(m.merges, m.conflictsDetected, m.conflictsResolved)
	return m
}

var (
	defaultMergeMetricsOnce sync.Once
	defaultMergeMetrics     *mergeMetrics
)

func getDefaultMergeMetrics() *mergeMetrics {
	defaultMergeMetricsOnce.Do(func() {
		defaultMergeMetrics = newMergeMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMergeMetrics
}

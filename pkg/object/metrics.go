package object

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "strata"
	metricsSubsystem = "store"
)

type storeMetrics struct {
	objectsWritten *prometheus.CounterVec
	dedupHits      *prometheus.CounterVec
	bytesWritten   prometheus.Counter
}

var (
	defaultStoreMetricsOnce sync.Once
	defaultStoreMetricsInst *storeMetrics
)

func getDefaultStoreMetrics() *storeMetrics {
	defaultStoreMetricsOnce.Do(func() {
		defaultStoreMetricsInst = newStoreMetrics(prometheus.DefaultRegisterer)
	})
	return defaultStoreMetricsInst
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	m := &storeMetrics{
		objectsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "objects_written_total",
			Help:      "Total number of objects physically written.",
		}, []string{"type"}),
		dedupHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dedup_hits_total",
			Help:      "Total number of writes that deduplicated to an existing object.",
		}, []string{"type"}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "bytes_written_total",
			Help:      "Total uncompressed payload bytes written.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.objectsWritten, m.dedupHits, m.bytesWritten)
	}
	return m
}

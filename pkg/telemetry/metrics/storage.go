package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StorageMetrics tracks the state of the counter backend.
//
// Metrics:
//   - floodgate_storage_cleanup_runs_total: cleanup cycles by result
//   - floodgate_storage_cleanup_deleted_total: counters removed by cleanup
//   - floodgate_storage_live_counters: counters held by the backend
//   - floodgate_resources: configured resources
type StorageMetrics struct {
	cleanupRuns    *prometheus.CounterVec
	cleanupDeleted prometheus.Counter
	liveCounters   prometheus.Gauge
	resources      prometheus.Gauge
}

// NewStorageMetrics creates and registers the storage metrics with registry.
func NewStorageMetrics(namespace string, registry *prometheus.Registry) *StorageMetrics {
	sm := &StorageMetrics{
		cleanupRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "cleanup_runs_total",
				Help:      "Total number of cleanup cycles by result",
			},
			[]string{"result"},
		),

		cleanupDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "cleanup_deleted_total",
				Help:      "Total number of expired counters removed by cleanup",
			},
		),

		liveCounters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "live_counters",
				Help:      "Number of counters held by the storage backend",
			},
		),

		resources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources",
				Help:      "Number of configured resources",
			},
		),
	}

	registry.MustRegister(
		sm.cleanupRuns,
		sm.cleanupDeleted,
		sm.liveCounters,
		sm.resources,
	)

	return sm
}

// RecordCleanup records one cleanup cycle.
func (sm *StorageMetrics) RecordCleanup(deleted int, err error) {
	if err != nil {
		sm.cleanupRuns.WithLabelValues("error").Inc()
		return
	}
	sm.cleanupRuns.WithLabelValues("success").Inc()
	sm.cleanupDeleted.Add(float64(deleted))
}

// SetLiveCounters sets the live counter gauge.
func (sm *StorageMetrics) SetLiveCounters(n int) {
	sm.liveCounters.Set(float64(n))
}

// SetResources sets the configured resources gauge.
func (sm *StorageMetrics) SetResources(n int) {
	sm.resources.Set(float64(n))
}

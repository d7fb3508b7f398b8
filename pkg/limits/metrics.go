package limits

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the limits package.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	calls            *prometheus.CounterVec
	breaches         *prometheus.CounterVec
	storageFailures  *prometheus.CounterVec
	callbackFailures *prometheus.CounterVec
	evalDuration     *prometheus.HistogramVec
}

// NewMetrics creates the limits collectors and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floodgate_limits_calls_total",
				Help: "Total number of calls evaluated, by outcome",
			},
			[]string{"resource", "result"},
		),

		breaches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floodgate_limits_breaches_total",
				Help: "Total number of limit breaches",
			},
			[]string{"resource", "limit"},
		),

		storageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floodgate_limits_storage_failures_total",
				Help: "Total number of limits that could not be counted because the backend failed",
			},
			[]string{"resource", "policy"},
		),

		callbackFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floodgate_limits_callback_failures_total",
				Help: "Total number of exceeded callbacks that returned an error or panicked",
			},
			[]string{"resource", "limit"},
		),

		evalDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "floodgate_limits_evaluation_duration_seconds",
				Help:    "Duration of call evaluations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.000001, 2, 15), // 1µs to 16ms
			},
			[]string{"resource"},
		),
	}
}

// RecordCall records one evaluated call. result is one of "allowed",
// "blocked", "error" or "failed_open".
func (m *Metrics) RecordCall(resource, result string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(resource, result).Inc()
}

// RecordBreach records a breach of one limit.
func (m *Metrics) RecordBreach(resource, limit string) {
	if m == nil {
		return
	}
	m.breaches.WithLabelValues(resource, limit).Inc()
}

// RecordStorageFailure records a limit that could not be counted.
func (m *Metrics) RecordStorageFailure(resource string, policy FailurePolicy) {
	if m == nil {
		return
	}
	m.storageFailures.WithLabelValues(resource, string(policy)).Inc()
}

// RecordCallbackFailure records a failed exceeded callback.
func (m *Metrics) RecordCallbackFailure(resource, limit string) {
	if m == nil {
		return
	}
	m.callbackFailures.WithLabelValues(resource, limit).Inc()
}

// RecordEvaluationDuration records how long one evaluation took.
func (m *Metrics) RecordEvaluationDuration(resource string, d time.Duration) {
	if m == nil {
		return
	}
	m.evalDuration.WithLabelValues(resource).Observe(d.Seconds())
}

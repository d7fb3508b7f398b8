package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics tracks the requests served by the HTTP API.
//
// Metrics:
//   - floodgate_http_requests_total: requests by route, method and status code
//   - floodgate_http_request_duration_seconds: request latency by route
//   - floodgate_check_requests_total: check requests by resource and outcome
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	checksTotal     *prometheus.CounterVec
}

// NewHTTPMetrics creates and registers the HTTP metrics with registry.
func NewHTTPMetrics(namespace string, buckets []float64, registry *prometheus.Registry) *HTTPMetrics {
	hm := &HTTPMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "method", "code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   buckets,
			},
			[]string{"route"},
		),

		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "check_requests_total",
				Help:      "Total number of check requests by resource and outcome",
			},
			[]string{"resource", "outcome"},
		),
	}

	registry.MustRegister(
		hm.requestsTotal,
		hm.requestDuration,
		hm.checksTotal,
	)

	return hm
}

// RecordRequest records one served request.
func (hm *HTTPMetrics) RecordRequest(route, method, code string, duration time.Duration) {
	hm.requestsTotal.WithLabelValues(route, method, code).Inc()
	hm.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordCheck records one check request outcome.
func (hm *HTTPMetrics) RecordCheck(resource, outcome string) {
	hm.checksTotal.WithLabelValues(resource, outcome).Inc()
}

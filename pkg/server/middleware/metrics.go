package middleware

import (
	"net/http"
	"time"

	"mercator-hq/floodgate/pkg/telemetry/metrics"
)

// MetricsMiddleware records the count and latency of every request, labelled
// by matched route rather than raw path.
func MetricsMiddleware(collector *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			r, route := withRoute(r)
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			collector.RecordRequest(route.route(), r.Method, rw.statusCode, time.Since(started))
		})
	}
}

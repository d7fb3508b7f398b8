// Package metrics provides the Prometheus metrics of the floodgate service.
//
// # Metrics Categories
//
//   - HTTP Metrics: request count and latency by route, check outcomes by resource
//   - Storage Metrics: cleanup cycles, removed and live counters, configured resources
//   - Limits Metrics: calls, breaches, storage and callback failures recorded by
//     the enforcers (see pkg/limits/metrics.go)
//
// All three share the collector's registry, so a single scrape endpoint
// exposes everything:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	factory := limits.NewFactory(backend, limits.WithMetrics(collector.Limits()))
//	mux.Handle("/metrics", collector.Handler())
//
// # Cardinality Management
//
// Resource names on check requests come from clients. Only the first
// DefaultMaxResources distinct names get their own label value; the rest are
// counted under "other".
package metrics

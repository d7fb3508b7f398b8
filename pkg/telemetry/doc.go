// Package telemetry groups the observability packages of Floodgate.
//
// # Components
//
//   - logging: structured slog logging with request-scoped attributes and redaction
//   - metrics: Prometheus collectors for checks, limits, storage and HTTP traffic
//   - tracing: OpenTelemetry spans exported over OTLP/gRPC
//   - health: liveness and readiness endpoints backed by registered checks
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, prometheus.NewRegistry())
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing, version)
//	factory := limits.NewFactory(backend,
//		limits.WithMetrics(collector.Limits()),
//		limits.WithTracer(tracer.Tracer()),
//	)
//
// A disabled collector or tracer is a no-op, so callers never check whether
// telemetry is turned on.
//
// # Redaction
//
// The logging package redacts API keys and other secrets found in log
// attributes before they reach the handler.
package telemetry

// Package tracing provides OpenTelemetry distributed tracing for floodgate.
//
// Spans are exported over OTLP gRPC. Trace context arrives and leaves in W3C
// Trace Context headers:
//
//	traceparent: 00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01
//
// # Sampling Strategies
//
//   - always: sample all traces (development/debugging)
//   - never: sample no traces
//   - ratio: sample a fraction of traces, keyed by trace ID (production)
//
// All strategies respect the sampling decision of an incoming parent span.
//
// # Usage
//
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing, version)
//	if err != nil {
//	    return err
//	}
//	defer tracer.Shutdown(context.Background())
//
//	factory := limits.NewFactory(backend, limits.WithTracer(tracer.Tracer()))
//
// Every check request then produces a span tree:
//
//	POST /v1/check/{resource}
//	└── limits.Evaluate
//
// When tracing is disabled, New returns a noop tracer.
package tracing

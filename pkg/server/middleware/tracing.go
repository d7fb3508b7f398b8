package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/floodgate/pkg/telemetry/tracing"
)

// TracingMiddleware continues the W3C trace context of the request, or starts
// a new trace, and wraps the request in a server span named after the
// matched route.
func TracingMiddleware(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := tracing.Extract(r.Context(), r.Header)
			ctx, span := tracer.Start(ctx, r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			tracing.SetRequestAttributes(span, GetRequestID(ctx))

			r, route := withRoute(r.WithContext(ctx))
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			span.SetName(spanName(r.Method, route.route()))
			span.SetAttributes(
				attribute.String("http.route", route.route()),
				attribute.Int("http.response.status_code", rw.statusCode),
			)
			if rw.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
			}
		})
	}
}

// spanName prefixes route with method unless the pattern already names it.
func spanName(method, route string) string {
	if strings.HasPrefix(route, method+" ") {
		return route
	}
	return method + " " + route
}

// Package middleware provides the HTTP middleware of the floodgate server.
//
// The server chains them outermost first:
//
//	RequestIDMiddleware   assigns X-Request-ID and stores it for logging
//	RecoveryMiddleware    turns handler panics into 500 responses
//	TracingMiddleware     continues or starts a trace, one server span per request
//	LoggingMiddleware     logs every completed request
//	MetricsMiddleware     records request count and latency by route
//	BodyLimitMiddleware   caps request bodies
//
// Handlers registered on the mux are wrapped with Route, which reports the
// matched pattern back to the tracing, logging and metrics middleware so
// that labels stay bounded:
//
//	mux.Handle("POST /v1/check/{resource}", middleware.Route(checkHandler))
package middleware

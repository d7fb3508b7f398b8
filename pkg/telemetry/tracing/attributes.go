package tracing

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys use the "floodgate.*" namespace. The enforcers set the
// resource, admitted and breached keys on their own spans.
const (
	AttrRequestID  = "floodgate.request_id"
	AttrResource   = "floodgate.resource"
	AttrAdmitted   = "floodgate.admitted"
	AttrBreached   = "floodgate.breached"
	AttrRetryAfter = "floodgate.retry_after_ms"
	AttrFailedOpen = "floodgate.failed_open"
)

// SetRequestAttributes sets the request ID on span.
func SetRequestAttributes(span trace.Span, requestID string) {
	if requestID == "" {
		return
	}
	span.SetAttributes(attribute.String(AttrRequestID, requestID))
}

// SetCheckAttributes sets the outcome of a check request on span.
//
// Example:
//
//	SetCheckAttributes(span, "search", false, 1, 42*time.Minute, false)
func SetCheckAttributes(span trace.Span, resource string, admitted bool, breached int, retryAfter time.Duration, failedOpen bool) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrResource, resource),
		attribute.Bool(AttrAdmitted, admitted),
		attribute.Int(AttrBreached, breached),
	}
	if retryAfter > 0 {
		attrs = append(attrs, attribute.Int64(AttrRetryAfter, retryAfter.Milliseconds()))
	}
	if failedOpen {
		attrs = append(attrs, attribute.Bool(AttrFailedOpen, true))
	}
	span.SetAttributes(attrs...)
}

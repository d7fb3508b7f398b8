package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"mercator-hq/floodgate/pkg/config"
	"mercator-hq/floodgate/pkg/telemetry/metrics"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// testMux routes GET /items/{id} and answers 404 for everything else.
func testMux(status int) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /items/{id}", Route(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})))
	return mux
}

// ============================================================================
// Request ID
// ============================================================================

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	tests := []struct {
		name     string
		header   string
		wantKept bool
	}{
		{name: "generates when missing", header: ""},
		{name: "keeps client id", header: "custom-request-id-12345", wantKept: true},
		{name: "replaces id with spaces", header: "bad id"},
		{name: "replaces oversized id", header: strings.Repeat("a", maxRequestIDLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			got := rec.Header().Get(RequestIDHeader)
			if got != seen {
				t.Errorf("header %q does not match context %q", got, seen)
			}
			if tt.wantKept && got != tt.header {
				t.Errorf("expected client id %q, got %q", tt.header, got)
			}
			if !tt.wantKept && len(got) != 36 {
				t.Errorf("expected generated UUID, got %q", got)
			}
		})
	}
}

func TestRequestIDMiddleware_Unique(t *testing.T) {
	handler := RequestIDMiddleware(okHandler())
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		ids[rec.Header().Get(RequestIDHeader)] = true
	}
	if len(ids) != 100 {
		t.Errorf("expected 100 unique ids, got %d", len(ids))
	}
}

// ============================================================================
// Recovery
// ============================================================================

func TestRecoveryMiddleware(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Error.Code != "internal_error" || strings.Contains(body.Error.Message, "boom") {
		t.Errorf("unexpected error body: %+v", body)
	}
	if !strings.Contains(logs.String(), "panic in handler") || !strings.Contains(logs.String(), "boom") {
		t.Errorf("expected panic to be logged, got %s", logs.String())
	}
}

func TestRecoveryMiddleware_NoPanic(t *testing.T) {
	rec := httptest.NewRecorder()
	RecoveryMiddleware(nil)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// ============================================================================
// Logging
// ============================================================================

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		status    int
		wantLevel string
		wantRoute string
	}{
		{name: "ok", path: "/items/1", status: http.StatusOK, wantLevel: "INFO", wantRoute: "GET /items/{id}"},
		{name: "rate limited", path: "/items/1", status: http.StatusTooManyRequests, wantLevel: "INFO", wantRoute: "GET /items/{id}"},
		{name: "bad request", path: "/items/1", status: http.StatusBadRequest, wantLevel: "WARN", wantRoute: "GET /items/{id}"},
		{name: "server error", path: "/items/1", status: http.StatusServiceUnavailable, wantLevel: "ERROR", wantRoute: "GET /items/{id}"},
		{name: "unmatched", path: "/nowhere", status: http.StatusNotFound, wantLevel: "WARN", wantRoute: UnmatchedRoute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&logs, nil))
			handler := LoggingMiddleware(logger)(testMux(tt.status))

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

			var entry map[string]any
			if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
				t.Fatalf("failed to decode log entry: %v (%s)", err, logs.String())
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("expected level %s, got %v", tt.wantLevel, entry["level"])
			}
			if entry["route"] != tt.wantRoute {
				t.Errorf("expected route %q, got %v", tt.wantRoute, entry["route"])
			}
			if entry["status"] != float64(tt.status) {
				t.Errorf("expected status %d, got %v", tt.status, entry["status"])
			}
		})
	}
}

// ============================================================================
// Metrics
// ============================================================================

func TestMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(&config.MetricsConfig{Enabled: true, Namespace: "test"}, registry)

	handler := MetricsMiddleware(collector)(testMux(http.StatusOK))
	for _, path := range []string{"/items/1", "/items/2", "/missing"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	expected := `
		# HELP test_http_requests_total Total number of HTTP requests
		# TYPE test_http_requests_total counter
		test_http_requests_total{code="200",method="GET",route="GET /items/{id}"} 2
		test_http_requests_total{code="404",method="GET",route="unmatched"} 1
	`
	if err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "test_http_requests_total"); err != nil {
		t.Error(err)
	}
}

// ============================================================================
// Tracing
// ============================================================================

func TestTracingMiddleware(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer provider.Shutdown(context.Background())

	handler := RequestIDMiddleware(TracingMiddleware(provider.Tracer("test"))(testMux(http.StatusServiceUnavailable)))

	req := httptest.NewRequest(http.MethodGet, "/items/7", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "GET /items/{id}" {
		t.Errorf("unexpected span name %q", span.Name)
	}

	attrs := make(map[string]string)
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["floodgate.request_id"] != "req-42" {
		t.Errorf("expected request id attribute, got %v", attrs)
	}
	if attrs["http.response.status_code"] != "503" {
		t.Errorf("expected status code attribute 503, got %v", attrs["http.response.status_code"])
	}
	if span.Status.Code.String() != "Error" {
		t.Errorf("expected error status, got %v", span.Status.Code)
	}
}

func TestTracingMiddleware_Noop(t *testing.T) {
	handler := TracingMiddleware(noop.NewTracerProvider().Tracer("test"))(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// ============================================================================
// Body limit
// ============================================================================

func TestBodyLimitMiddleware(t *testing.T) {
	var readErr error
	handler := BodyLimitMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))

	var maxErr *http.MaxBytesError
	if !errors.As(readErr, &maxErr) {
		t.Errorf("expected MaxBytesError, got %v", readErr)
	}

	handler = BodyLimitMiddleware(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	if readErr != nil {
		t.Errorf("expected no limit, got %v", readErr)
	}
}

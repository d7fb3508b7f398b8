package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"mercator-hq/floodgate/pkg/catalog"
	"mercator-hq/floodgate/pkg/limits"
	"mercator-hq/floodgate/pkg/limits/storage"
	"mercator-hq/floodgate/pkg/server/middleware"
	"mercator-hq/floodgate/pkg/telemetry/logging"
	"mercator-hq/floodgate/pkg/telemetry/tracing"
)

// CheckRequest is the body of POST /v1/check/{resource}.
type CheckRequest struct {
	Attributes map[string]string `json:"attributes"`
}

// CheckResponse reports the decision on one call.
type CheckResponse struct {
	Resource     string        `json:"resource"`
	Admitted     bool          `json:"admitted"`
	FailedOpen   bool          `json:"failed_open,omitempty"`
	RetryAfterMS int64         `json:"retry_after_ms,omitempty"`
	Limits       []LimitStatus `json:"limits"`
	Error        string        `json:"error,omitempty"`
}

// LimitStatus reports the state of one limit's bucket after the call.
type LimitStatus struct {
	Name      string    `json:"name"`
	Capacity  int64     `json:"capacity"`
	Duration  string    `json:"duration"`
	Count     int64     `json:"count"`
	Remaining int64     `json:"remaining"`
	Breached  bool      `json:"breached"`
	ResetAt   time.Time `json:"reset_at"`
	Error     string    `json:"error,omitempty"`
}

// CounterInfo describes one live counter.
type CounterInfo struct {
	Key         string    `json:"key"`
	Resource    string    `json:"resource"`
	Limit       string    `json:"limit"`
	Property    string    `json:"property"`
	WindowStart time.Time `json:"window_start"`
	Duration    string    `json:"duration"`
	ExpiresAt   time.Time `json:"expires_at"`
	Count       int64     `json:"count"`
}

// CountersResponse is the body of GET /v1/counters.
type CountersResponse struct {
	Counters []CounterInfo `json:"counters"`
	Total    int           `json:"total"`
}

// ResourcesResponse is the body of GET /v1/resources.
type ResourcesResponse struct {
	Resources []catalog.ResourceInfo `json:"resources"`
}

// Check outcomes, used as metric labels.
const (
	outcomeAdmitted        = "admitted"
	outcomeFailedOpen      = "failed_open"
	outcomeRejected        = "rejected"
	outcomeStorageError    = "storage_error"
	outcomeUnknownResource = "unknown_resource"
	outcomeBadRequest      = "bad_request"
)

// handleCheck counts one call against a resource.
//
// Returns 200 when admitted, 429 with Retry-After when a limit is breached,
// 503 when the backend failed and the resource fails closed, 404 for an
// unknown resource and 400 for a malformed body or a missing attribute.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")
	ctx := logging.WithResource(r.Context(), resource)

	var req CheckRequest
	if err := decodeJSON(r, &req); err != nil {
		s.metrics.RecordCheck(resource, outcomeBadRequest)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, "body_too_large",
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return
		}
		middleware.WriteError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	decision, err := s.catalog.Check(ctx, resource, catalog.Attributes(req.Attributes))
	switch {
	case errors.Is(err, limits.ErrUnknownResource):
		s.metrics.RecordCheck(resource, outcomeUnknownResource)
		middleware.WriteError(w, http.StatusNotFound, "unknown_resource", err.Error())
		return
	case errors.Is(err, catalog.ErrMissingAttribute):
		s.metrics.RecordCheck(resource, outcomeBadRequest)
		middleware.WriteError(w, http.StatusBadRequest, "missing_attribute", err.Error())
		return
	case err != nil:
		s.logger.ErrorContext(ctx, "check failed", "error", err)
		middleware.WriteError(w, http.StatusInternalServerError, "internal_error", "check failed")
		return
	}

	tracing.SetCheckAttributes(trace.SpanFromContext(ctx), resource,
		decision.Admitted, len(decision.Breached), decision.RetryAfter, decision.FailedOpen)

	resp := newCheckResponse(decision)
	setLimitHeaders(w, decision)

	status := http.StatusOK
	outcome := outcomeAdmitted
	switch {
	case decision.Admitted && decision.FailedOpen:
		outcome = outcomeFailedOpen
	case len(decision.Breached) > 0:
		status = http.StatusTooManyRequests
		outcome = outcomeRejected
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(decision.RetryAfter), 10))
	case !decision.Admitted:
		status = http.StatusServiceUnavailable
		outcome = outcomeStorageError
	}

	s.metrics.RecordCheck(resource, outcome)
	writeJSON(w, status, resp)
}

// handleResources lists the configured resources and their limits.
func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ResourcesResponse{Resources: s.catalog.Resources()})
}

// handleCounters returns the live counters, optionally restricted to the
// resource named by the "resource" query parameter.
func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resource := r.URL.Query().Get("resource")

	var (
		counters map[storage.LimitKey]int64
		err      error
	)
	if resource == "" {
		counters, err = s.catalog.Counters(ctx)
		if err == nil {
			s.metrics.SetLiveCounters(len(counters))
		}
	} else {
		enforcer, lerr := s.catalog.Lookup(resource)
		if lerr != nil {
			middleware.WriteError(w, http.StatusNotFound, "unknown_resource", lerr.Error())
			return
		}
		counters, err = enforcer.CurrentCounters(ctx)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to read counters", "error", err)
		middleware.WriteError(w, http.StatusServiceUnavailable, "storage_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, newCountersResponse(counters))
}

func newCheckResponse(d *limits.Decision) CheckResponse {
	resp := CheckResponse{
		Resource:   d.Resource,
		Admitted:   d.Admitted,
		FailedOpen: d.FailedOpen,
		Limits:     make([]LimitStatus, 0, len(d.Results)),
	}
	if d.RetryAfter > 0 {
		resp.RetryAfterMS = d.RetryAfter.Milliseconds()
	}
	if err := d.Err(); err != nil {
		resp.Error = err.Error()
	}

	for _, res := range d.Results {
		status := LimitStatus{
			Name:      res.Definition.Name(),
			Capacity:  res.Definition.Capacity(),
			Duration:  limits.FormatISODuration(res.Definition.Duration()),
			Count:     res.Count,
			Remaining: res.Remaining(),
			Breached:  res.Breached,
			ResetAt:   res.Key.Expiration(),
		}
		if res.Err != nil {
			status.Error = res.Err.Error()
		}
		resp.Limits = append(resp.Limits, status)
	}
	return resp
}

// setLimitHeaders reports the most constrained counted limit in the
// X-RateLimit-* headers.
func setLimitHeaders(w http.ResponseWriter, d *limits.Decision) {
	var tightest *limits.LimitResult
	for i := range d.Results {
		res := &d.Results[i]
		if res.Err != nil {
			continue
		}
		if tightest == nil || res.Remaining() < tightest.Remaining() {
			tightest = res
		}
	}
	if tightest == nil {
		return
	}

	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(tightest.Definition.Capacity(), 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(tightest.Remaining(), 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(tightest.Key.Expiration().Unix(), 10))
}

// retryAfterSeconds rounds up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func newCountersResponse(counters map[storage.LimitKey]int64) CountersResponse {
	infos := make([]CounterInfo, 0, len(counters))
	for key, count := range counters {
		infos = append(infos, CounterInfo{
			Key:         key.String(),
			Resource:    key.Resource,
			Limit:       key.Limit,
			Property:    key.PropertyString(),
			WindowStart: key.Start(),
			Duration:    limits.FormatISODuration(key.Duration),
			ExpiresAt:   key.Expiration(),
			Count:       count,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		a, b := infos[i], infos[j]
		if a.Resource != b.Resource {
			return a.Resource < b.Resource
		}
		if a.Limit != b.Limit {
			return a.Limit < b.Limit
		}
		if a.Property != b.Property {
			return a.Property < b.Property
		}
		return a.WindowStart.Before(b.WindowStart)
	})

	return CountersResponse{Counters: infos, Total: len(infos)}
}

// decodeJSON decodes the request body into v. An empty body leaves v unchanged.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

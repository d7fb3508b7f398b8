package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordedByEnforcer(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	factory, _ := newTestFactory(t, WithMetrics(metrics))

	failing := perUser(1, time.Hour).
		WithExceededCallback(func(LimitDefinition, user) error { return errors.New("nope") }).
		MustBuild()
	enforcer := mustEnforce[user](t, factory, "api", failing)

	ctx := context.Background()
	enforcer.TryCall(ctx, john)
	enforcer.TryCall(ctx, john)
	enforcer.TryCall(ctx, john)

	if got := testutil.ToFloat64(metrics.calls.WithLabelValues("api", "allowed")); got != 1 {
		t.Errorf("Expected 1 allowed call, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.calls.WithLabelValues("api", "blocked")); got != 2 {
		t.Errorf("Expected 2 blocked calls, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.breaches.WithLabelValues("api", "perUser")); got != 2 {
		t.Errorf("Expected 2 breaches, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.callbackFailures.WithLabelValues("api", "perUser")); got != 2 {
		t.Errorf("Expected 2 callback failures, got %v", got)
	}
	if got := testutil.CollectAndCount(metrics.evalDuration); got != 1 {
		t.Errorf("Expected 1 duration series, got %d", got)
	}
}

func TestMetrics_StorageFailures(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	backend := newFailingFactory(t, FailOpen, "perUser").Backend()
	factory := NewFactory(backend, WithMetrics(metrics), WithFailurePolicy(FailOpen))
	enforcer := mustEnforce[user](t, factory, "api", perUser(1, time.Hour).MustBuild())

	enforcer.TryCall(context.Background(), john)

	if got := testutil.ToFloat64(metrics.storageFailures.WithLabelValues("api", "fail_open")); got != 1 {
		t.Errorf("Expected 1 storage failure, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.calls.WithLabelValues("api", "failed_open")); got != 1 {
		t.Errorf("Expected 1 failed_open call, got %v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordCall("api", "allowed")
	m.RecordBreach("api", "perUser")
	m.RecordStorageFailure("api", FailClosed)
	m.RecordCallbackFailure("api", "perUser")
	m.RecordEvaluationDuration("api", time.Millisecond)
}

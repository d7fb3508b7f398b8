package limits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/floodgate/pkg/limits/storage"
)

// Enforcer evaluates every registered limit of one resource against each call.
//
// For every call, in registration order, the enforcer extracts the limit's
// property, builds the key of the current window, and increments it. Every
// limit is incremented on every call, breached or not, so counters record
// attempted calls. A call is admitted only if no limit was breached.
//
// Enforcer holds no per-call state and is safe for concurrent use. Create
// enforcers with Enforce.
type Enforcer[C any] struct {
	resource string
	rules    []Rule[C]
	backend  storage.Backend
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	policy   FailurePolicy
}

// Resource returns the resource name.
func (e *Enforcer[C]) Resource() string {
	return e.resource
}

// Definitions returns the registered limit definitions in registration order.
func (e *Enforcer[C]) Definitions() []LimitDefinition {
	defs := make([]LimitDefinition, len(e.rules))
	for i, rule := range e.rules {
		defs[i] = rule.Definition()
	}
	return defs
}

// FailurePolicy returns the storage failure policy applied by this enforcer.
func (e *Enforcer[C]) FailurePolicy() FailurePolicy {
	return e.policy
}

// TryCall evaluates c and reports whether it was admitted.
//
// A breach returns (false, nil). The error is non-nil only for storage
// faults under FailClosed, in which case the call is not admitted and the
// error matches ErrStorageFailure.
func (e *Enforcer[C]) TryCall(ctx context.Context, c C) (bool, error) {
	d := e.Evaluate(ctx, c)
	return d.Admitted, d.storageErr()
}

// Call evaluates c and returns nil if it was admitted.
//
// On breach it returns a *LimitsExceededError listing every breached limit in
// registration order. Under FailClosed, storage faults are returned as
// *StorageError values, combined with the breach error when both occur.
func (e *Enforcer[C]) Call(ctx context.Context, c C) error {
	return e.Evaluate(ctx, c).Err()
}

// Evaluate runs the enforcement protocol for c and returns the full decision.
// TryCall and Call are thin views over it.
func (e *Enforcer[C]) Evaluate(ctx context.Context, c C) *Decision {
	started := time.Now()
	now := e.clock.Now()

	ctx, span := e.tracer.Start(ctx, "limits.Evaluate",
		trace.WithAttributes(attribute.String("floodgate.resource", e.resource)))
	defer span.End()

	decision := &Decision{
		Resource: e.resource,
		Results:  make([]LimitResult, 0, len(e.rules)),
		Context:  c,
	}

	for _, rule := range e.rules {
		def := rule.Definition()

		property, ok := e.extract(rule, def, c)
		if !ok {
			continue
		}

		key := storage.NewLimitKey(e.resource, def.Name(), property, now, def.Duration())
		result := LimitResult{Definition: def, Key: key}

		count, err := e.backend.IncrementAndGet(ctx, key)
		if err != nil {
			serr := &StorageError{
				Resource: e.resource,
				Limit:    def.Name(),
				Policy:   e.policy,
				Err:      err,
			}
			result.Err = serr
			decision.StorageErrors = append(decision.StorageErrors, serr)
			decision.Results = append(decision.Results, result)

			e.metrics.RecordStorageFailure(e.resource, e.policy)
			e.logger.Warn("failed to count call",
				"resource", e.resource,
				"limit", def.Name(),
				"policy", string(e.policy),
				"error", err,
			)
			span.RecordError(serr)
			continue
		}

		result.Count = count
		if count > def.Capacity() {
			result.Breached = true
			decision.Breached = append(decision.Breached, def)
			if wait := key.Expiration().Sub(now); wait > decision.RetryAfter {
				decision.RetryAfter = wait
			}

			e.metrics.RecordBreach(e.resource, def.Name())
			e.notify(rule, def, c)
		}
		decision.Results = append(decision.Results, result)
	}

	faulted := len(decision.StorageErrors) > 0
	decision.FailedOpen = faulted && e.policy == FailOpen
	decision.Admitted = len(decision.Breached) == 0 && (!faulted || decision.FailedOpen)

	e.metrics.RecordCall(e.resource, outcome(decision))
	e.metrics.RecordEvaluationDuration(e.resource, time.Since(started))

	span.SetAttributes(
		attribute.Bool("floodgate.admitted", decision.Admitted),
		attribute.Int("floodgate.breached", len(decision.Breached)),
	)
	if faulted && !decision.FailedOpen {
		span.SetStatus(codes.Error, "storage failure")
	}

	return decision
}

// CurrentCounters returns the live counters of this enforcer's resource.
func (e *Enforcer[C]) CurrentCounters(ctx context.Context) (map[storage.LimitKey]int64, error) {
	all, err := e.backend.CurrentCounters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot counters: %w", err)
	}

	counters := make(map[storage.LimitKey]int64)
	for key, count := range all {
		if key.Resource == e.resource {
			counters[key] = count
		}
	}
	return counters, nil
}

// extract runs the property extractor, recovering from panics. A limit whose
// extractor panics is skipped for this call.
func (e *Enforcer[C]) extract(rule Rule[C], def LimitDefinition, c C) (property any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("property extractor panicked",
				"resource", e.resource,
				"limit", def.Name(),
				"panic", fmt.Sprint(r),
			)
			property, ok = nil, false
		}
	}()
	return rule.ExtractProperty(c), true
}

// notify runs the exceeded callback. Errors and panics are logged and counted;
// they never reach the caller.
func (e *Enforcer[C]) notify(rule Rule[C], def LimitDefinition, c C) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordCallbackFailure(e.resource, def.Name())
			e.logger.Error("exceeded callback panicked",
				"resource", e.resource,
				"limit", def.Name(),
				"panic", fmt.Sprint(r),
			)
		}
	}()

	if err := rule.OnExceeded(def, c); err != nil {
		e.metrics.RecordCallbackFailure(e.resource, def.Name())
		e.logger.Warn("exceeded callback failed",
			"resource", e.resource,
			"limit", def.Name(),
			"error", err,
		)
	}
}

func outcome(d *Decision) string {
	switch {
	case len(d.StorageErrors) > 0 && !d.FailedOpen:
		return "error"
	case !d.Admitted:
		return "blocked"
	case d.FailedOpen:
		return "failed_open"
	default:
		return "allowed"
	}
}

package limits

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"mercator-hq/floodgate/pkg/limits/storage"
)

// Factory binds one storage backend to any number of per-resource enforcers.
// Enforcers produced by the same factory share the backend but never share
// counters across resources, since the resource name is part of every key.
type Factory struct {
	backend storage.Backend
	opts    options
}

type options struct {
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	policy  FailurePolicy
}

// Option configures a Factory.
type Option func(*options)

// WithClock sets the time source used to compute windows.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithLogger sets the logger used for storage faults and callback failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer used to span each evaluation.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// WithFailurePolicy sets how storage faults are treated. Default: FailClosed.
func WithFailurePolicy(policy FailurePolicy) Option {
	return func(o *options) { o.policy = policy }
}

// NewFactory creates a factory over backend. A nil backend defaults to a new
// in-memory backend.
//
// Example:
//
//	factory := limits.NewFactory(storage.NewMemoryBackend(),
//	    limits.WithFailurePolicy(limits.FailClosed),
//	)
//	defer factory.Close()
//
//	enforcer, err := limits.Enforce(factory, "search-api", perUser, perIP)
func NewFactory(backend storage.Backend, opts ...Option) *Factory {
	if backend == nil {
		backend = storage.NewMemoryBackend()
	}

	o := options{
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("floodgate"),
		policy: FailClosed,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Factory{
		backend: backend,
		opts:    o,
	}
}

// With returns a factory sharing f's backend with opts applied on top of
// f's options. Use it to give one resource a different failure policy.
// Closing either factory closes the shared backend.
func (f *Factory) With(opts ...Option) *Factory {
	o := f.opts
	for _, opt := range opts {
		opt(&o)
	}
	return &Factory{backend: f.backend, opts: o}
}

// Enforce creates the enforcer for resource with rules evaluated in the
// given order.
//
// Returns an error wrapping ErrInvalidLimit if resource is empty, no rule is
// given, or a rule is nil.
func Enforce[C any](f *Factory, resource string, rules ...Rule[C]) (*Enforcer[C], error) {
	if resource == "" {
		return nil, fmt.Errorf("%w: resource name cannot be empty", ErrInvalidLimit)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: resource %q needs at least one limit", ErrInvalidLimit, resource)
	}
	for i, rule := range rules {
		if rule == nil {
			return nil, fmt.Errorf("%w: limit %d of resource %q is nil", ErrInvalidLimit, i, resource)
		}
	}

	registered := make([]Rule[C], len(rules))
	copy(registered, rules)

	return &Enforcer[C]{
		resource: resource,
		rules:    registered,
		backend:  f.backend,
		clock:    f.opts.clock,
		logger:   f.opts.logger.With("component", "limits.enforcer", "resource", resource),
		metrics:  f.opts.metrics,
		tracer:   f.opts.tracer,
		policy:   f.opts.policy,
	}, nil
}

// CurrentCounters snapshots the live counters of every resource.
func (f *Factory) CurrentCounters(ctx context.Context) (map[storage.LimitKey]int64, error) {
	return f.backend.CurrentCounters(ctx)
}

// Backend returns the storage backend shared by this factory's enforcers.
func (f *Factory) Backend() storage.Backend {
	return f.backend
}

// Close closes the storage backend.
func (f *Factory) Close() error {
	return f.backend.Close()
}

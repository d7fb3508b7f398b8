package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mercator-hq/floodgate/pkg/config"
	"mercator-hq/floodgate/pkg/limits"
)

// DefaultMaxResources bounds the number of distinct resource label values.
// Check requests for names past the bound are counted under "other".
const DefaultMaxResources = 1000

// Collector owns the Prometheus registry of the service. It carries the HTTP
// and storage metrics recorded by the server, and the limits metrics the
// enforcers record into.
//
// A nil *Collector is valid and records nothing.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	http    *HTTPMetrics
	storage *StorageMetrics
	limits  *limits.Metrics

	resources *CardinalityLimiter
}

// NewCollector creates a collector registering into registry. A nil
// registry gets a fresh one; the Go runtime and process collectors are
// registered alongside.
//
// Example:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	factory := limits.NewFactory(backend, limits.WithMetrics(collector.Limits()))
//	mux.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if cfg == nil {
		cfg = &config.MetricsConfig{Enabled: true}
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = config.DefaultMetricsNamespace
	}
	buckets := cfg.RequestDurationBuckets
	if len(buckets) == 0 {
		buckets = config.DefaultRequestDurationBuckets
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Collector{
		config:    cfg,
		registry:  registry,
		http:      NewHTTPMetrics(namespace, buckets, registry),
		storage:   NewStorageMetrics(namespace, registry),
		limits:    limits.NewMetrics(registry),
		resources: NewCardinalityLimiter(DefaultMaxResources),
	}
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// RecordRequest records one served HTTP request. route is the matched
// pattern, not the raw path.
func (c *Collector) RecordRequest(route, method string, code int, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.http.RecordRequest(route, method, strconv.Itoa(code), duration)
}

// RecordCheck records the outcome of one check request against resource.
// outcome is one of "admitted", "rejected", "failed_open", "storage_error",
// "unknown_resource" or "bad_request".
func (c *Collector) RecordCheck(resource, outcome string) {
	if !c.enabled() {
		return
	}
	if !c.resources.Allow(resource) {
		resource = "other"
	}
	c.http.RecordCheck(resource, outcome)
}

// RecordCleanup records one cleanup cycle of the storage backend.
func (c *Collector) RecordCleanup(deleted int, err error) {
	if !c.enabled() {
		return
	}
	c.storage.RecordCleanup(deleted, err)
}

// SetLiveCounters records the number of counters currently held by the
// storage backend.
func (c *Collector) SetLiveCounters(n int) {
	if !c.enabled() {
		return
	}
	c.storage.SetLiveCounters(n)
}

// SetResources records the number of configured resources.
func (c *Collector) SetResources(n int) {
	if !c.enabled() {
		return
	}
	c.storage.SetResources(n)
}

// Limits returns the metrics the enforcers record into, or nil when
// metrics are disabled.
func (c *Collector) Limits() *limits.Metrics {
	if !c.enabled() {
		return nil
	}
	return c.limits
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label values.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a limiter admitting up to maxCardinality
// distinct values.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether value may be used as a label. Values already seen
// are always allowed; new ones only while below the limit.
func (cl *CardinalityLimiter) Allow(value string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[value]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	// Double-check after acquiring write lock
	if _, exists := cl.current[value]; exists {
		return true
	}

	if len(cl.current) >= cl.maxCardinality {
		return false
	}

	cl.current[value] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}

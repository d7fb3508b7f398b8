package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"mercator-hq/floodgate/pkg/config"
	"mercator-hq/floodgate/pkg/limits"
	"mercator-hq/floodgate/pkg/limits/storage"
)

// ErrMissingAttribute is returned when a check omits an attribute that one of
// the resource's limits is partitioned by.
var ErrMissingAttribute = errors.New("missing attribute")

// Attributes is the call context of a check request: named string values
// from which limits extract their properties.
type Attributes map[string]string

// Catalog holds the enforcer of every configured resource. All enforcers
// share the factory's backend.
//
// Reload swaps the whole set atomically. Counters survive a reload as long
// as a limit keeps its resource, name and duration.
type Catalog struct {
	factory *limits.Factory
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	enforcer *limits.Enforcer[Attributes]

	// properties holds the partitioning attribute of each limit, in
	// registration order. Empty for whole-resource limits.
	properties []string
}

// ResourceInfo describes one configured resource.
type ResourceInfo struct {
	Name          string      `json:"name"`
	FailurePolicy string      `json:"failure_policy"`
	Limits        []LimitInfo `json:"limits"`
}

// LimitInfo describes one limit of a resource.
type LimitInfo struct {
	Name     string `json:"name"`
	Capacity int64  `json:"capacity"`
	Duration string `json:"duration"`
	Property string `json:"property,omitempty"`
}

// New builds a catalog from the resource declarations.
func New(factory *limits.Factory, resources []config.ResourceConfig, logger *slog.Logger) (*Catalog, error) {
	if factory == nil {
		return nil, fmt.Errorf("factory cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Catalog{
		factory: factory,
		logger:  logger.With("component", "catalog"),
	}
	if err := c.Reload(resources); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload replaces every enforcer with ones built from resources. On error
// the current set is kept.
func (c *Catalog) Reload(resources []config.ResourceConfig) error {
	entries := make(map[string]*entry, len(resources))

	for _, res := range resources {
		if _, dup := entries[res.Name]; dup {
			return fmt.Errorf("duplicate resource %q", res.Name)
		}
		e, err := c.build(res)
		if err != nil {
			return fmt.Errorf("resource %q: %w", res.Name, err)
		}
		entries[res.Name] = e
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()

	c.logger.Info("resource catalog loaded", "resources", len(entries))
	return nil
}

func (c *Catalog) build(res config.ResourceConfig) (*entry, error) {
	factory := c.factory
	if res.FailurePolicy != "" {
		policy, err := limits.ParseFailurePolicy(res.FailurePolicy)
		if err != nil {
			return nil, err
		}
		factory = factory.With(limits.WithFailurePolicy(policy))
	}

	rules := make([]limits.Rule[Attributes], 0, len(res.Limits))
	properties := make([]string, 0, len(res.Limits))

	for _, lc := range res.Limits {
		rule, err := c.buildLimit(res.Name, lc)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
		properties = append(properties, lc.Property)
	}

	enforcer, err := limits.Enforce(factory, res.Name, rules...)
	if err != nil {
		return nil, err
	}

	return &entry{enforcer: enforcer, properties: properties}, nil
}

func (c *Catalog) buildLimit(resource string, lc config.LimitConfig) (*limits.Limit[Attributes, string], error) {
	property := lc.Property
	builder := limits.Of(lc.Name, func(a Attributes) string {
		if property == "" {
			return ""
		}
		return a[property]
	}).To(lc.Capacity).Per(lc.Duration)

	if lc.LogBreaches {
		logger := c.logger.With("resource", resource)
		builder = builder.WithExceededCallback(func(def limits.LimitDefinition, a Attributes) error {
			attrs := []any{"limit", def.String()}
			if property != "" {
				attrs = append(attrs, "property", property, "value", a[property])
			}
			logger.Info("limit exceeded", attrs...)
			return nil
		})
	}

	return builder.Build()
}

// Lookup returns the enforcer of resource. The error wraps
// limits.ErrUnknownResource when none is configured.
func (c *Catalog) Lookup(resource string) (*limits.Enforcer[Attributes], error) {
	c.mu.RLock()
	e, ok := c.entries[resource]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", limits.ErrUnknownResource, resource)
	}
	return e.enforcer, nil
}

// Check evaluates one call against resource.
//
// Every attribute a limit is partitioned by must be present; otherwise the
// call is not counted and the error wraps ErrMissingAttribute.
func (c *Catalog) Check(ctx context.Context, resource string, attrs Attributes) (*limits.Decision, error) {
	c.mu.RLock()
	e, ok := c.entries[resource]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", limits.ErrUnknownResource, resource)
	}

	for _, name := range e.properties {
		if name == "" {
			continue
		}
		if _, present := attrs[name]; !present {
			return nil, fmt.Errorf("%w: %q", ErrMissingAttribute, name)
		}
	}

	return e.enforcer.Evaluate(ctx, attrs), nil
}

// Resources describes every configured resource, sorted by name.
func (c *Catalog) Resources() []ResourceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]ResourceInfo, 0, len(c.entries))
	for name, e := range c.entries {
		info := ResourceInfo{
			Name:          name,
			FailurePolicy: string(e.enforcer.FailurePolicy()),
		}
		for i, def := range e.enforcer.Definitions() {
			info.Limits = append(info.Limits, LimitInfo{
				Name:     def.Name(),
				Capacity: def.Capacity(),
				Duration: limits.FormatISODuration(def.Duration()),
				Property: e.properties[i],
			})
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Counters returns the live counters of every configured resource.
func (c *Catalog) Counters(ctx context.Context) (map[storage.LimitKey]int64, error) {
	return c.factory.CurrentCounters(ctx)
}

// Len returns the number of configured resources.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

package limits

import (
	"fmt"
	"time"
)

// ExceededCallback is invoked once per breaching call for every limit the
// call breached. Returned errors and panics are recovered and logged by the
// enforcer; they never change the admission decision.
type ExceededCallback[C any] func(def LimitDefinition, c C) error

// Rule is what an Enforcer needs from a limit: its definition, a way to
// extract the throttled property from a call context, and the breach hook.
// Limit implements Rule for any property type.
type Rule[C any] interface {
	Definition() LimitDefinition
	ExtractProperty(c C) any
	OnExceeded(def LimitDefinition, c C) error
}

// Limit binds a LimitDefinition to a property extractor over call contexts of
// type C. Calls whose contexts extract the same property value share a counter.
//
// A Limit is immutable once built and safe for concurrent use.
type Limit[C any, P comparable] struct {
	definition LimitDefinition
	extract    func(C) P
	onExceeded ExceededCallback[C]
}

// Definition returns the limit's definition.
func (l *Limit[C, P]) Definition() LimitDefinition {
	return l.definition
}

// Property extracts the typed property from c.
func (l *Limit[C, P]) Property(c C) P {
	return l.extract(c)
}

// ExtractProperty extracts the property from c for use in a storage key.
func (l *Limit[C, P]) ExtractProperty(c C) any {
	return l.extract(c)
}

// OnExceeded runs the exceeded callback, if any.
func (l *Limit[C, P]) OnExceeded(def LimitDefinition, c C) error {
	if l.onExceeded == nil {
		return nil
	}
	return l.onExceeded(def, c)
}

// Builder assembles a Limit.
//
// Example:
//
//	perUser, err := limits.Of("perUser", func(u User) string { return u.Name }).
//	    To(100).
//	    Per(time.Hour).
//	    Build()
type Builder[C any, P comparable] struct {
	name     string
	capacity int64
	duration time.Duration
	extract  func(C) P
	callback ExceededCallback[C]
}

// Of starts a limit named name that throttles on the property returned by extract.
func Of[C any, P comparable](name string, extract func(C) P) *Builder[C, P] {
	return &Builder[C, P]{
		name:    name,
		extract: extract,
	}
}

// OfString starts a limit over string contexts that throttles on the string itself.
func OfString(name string) *Builder[string, string] {
	return Of(name, func(s string) string { return s })
}

// To sets the number of calls admitted per window.
func (b *Builder[C, P]) To(capacity int64) *Builder[C, P] {
	b.capacity = capacity
	return b
}

// Per sets the window length.
func (b *Builder[C, P]) Per(duration time.Duration) *Builder[C, P] {
	b.duration = duration
	return b
}

// WithExceededCallback sets the hook run when a call breaches this limit.
func (b *Builder[C, P]) WithExceededCallback(cb ExceededCallback[C]) *Builder[C, P] {
	b.callback = cb
	return b
}

// Build validates the builder and returns the immutable Limit.
func (b *Builder[C, P]) Build() (*Limit[C, P], error) {
	def, err := NewLimitDefinition(b.name, b.capacity, b.duration)
	if err != nil {
		return nil, err
	}
	if b.extract == nil {
		return nil, fmt.Errorf("%w: property extractor for %q cannot be nil", ErrInvalidLimit, b.name)
	}

	return &Limit[C, P]{
		definition: def,
		extract:    b.extract,
		onExceeded: b.callback,
	}, nil
}

// MustBuild is like Build but panics on an invalid limit. It is meant for
// limits declared in code at package initialization.
func (b *Builder[C, P]) MustBuild() *Limit[C, P] {
	l, err := b.Build()
	if err != nil {
		panic(err)
	}
	return l
}

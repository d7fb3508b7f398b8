package storage

import (
	"fmt"
	"time"
)

// LimitKey identifies one fixed-window bucket: the counter for a single
// (resource, limit, property) combination inside a single window.
//
// LimitKey is comparable and is used directly as a map key by the in-memory
// backend. Property must therefore hold a comparable dynamic value; persistent
// backends store it in its fmt.Sprint form.
type LimitKey struct {
	// Resource is the name of the protected resource.
	Resource string

	// Limit is the name of the limit definition.
	Limit string

	// Property is the value extracted from the call context.
	Property any

	// WindowStart is the start of the window in Unix nanoseconds.
	WindowStart int64

	// Duration is the window length.
	Duration time.Duration
}

// NewLimitKey builds the key for the window containing now.
func NewLimitKey(resource, limit string, property any, now time.Time, duration time.Duration) LimitKey {
	return LimitKey{
		Resource:    resource,
		Limit:       limit,
		Property:    property,
		WindowStart: WindowStart(now, duration),
		Duration:    duration,
	}
}

// WindowStart truncates now down to a multiple of duration since the Unix
// epoch and returns the result in Unix nanoseconds. Windows are wall-clock
// aligned: with a one hour duration every window starts on the hour.
func WindowStart(now time.Time, duration time.Duration) int64 {
	ns := now.UnixNano()
	d := int64(duration)
	if d <= 0 {
		return ns
	}
	rem := ns % d
	if rem < 0 {
		rem += d
	}
	return ns - rem
}

// Start returns the window start as a time.Time in UTC.
func (k LimitKey) Start() time.Time {
	return time.Unix(0, k.WindowStart).UTC()
}

// Expiration returns the instant at which the window closes.
func (k LimitKey) Expiration() time.Time {
	return k.Start().Add(k.Duration)
}

// Expired reports whether the window has closed at now.
func (k LimitKey) Expired(now time.Time) bool {
	return !now.Before(k.Expiration())
}

// PropertyString returns the property in the form persisted by
// non-memory backends.
func (k LimitKey) PropertyString() string {
	if k.Property == nil {
		return ""
	}
	if s, ok := k.Property.(string); ok {
		return s
	}
	return fmt.Sprint(k.Property)
}

// String renders the key for logs and debugging output.
func (k LimitKey) String() string {
	return fmt.Sprintf("LimitKey{resource=%s, limit=%s, property=%v, window=%s, duration=%s}",
		k.Resource, k.Limit, k.Property, k.Start().Format(time.RFC3339Nano), k.Duration)
}

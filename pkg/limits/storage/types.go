package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Counter is the single capability the enforcer needs from a backend:
// an atomic increment of one bucket returning the post-increment value.
//
// Implementations must behave as if concurrent increments on the same key
// were serialized. The Nth increment on a key returns exactly N, no two
// callers observe the same value, and no increment is lost.
type Counter interface {
	// IncrementAndGet atomically increments the counter for key, creating the
	// bucket if needed, and returns the new value.
	IncrementAndGet(ctx context.Context, key LimitKey) (int64, error)
}

// Backend is a complete counting backend: the atomic counter plus the
// introspection and lifecycle operations used by the factory, the cleanup
// scheduler and health checks.
// Implementations must be thread-safe and support concurrent access.
type Backend interface {
	Counter

	// CurrentCounters snapshots every live (non-expired) counter. The
	// snapshot is not atomic across keys, but every value is a count the key
	// actually held at some point during the call.
	CurrentCounters(ctx context.Context) (map[LimitKey]int64, error)

	// Cleanup removes counters whose window has closed.
	// Returns the number of counters deleted and any error.
	Cleanup(ctx context.Context) (int, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	// The backend should not be used after calling Close.
	Close() error
}

var (
	// ErrCapacityExceeded is returned by the memory backend when a new bucket
	// would exceed MaxEntries and no expired bucket can be reclaimed.
	ErrCapacityExceeded = errors.New("storage capacity exceeded")

	// ErrClosed is returned when a backend is used after Close.
	ErrClosed = errors.New("storage backend closed")

	// ErrInvalidKey is returned for keys without a resource, limit or
	// positive duration.
	ErrInvalidKey = errors.New("invalid limit key")
)

func validateKey(key LimitKey) error {
	if key.Resource == "" {
		return fmt.Errorf("%w: resource cannot be empty", ErrInvalidKey)
	}
	if key.Limit == "" {
		return fmt.Errorf("%w: limit cannot be empty", ErrInvalidKey)
	}
	if key.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidKey)
	}
	if key.Property != nil && !hashable(reflect.ValueOf(key.Property)) {
		return fmt.Errorf("%w: property of type %T is not comparable", ErrInvalidKey, key.Property)
	}
	return nil
}

// hashable reports whether v can be used as a map key. Unlike
// reflect.Type.Comparable it looks inside interface values, which are only
// hashable when their dynamic value is.
func hashable(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Interface:
		return v.IsNil() || hashable(v.Elem())
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !hashable(v.Field(i)) {
				return false
			}
		}
		return true
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if !hashable(v.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Slice, reflect.Map, reflect.Func:
		return false
	default:
		return true
	}
}

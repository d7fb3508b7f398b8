package health

import (
	"context"
	"errors"
	"fmt"
)

// Pinger is implemented by storage backends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StorageCheck reports whether the counter backend is reachable.
func StorageCheck(backend Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := backend.Ping(ctx); err != nil {
			return fmt.Errorf("storage unreachable: %w", err)
		}
		return nil
	}
}

// ResourcesCheck fails while no resource is configured, since every check
// request would then be rejected as unknown.
func ResourcesCheck(count func() int) CheckFunc {
	return func(context.Context) error {
		if count() == 0 {
			return errors.New("no resources configured")
		}
		return nil
	}
}

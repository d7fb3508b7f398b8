package limits

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"mercator-hq/floodgate/pkg/limits/storage"
)

// Common errors returned by the limits package.
var (
	// ErrLimitExceeded matches any LimitsExceededError via errors.Is.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrStorageFailure matches any StorageError via errors.Is.
	ErrStorageFailure = errors.New("storage failure")

	// ErrInvalidLimit is returned for invalid limit or enforcer configuration.
	ErrInvalidLimit = errors.New("invalid limit")

	// ErrUnknownResource is returned when no enforcer exists for a resource.
	ErrUnknownResource = errors.New("unknown resource")
)

// FailurePolicy decides how a call is treated when the backend cannot count it.
type FailurePolicy string

const (
	// FailClosed rejects the call and surfaces the storage error. Default.
	FailClosed FailurePolicy = "fail_closed"

	// FailOpen treats the uncounted limit as not breached. The fault is
	// still logged, counted in metrics, and reported on the Decision.
	FailOpen FailurePolicy = "fail_open"
)

// ParseFailurePolicy parses "fail_closed" or "fail_open". An empty string
// yields FailClosed.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailClosed:
		return FailClosed, nil
	case FailOpen:
		return FailOpen, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (must be fail_closed or fail_open)", s)
	}
}

// LimitsExceededError reports every limit a single call breached, in the
// order the limits were registered, together with the call context.
type LimitsExceededError struct {
	// Definitions are the breached limits in registration order.
	Definitions []LimitDefinition

	// Context is the call context that triggered the breach.
	Context any
}

// Error renders "Limits [a[1 calls/PT1H], b[5 calls/PT1M]] exceeded.".
func (e *LimitsExceededError) Error() string {
	parts := make([]string, len(e.Definitions))
	for i, def := range e.Definitions {
		parts[i] = def.String()
	}
	return "Limits [" + strings.Join(parts, ", ") + "] exceeded."
}

// Is makes errors.Is(err, ErrLimitExceeded) true.
func (e *LimitsExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// StorageError reports that a limit could not be counted because the
// backend failed. It is distinct from a breach.
type StorageError struct {
	// Resource is the enforcer's resource name.
	Resource string

	// Limit is the name of the limit that could not be counted.
	Limit string

	// Policy is the failure policy that was applied.
	Policy FailurePolicy

	// Err is the backend error.
	Err error
}

// Error returns the error message.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure counting %s/%s (%s): %v", e.Resource, e.Limit, e.Policy, e.Err)
}

// Unwrap exposes both ErrStorageFailure and the backend error.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageFailure, e.Err}
}

// LimitResult is the outcome of one limit for one call.
type LimitResult struct {
	// Definition is the evaluated limit.
	Definition LimitDefinition

	// Key is the bucket that was incremented.
	Key storage.LimitKey

	// Count is the post-increment counter value. Zero if Err is set.
	Count int64

	// Breached is true when Count exceeded the capacity.
	Breached bool

	// Err is set when the backend failed to count this limit.
	Err *StorageError
}

// Remaining returns how many more calls the bucket admits in this window.
func (r LimitResult) Remaining() int64 {
	if r.Err != nil {
		return 0
	}
	return max(r.Definition.Capacity()-r.Count, 0)
}

// Decision is the complete outcome of evaluating one call.
type Decision struct {
	// Resource is the enforcer's resource name.
	Resource string

	// Admitted is the final admission verdict.
	Admitted bool

	// Results holds one entry per evaluated limit, in registration order.
	// Limits whose property extractor panicked are absent.
	Results []LimitResult

	// Breached lists the breached definitions in registration order.
	Breached []LimitDefinition

	// RetryAfter is the time until the latest breached window closes.
	RetryAfter time.Duration

	// StorageErrors lists backend faults, in registration order.
	StorageErrors []*StorageError

	// FailedOpen is true when storage faults occurred and were ignored
	// under FailOpen.
	FailedOpen bool

	// Context is the evaluated call context.
	Context any
}

// Err returns the error the throwing surface reports for this decision: a
// *LimitsExceededError for breaches and, unless the enforcer failed open,
// one *StorageError per backend fault. Returns nil when the call was admitted.
func (d *Decision) Err() error {
	var err error
	if len(d.Breached) > 0 {
		err = multierr.Append(err, &LimitsExceededError{
			Definitions: d.Breached,
			Context:     d.Context,
		})
	}
	return multierr.Append(err, d.storageErr())
}

// storageErr combines the storage faults that must be surfaced.
func (d *Decision) storageErr() error {
	if d.FailedOpen {
		return nil
	}
	var err error
	for _, se := range d.StorageErrors {
		err = multierr.Append(err, se)
	}
	return err
}

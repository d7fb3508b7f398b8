package limits

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LimitDefinition is the immutable description of one quota: a name, the
// number of calls allowed per window, and the window length.
//
// LimitDefinition is a comparable value; two definitions with the same name,
// capacity and duration are equal.
type LimitDefinition struct {
	name     string
	capacity int64
	duration time.Duration
}

// NewLimitDefinition validates and creates a LimitDefinition.
//
// Returns an error wrapping ErrInvalidLimit if name is empty, capacity is
// not positive, or duration is not positive.
func NewLimitDefinition(name string, capacity int64, duration time.Duration) (LimitDefinition, error) {
	if name == "" {
		return LimitDefinition{}, fmt.Errorf("%w: name cannot be empty", ErrInvalidLimit)
	}
	if capacity <= 0 {
		return LimitDefinition{}, fmt.Errorf("%w: capacity for %q must be positive, got %d", ErrInvalidLimit, name, capacity)
	}
	if duration <= 0 {
		return LimitDefinition{}, fmt.Errorf("%w: duration for %q must be positive, got %s", ErrInvalidLimit, name, duration)
	}

	return LimitDefinition{
		name:     name,
		capacity: capacity,
		duration: duration,
	}, nil
}

// Name returns the limit name.
func (d LimitDefinition) Name() string { return d.name }

// Capacity returns the number of calls admitted per window.
func (d LimitDefinition) Capacity() int64 { return d.capacity }

// Duration returns the window length.
func (d LimitDefinition) Duration() time.Duration { return d.duration }

// String renders the definition as name[capacity calls/duration], with the
// duration in ISO-8601 form, e.g. "perUser[100 calls/PT1H]".
func (d LimitDefinition) String() string {
	return fmt.Sprintf("%s[%d calls/%s]", d.name, d.capacity, FormatISODuration(d.duration))
}

// FormatISODuration renders d as an ISO-8601 time-based duration using
// hours, minutes and seconds only: PT1H, PT1H30M, PT0.5S, PT48H. A zero
// duration renders as PT0S.
func FormatISODuration(d time.Duration) string {
	if d == 0 {
		return "PT0S"
	}

	var sb strings.Builder
	if d < 0 {
		sb.WriteByte('-')
		d = -d
	}
	sb.WriteString("PT")

	hours := d / time.Hour
	minutes := (d % time.Hour) / time.Minute
	rest := d % time.Minute

	if hours > 0 {
		sb.WriteString(strconv.FormatInt(int64(hours), 10))
		sb.WriteByte('H')
	}
	if minutes > 0 {
		sb.WriteString(strconv.FormatInt(int64(minutes), 10))
		sb.WriteByte('M')
	}
	if rest == 0 {
		return sb.String()
	}

	seconds := rest / time.Second
	nanos := rest % time.Second
	sb.WriteString(strconv.FormatInt(int64(seconds), 10))
	if nanos > 0 {
		frac := strings.TrimRight(fmt.Sprintf("%09d", int64(nanos)), "0")
		sb.WriteByte('.')
		sb.WriteString(frac)
	}
	sb.WriteByte('S')

	return sb.String()
}

// Package limits provides programmable fixed-window rate limiting.
//
// # Overview
//
// Callers declare limits (a name, a capacity, a window duration, and a
// function extracting the throttled property from a call context) and
// register them against a named resource. Every call is then submitted to
// the resource's Enforcer, which decides atomically and under arbitrary
// concurrency whether the call is admitted.
//
// # Architecture
//
//   - LimitDefinition: immutable name, capacity and duration
//   - Limit / Builder: a definition plus property extractor and exceeded callback
//   - Enforcer: evaluates every limit of one resource for each call
//   - Factory: binds one storage backend to many resources
//   - storage: the atomic counting backends (memory, SQLite, Redis)
//
// # Usage
//
//	perUser := limits.Of("perUser", func(r Request) string { return r.User }).
//	    To(100).Per(time.Hour).MustBuild()
//	perIP := limits.Of("perIp", func(r Request) string { return r.IP }).
//	    To(1000).Per(time.Hour).MustBuild()
//
//	factory := limits.NewFactory(storage.NewMemoryBackend())
//	enforcer, err := limits.Enforce[Request](factory, "search", perUser, perIP)
//
//	if err := enforcer.Call(ctx, req); errors.Is(err, limits.ErrLimitExceeded) {
//	    // reject with 429
//	}
//
// # Semantics
//
// Windows are fixed and aligned to the Unix epoch. Every limit's counter is
// incremented on every call, even when another limit already rejected it,
// and breached limits are reported in registration order. Exceeded callbacks
// run once per breaching call per breached limit; their errors and panics are
// recovered and never affect the decision.
//
// Storage faults are not breaches. Under FailClosed (the default) they reject
// the call with a StorageError; under FailOpen the uncounted limit is ignored
// and the fault is reported on the Decision and in metrics.
//
// # Thread Safety
//
// Limits and definitions are immutable. Enforcers hold no per-call state.
// Exactness under contention is delegated to the backend's atomic
// IncrementAndGet.
package limits

package limits

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"mercator-hq/floodgate/pkg/limits/storage"
)

type user struct {
	name string
	ip   string
}

var (
	john = user{name: "john", ip: "127.0.0.1"}
	gina = user{name: "gina", ip: "127.0.0.1"}
)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

// newTestFactory returns a factory over a memory backend sharing one fake clock.
func newTestFactory(t *testing.T, opts ...Option) (*Factory, fakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	backend := storage.NewMemoryBackendWithConfig(storage.MemoryBackendConfig{
		CleanupInterval: -1,
		Clock:           clock,
	})

	factory := NewFactory(backend, append([]Option{WithClock(clock)}, opts...)...)
	t.Cleanup(func() { factory.Close() })

	return factory, clock
}

func perUser(capacity int64, d time.Duration) *Builder[user, string] {
	return Of("perUser", func(u user) string { return u.name }).To(capacity).Per(d)
}

func perIP(capacity int64, d time.Duration) *Builder[user, string] {
	return Of("perIp", func(u user) string { return u.ip }).To(capacity).Per(d)
}

func mustEnforce[C any](t *testing.T, f *Factory, resource string, rules ...Rule[C]) *Enforcer[C] {
	t.Helper()
	e, err := Enforce(f, resource, rules...)
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	return e
}

func tryCall[C any](t *testing.T, e *Enforcer[C], c C) bool {
	t.Helper()
	ok, err := e.TryCall(context.Background(), c)
	if err != nil {
		t.Fatalf("TryCall returned unexpected error: %v", err)
	}
	return ok
}

// ============================================================================
// Admission Tests
// ============================================================================

func TestEnforcer_SimpleLimit(t *testing.T) {
	factory, _ := newTestFactory(t)
	enforcer := mustEnforce[user](t, factory, "testResource", perUser(2, time.Hour).MustBuild())

	if !tryCall(t, enforcer, john) {
		t.Error("Expected first call to be admitted")
	}
	if !tryCall(t, enforcer, john) {
		t.Error("Expected second call to be admitted")
	}
	if tryCall(t, enforcer, john) {
		t.Error("Expected third call to be rejected")
	}
}

func TestEnforcer_MultipleLimitsWithOverlap(t *testing.T) {
	factory, _ := newTestFactory(t)
	hourly := Of("hourly", func(u user) string { return u.name }).To(5).Per(time.Hour).MustBuild()
	perSecond := Of("perSecond", func(u user) string { return u.name }).To(1).Per(time.Second).MustBuild()
	enforcer := mustEnforce[user](t, factory, "testResource", hourly, perSecond)

	if !tryCall(t, enforcer, john) {
		t.Error("Expected first call to be admitted")
	}
	if tryCall(t, enforcer, john) {
		t.Error("Expected second call to be rejected by the per-second limit")
	}
}

func TestEnforcer_MultipleLimitsNoOverlap(t *testing.T) {
	factory, _ := newTestFactory(t)
	enforcer := mustEnforce[user](t, factory, "testResource",
		perIP(1, time.Hour).MustBuild(),
		perUser(1, time.Hour).MustBuild(),
	)

	if !tryCall(t, enforcer, john) {
		t.Error("Expected john to be admitted")
	}
	// gina shares john's IP.
	if tryCall(t, enforcer, gina) {
		t.Error("Expected gina to be rejected by the per-IP limit")
	}
}

func TestEnforcer_PropertiesAreIsolated(t *testing.T) {
	factory, _ := newTestFactory(t)
	enforcer := mustEnforce[user](t, factory, "testResource", perUser(1, time.Hour).MustBuild())

	if !tryCall(t, enforcer, john) {
		t.Error("Expected john to be admitted")
	}
	if !tryCall(t, enforcer, gina) {
		t.Error("Expected gina to be admitted independently of john")
	}
	if tryCall(t, enforcer, john) {
		t.Error("Expected john's second call to be rejected")
	}
}

func TestEnforcer_MultipleResources(t *testing.T) {
	factory, _ := newTestFactory(t)
	limit := perUser(1, time.Hour).MustBuild()

	first := mustEnforce[user](t, factory, "testResource1", limit)
	second := mustEnforce[user](t, factory, "testResource2", limit)

	if !tryCall(t, first, john) {
		t.Error("Expected first call on resource 1 to be admitted")
	}
	if !tryCall(t, second, john) {
		t.Error("Expected first call on resource 2 to be admitted")
	}
	if tryCall(t, first, john) {
		t.Error("Expected second call on resource 1 to be rejected")
	}
	if tryCall(t, second, john) {
		t.Error("Expected second call on resource 2 to be rejected")
	}
}

func TestEnforcer_StringContext(t *testing.T) {
	factory, _ := newTestFactory(t)
	enforcer := mustEnforce[string](t, factory, "testResource",
		OfString("perUser").To(1).Per(time.Hour).MustBuild())

	if !tryCall(t, enforcer, "john") {
		t.Error("Expected john to be admitted")
	}
	if !tryCall(t, enforcer, "gina") {
		t.Error("Expected gina to be admitted")
	}
	if tryCall(t, enforcer, "john") {
		t.Error("Expected john's second call to be rejected")
	}
}

func TestEnforcer_WindowRollover(t *testing.T) {
	factory, clock := newTestFactory(t)
	enforcer := mustEnforce[user](t, factory, "testResource", perUser(1, time.Second).MustBuild())

	if !tryCall(t, enforcer, john) {
		t.Error("Expected first call to be admitted")
	}
	if tryCall(t, enforcer, john) {
		t.Error("Expected immediate second call to be rejected")
	}

	clock.Advance(time.Second)

	if !tryCall(t, enforcer, john) {
		t.Error("Expected call in the next window to be admitted")
	}
}

func TestEnforcer_WindowRolloverRealClock(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping real-time window rollover test")
	}

	factory := NewFactory(storage.NewMemoryBackend())
	defer factory.Close()
	enforcer := mustEnforce[user](t, factory, "testResource", perUser(1, time.Second).MustBuild())

	if !tryCall(t, enforcer, john) {
		t.Error("Expected first call to be admitted")
	}
	if tryCall(t, enforcer, john) {
		t.Error("Expected immediate second call to be rejected")
	}

	time.Sleep(1100 * time.Millisecond)

	if !tryCall(t, enforcer, john) {
		t.Error("Expected call after the window boundary to be admitted")
	}
}

func TestEnforcer_NoShortCircuit(t *testing.T) {
	factory, _ := newTestFactory(t)
	enforcer := mustEnforce[user](t, factory, "testResource",
		perUser(1, time.Hour).MustBuild(),
		perIP(10, time.Hour).MustBuild(),
	)

	for i := 0; i < 3; i++ {
		enforcer.TryCall(context.Background(), john)
	}

	counters, err := enforcer.CurrentCounters(context.Background())
	if err != nil {
		t.Fatalf("CurrentCounters failed: %v", err)
	}

	for key, count := range counters {
		if count != 3 {
			t.Errorf("Expected every limit to count all 3 calls, %v has %d", key, count)
		}
	}
	if len(counters) != 2 {
		t.Errorf("Expected 2 counters, got %d", len(counters))
	}
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestEnforcer_ExactUnderConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping million-call concurrency test")
	}

	const (
		capacity = 1000000
		calls    = capacity + 1
		workers  = 100
	)

	factory := NewFactory(storage.NewMemoryBackend())
	defer factory.Close()
	enforcer := mustEnforce[user](t, factory, "testResource", perUser(capacity, time.Hour).MustBuild())

	var (
		admitted atomic.Int64
		next     atomic.Int64
		wg       sync.WaitGroup
	)

	ctx := context.Background()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for next.Add(1) <= calls {
				if ok, _ := enforcer.TryCall(ctx, john); ok {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != capacity {
		t.Errorf("Expected exactly %d admitted calls, got %d", capacity, got)
	}
}

// ============================================================================
// Error Reporting Tests
// ============================================================================

func TestEnforcer_CallReturnsExceededError(t *testing.T) {
	factory, _ := newTestFactory(t)
	enforcer := mustEnforce[user](t, factory, "testResource", perUser(1, time.Hour).MustBuild())

	if err := enforcer.Call(context.Background(), john); err != nil {
		t.Fatalf("Expected first call to succeed, got %v", err)
	}

	err := enforcer.Call(context.Background(), john)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("Expected ErrLimitExceeded, got %v", err)
	}
	if errors.Is(err, ErrStorageFailure) {
		t.Error("A breach must not match ErrStorageFailure")
	}

	var exceeded *LimitsExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("Expected *LimitsExceededError, got %T", err)
	}
	if got := exceeded.Error(); got != "Limits [perUser[1 calls/PT1H]] exceeded." {
		t.Errorf("Unexpected message %q", got)
	}
	if exceeded.Context != john {
		t.Errorf("Expected context %v, got %v", john, exceeded.Context)
	}
}

func TestEnforcer_CallReportsLimitsInRegistrationOrder(t *testing.T) {
	factory, _ := newTestFactory(t)
	enforcer := mustEnforce[user](t, factory, "testResource",
		perUser(1, time.Hour).MustBuild(),
		perIP(1, time.Hour).MustBuild(),
	)

	_ = enforcer.Call(context.Background(), john)
	err := enforcer.Call(context.Background(), john)

	var exceeded *LimitsExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("Expected *LimitsExceededError, got %v", err)
	}

	want := "Limits [perUser[1 calls/PT1H], perIp[1 calls/PT1H]] exceeded."
	if got := exceeded.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if len(exceeded.Definitions) != 2 ||
		exceeded.Definitions[0].Name() != "perUser" ||
		exceeded.Definitions[1].Name() != "perIp" {
		t.Errorf("Unexpected breached definitions %v", exceeded.Definitions)
	}
}

func TestEnforcer_Evaluate(t *testing.T) {
	factory, clock := newTestFactory(t)
	clock.Advance(15 * time.Minute)
	enforcer := mustEnforce[user](t, factory, "testResource",
		perUser(1, time.Hour).MustBuild(),
		perIP(5, time.Minute).MustBuild(),
	)

	first := enforcer.Evaluate(context.Background(), john)
	if !first.Admitted || len(first.Results) != 2 {
		t.Fatalf("Unexpected first decision %+v", first)
	}
	if first.Results[0].Remaining() != 0 || first.Results[1].Remaining() != 4 {
		t.Errorf("Unexpected remaining: %d, %d", first.Results[0].Remaining(), first.Results[1].Remaining())
	}

	second := enforcer.Evaluate(context.Background(), john)
	if second.Admitted {
		t.Fatal("Expected second call to be rejected")
	}
	if !second.Results[0].Breached || second.Results[1].Breached {
		t.Errorf("Expected only perUser to be breached: %+v", second.Results)
	}
	if second.RetryAfter != 45*time.Minute {
		t.Errorf("Expected RetryAfter 45m, got %s", second.RetryAfter)
	}
}

// ============================================================================
// Callback Tests
// ============================================================================

func TestEnforcer_ExceededCallback(t *testing.T) {
	factory, _ := newTestFactory(t)

	var (
		calls   int
		gotDef  LimitDefinition
		gotUser user
	)
	limit := perUser(1, time.Hour).
		WithExceededCallback(func(def LimitDefinition, u user) error {
			calls++
			gotDef = def
			gotUser = u
			return nil
		}).
		MustBuild()
	enforcer := mustEnforce[user](t, factory, "testResource", limit)

	tryCall(t, enforcer, john)
	if calls != 0 {
		t.Fatalf("Callback must not run for admitted calls, ran %d times", calls)
	}

	tryCall(t, enforcer, john)
	if calls != 1 {
		t.Fatalf("Expected callback to run once, ran %d times", calls)
	}
	if gotDef != limit.Definition() {
		t.Errorf("Expected definition %v, got %v", limit.Definition(), gotDef)
	}
	if gotUser != john {
		t.Errorf("Expected context %v, got %v", john, gotUser)
	}
}

func TestEnforcer_CallbackFailuresAreIsolated(t *testing.T) {
	factory, _ := newTestFactory(t)

	var fired []string
	panicking := Of("panicking", func(u user) string { return u.name }).To(1).Per(time.Hour).
		WithExceededCallback(func(def LimitDefinition, u user) error {
			fired = append(fired, def.Name())
			panic("boom")
		}).MustBuild()
	failing := Of("failing", func(u user) string { return u.name }).To(1).Per(time.Hour).
		WithExceededCallback(func(def LimitDefinition, u user) error {
			fired = append(fired, def.Name())
			return errors.New("callback failed")
		}).MustBuild()
	healthy := Of("healthy", func(u user) string { return u.name }).To(1).Per(time.Hour).
		WithExceededCallback(func(def LimitDefinition, u user) error {
			fired = append(fired, def.Name())
			return nil
		}).MustBuild()

	enforcer := mustEnforce[user](t, factory, "testResource", panicking, failing, healthy)

	tryCall(t, enforcer, john)
	ok, err := enforcer.TryCall(context.Background(), john)
	if err != nil {
		t.Fatalf("Callback failures must not surface as errors, got %v", err)
	}
	if ok {
		t.Error("Expected the call to be rejected")
	}

	want := []string{"panicking", "failing", "healthy"}
	if len(fired) != len(want) {
		t.Fatalf("Expected callbacks %v, got %v", want, fired)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Errorf("Callback %d: expected %s, got %s", i, want[i], fired[i])
		}
	}
}

func TestEnforcer_ExtractorPanicSkipsLimit(t *testing.T) {
	factory, _ := newTestFactory(t)
	broken := Of("broken", func(u user) string { panic("no property") }).To(1).Per(time.Hour).MustBuild()
	enforcer := mustEnforce[user](t, factory, "testResource", broken, perUser(1, time.Hour).MustBuild())

	d := enforcer.Evaluate(context.Background(), john)
	if !d.Admitted {
		t.Error("Expected call to be admitted by the remaining limit")
	}
	if len(d.Results) != 1 || d.Results[0].Definition.Name() != "perUser" {
		t.Errorf("Expected only perUser to be evaluated, got %+v", d.Results)
	}
}

func TestEnforcer_UnhashablePropertyIsRejected(t *testing.T) {
	type tagged struct{ tags any }

	factory, _ := newTestFactory(t)
	byTags := Of("byTags", func(u user) any { return tagged{tags: []string{u.name}} }).To(1).Per(time.Hour).MustBuild()
	enforcer := mustEnforce[user](t, factory, "testResource", byTags)

	ok, err := enforcer.TryCall(context.Background(), john)
	if ok {
		t.Error("Expected call to be rejected under fail-closed")
	}
	if !errors.Is(err, ErrStorageFailure) || !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("Expected storage failure wrapping ErrInvalidKey, got %v", err)
	}
}

// ============================================================================
// Introspection Tests
// ============================================================================

func TestEnforcer_CurrentCounters(t *testing.T) {
	factory, _ := newTestFactory(t)
	enforcer := mustEnforce[user](t, factory, "testResource", perUser(3, time.Hour).MustBuild())
	other := mustEnforce[user](t, factory, "otherResource", perUser(3, time.Hour).MustBuild())

	tryCall(t, enforcer, john)
	tryCall(t, enforcer, john)
	tryCall(t, enforcer, gina)
	tryCall(t, other, john)

	counters, err := enforcer.CurrentCounters(context.Background())
	if err != nil {
		t.Fatalf("CurrentCounters failed: %v", err)
	}
	if len(counters) != 2 {
		t.Fatalf("Expected 2 counters, got %d: %v", len(counters), counters)
	}

	byProperty := make(map[any]int64)
	for key, count := range counters {
		if key.Resource != "testResource" || key.Limit != "perUser" || key.Duration != time.Hour {
			t.Errorf("Unexpected key %v", key)
		}
		if key.String() == "" {
			t.Error("Expected key to render")
		}
		byProperty[key.Property] = count
	}
	if byProperty["john"] != 2 || byProperty["gina"] != 1 {
		t.Errorf("Unexpected counts %v", byProperty)
	}

	all, err := factory.CurrentCounters(context.Background())
	if err != nil {
		t.Fatalf("Factory.CurrentCounters failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 counters across resources, got %d", len(all))
	}
}

// ============================================================================
// Storage Failure Tests
// ============================================================================

// failingBackend fails every increment for the configured limit names.
type failingBackend struct {
	storage.Backend
	failing map[string]bool
}

var errBackendDown = errors.New("backend down")

func (b *failingBackend) IncrementAndGet(ctx context.Context, key storage.LimitKey) (int64, error) {
	if b.failing[key.Limit] {
		return 0, errBackendDown
	}
	return b.Backend.IncrementAndGet(ctx, key)
}

func newFailingFactory(t *testing.T, policy FailurePolicy, failing ...string) *Factory {
	t.Helper()

	backend := &failingBackend{
		Backend: storage.NewMemoryBackendWithConfig(storage.MemoryBackendConfig{CleanupInterval: -1}),
		failing: make(map[string]bool),
	}
	for _, name := range failing {
		backend.failing[name] = true
	}

	factory := NewFactory(backend, WithFailurePolicy(policy))
	t.Cleanup(func() { factory.Close() })
	return factory
}

func TestEnforcer_StorageFailureFailClosed(t *testing.T) {
	factory := newFailingFactory(t, FailClosed, "perUser")
	enforcer := mustEnforce[user](t, factory, "testResource", perUser(10, time.Hour).MustBuild())

	ok, err := enforcer.TryCall(context.Background(), john)
	if ok {
		t.Error("Expected call to be rejected under fail-closed")
	}
	if !errors.Is(err, ErrStorageFailure) || !errors.Is(err, errBackendDown) {
		t.Fatalf("Expected storage failure wrapping backend error, got %v", err)
	}

	err = enforcer.Call(context.Background(), john)
	if errors.Is(err, ErrLimitExceeded) {
		t.Error("A storage failure must not be reported as a breach")
	}

	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("Expected *StorageError, got %T", err)
	}
	if serr.Limit != "perUser" || serr.Policy != FailClosed {
		t.Errorf("Unexpected storage error %+v", serr)
	}
}

func TestEnforcer_StorageFailureFailOpen(t *testing.T) {
	factory := newFailingFactory(t, FailOpen, "perUser")
	enforcer := mustEnforce[user](t, factory, "testResource", perUser(1, time.Hour).MustBuild())

	for i := 0; i < 3; i++ {
		ok, err := enforcer.TryCall(context.Background(), john)
		if err != nil || !ok {
			t.Fatalf("Expected fail-open admission, got ok=%v err=%v", ok, err)
		}
	}

	d := enforcer.Evaluate(context.Background(), john)
	if !d.FailedOpen || len(d.StorageErrors) != 1 {
		t.Errorf("Expected decision to report the fail-open fault, got %+v", d)
	}
	if err := d.Err(); err != nil {
		t.Errorf("Expected no error under fail-open, got %v", err)
	}
}

func TestEnforcer_StorageFailureAndBreach(t *testing.T) {
	factory := newFailingFactory(t, FailClosed, "perIp")
	enforcer := mustEnforce[user](t, factory, "testResource",
		perUser(1, time.Hour).MustBuild(),
		perIP(1, time.Hour).MustBuild(),
	)

	_ = enforcer.Call(context.Background(), john)
	err := enforcer.Call(context.Background(), john)

	if !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("Expected breach to be reported, got %v", err)
	}
	if !errors.Is(err, ErrStorageFailure) {
		t.Errorf("Expected storage failure to be reported, got %v", err)
	}
}

// ============================================================================
// Factory Tests
// ============================================================================

func TestEnforce_Validation(t *testing.T) {
	factory, _ := newTestFactory(t)
	limit := perUser(1, time.Hour).MustBuild()

	tests := []struct {
		name     string
		resource string
		rules    []Rule[user]
	}{
		{name: "empty resource", resource: "", rules: []Rule[user]{limit}},
		{name: "no rules", resource: "api"},
		{name: "nil rule", resource: "api", rules: []Rule[user]{nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Enforce(factory, tt.resource, tt.rules...)
			if !errors.Is(err, ErrInvalidLimit) {
				t.Errorf("Expected ErrInvalidLimit, got %v", err)
			}
		})
	}
}

func TestEnforcer_Definitions(t *testing.T) {
	factory, _ := newTestFactory(t, WithFailurePolicy(FailOpen))
	enforcer := mustEnforce[user](t, factory, "api",
		perUser(1, time.Hour).MustBuild(),
		perIP(2, time.Minute).MustBuild(),
	)

	defs := enforcer.Definitions()
	if len(defs) != 2 || defs[0].Name() != "perUser" || defs[1].Name() != "perIp" {
		t.Errorf("Unexpected definitions %v", defs)
	}
	if enforcer.Resource() != "api" {
		t.Errorf("Expected resource api, got %s", enforcer.Resource())
	}
	if enforcer.FailurePolicy() != FailOpen {
		t.Errorf("Expected fail_open, got %s", enforcer.FailurePolicy())
	}
}

func TestFactory_WithSharesBackend(t *testing.T) {
	factory, _ := newTestFactory(t)
	open := factory.With(WithFailurePolicy(FailOpen))

	closedEnforcer := mustEnforce[user](t, factory, "api", perUser(1, time.Hour).MustBuild())
	openEnforcer := mustEnforce[user](t, open, "api", perUser(1, time.Hour).MustBuild())

	if closedEnforcer.FailurePolicy() != FailClosed || openEnforcer.FailurePolicy() != FailOpen {
		t.Fatalf("Unexpected policies %s/%s", closedEnforcer.FailurePolicy(), openEnforcer.FailurePolicy())
	}
	if open.Backend() != factory.Backend() {
		t.Fatal("Expected derived factory to share the backend")
	}

	if !tryCall(t, closedEnforcer, john) {
		t.Error("Expected first call to be admitted")
	}
	// Same resource and limit on the same backend: same counter.
	if tryCall(t, openEnforcer, john) {
		t.Error("Expected the derived factory to see the shared counter")
	}
}

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{in: "", want: FailClosed},
		{in: "fail_closed", want: FailClosed},
		{in: "FAIL_OPEN", want: FailOpen},
		{in: "sometimes", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseFailurePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFailurePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFailurePolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

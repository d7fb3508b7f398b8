package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mercator-hq/floodgate/pkg/catalog"
	"mercator-hq/floodgate/pkg/cli"
	"mercator-hq/floodgate/pkg/config"
	"mercator-hq/floodgate/pkg/limits"
)

const testYAML = `
server:
  listen_address: "127.0.0.1:0"

limits:
  resources:
    - name: search
      limits:
        - name: perUser
          capacity: 1
          duration: 1h
          property: user
        - name: perIp
          capacity: 3
          duration: 1h
          property: ip
    - name: upload
      failure_policy: fail_open
      limits:
        - name: global
          capacity: 2
          duration: 1m

telemetry:
  logging:
    level: error
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "floodgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func executeCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func newTestService(t *testing.T, content string) (*service, *config.Config) {
	t.Helper()

	cfg, err := config.LoadConfigWithEnvOverrides(writeTestConfig(t, content))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	svc, err := newService(cfg, nil)
	if err != nil {
		t.Fatalf("newService failed: %v", err)
	}
	t.Cleanup(func() { svc.close(context.Background()) })
	return svc, cfg
}

// ============================================================================
// Version Tests
// ============================================================================

func TestVersionDefaults(t *testing.T) {
	origVersion := Version
	origGitCommit := GitCommit
	origBuildDate := BuildDate
	defer func() {
		Version = origVersion
		GitCommit = origGitCommit
		BuildDate = origBuildDate
	}()

	Version = "0.1.0-test"
	GitCommit = "abc123"
	BuildDate = "2025-11-20"

	stdout, _, err := executeCommand(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}

	for _, want := range []string{
		"Floodgate 0.1.0-test",
		"Git Commit: abc123",
		"Build Date: 2025-11-20",
		"Go Version: " + runtime.Version(),
	} {
		if !strings.Contains(stdout, want) {
			t.Errorf("version output missing %q:\n%s", want, stdout)
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "validate", "counters", "benchmark", "version", "completion"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestCompletionCommand(t *testing.T) {
	stdout, _, err := executeCommand(t, "completion", "bash")
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	if !strings.Contains(stdout, "floodgate") {
		t.Error("bash completion does not mention floodgate")
	}

	if _, _, err := executeCommand(t, "completion", "tcsh"); err == nil {
		t.Error("expected error for unsupported shell")
	}
}

// ============================================================================
// Validate Tests
// ============================================================================

func TestValidateCommand(t *testing.T) {
	path := writeTestConfig(t, testYAML)

	stdout, _, err := executeCommand(t, "validate", "--config", path, "--format", "csv")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	for _, want := range []string{
		"RESOURCE,FAILURE POLICY,LIMIT,CAPACITY,WINDOW,PROPERTY",
		"search,fail_closed,perUser,1,PT1H,user",
		"upload,fail_open,global,2,PT1M,-",
	} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output missing %q:\n%s", want, stdout)
		}
	}
}

func TestValidateCommand_Invalid(t *testing.T) {
	path := writeTestConfig(t, strings.Replace(testYAML, "capacity: 1\n", "capacity: 0\n", 1))

	_, stderr, err := executeCommand(t, "validate", "--config", path, "--format", "text")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if code := cli.ExitCode(err); code != cli.ExitConfigError {
		t.Errorf("expected exit code %d, got %d", cli.ExitConfigError, code)
	}
	if !strings.Contains(stderr, "limits.resources[0].limits[0].capacity") {
		t.Errorf("expected field in error report, got:\n%s", stderr)
	}
}

func TestValidateCommand_MissingFile(t *testing.T) {
	_, _, err := executeCommand(t, "validate", "--config", filepath.Join(t.TempDir(), "nope.yaml"), "--format", "text")

	var cerr *cli.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestRunCommand_DryRun(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	defer func() { runFlags.dryRun = false }()

	stdout, _, err := executeCommand(t, "run", "--config", path, "--dry-run")
	if err != nil {
		t.Fatalf("run --dry-run failed: %v", err)
	}
	if !strings.Contains(stdout, "Configuration valid") {
		t.Errorf("unexpected output: %q", stdout)
	}
	if config.GetConfig() == nil {
		t.Error("expected the loaded config to be published")
	}
}

// ============================================================================
// Service Tests
// ============================================================================

func TestOpenBackend(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StorageConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.StorageConfig{Backend: "memory"}},
		{name: "default", cfg: config.StorageConfig{}},
		{
			name: "sqlite",
			cfg: config.StorageConfig{
				Backend: "sqlite",
				SQLite:  config.SQLiteStorageConfig{Path: filepath.Join(t.TempDir(), "counters.db")},
			},
		},
		{
			name: "redis",
			cfg: config.StorageConfig{
				Backend: "redis",
				Redis:   config.RedisStorageConfig{Address: "127.0.0.1:6379"},
			},
		},
		{name: "redis without address", cfg: config.StorageConfig{Backend: "redis"}, wantErr: true},
		{name: "sqlite without path", cfg: config.StorageConfig{Backend: "sqlite"}, wantErr: true},
		{name: "unknown", cfg: config.StorageConfig{Backend: "etcd"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, err := openBackend(tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("openBackend() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if backend != nil {
					t.Fatalf("expected nil backend on error, got %T", backend)
				}
				return
			}
			backend.Close()
		})
	}
}

func TestService_CheckAndCounters(t *testing.T) {
	svc, _ := newTestService(t, testYAML)

	ts := httptest.NewServer(svc.server.Handler())
	defer ts.Close()

	for _, user := range []string{"john", "gina"} {
		d, err := svc.catalog.Check(context.Background(), "search", catalog.Attributes{"user": user, "ip": "10.0.0.1"})
		if err != nil || !d.Admitted {
			t.Fatalf("expected %s to be admitted, got %v, %v", user, d, err)
		}
	}

	resp, err := fetchCounters(context.Background(), ts.Client(), ts.URL, "search")
	if err != nil {
		t.Fatalf("fetchCounters failed: %v", err)
	}
	if resp.Total != 3 {
		t.Errorf("expected 3 counters, got %d: %+v", resp.Total, resp.Counters)
	}

	rows := counterTable(resp.Counters).Rows()
	if len(rows) != 3 || rows[0][0] != "search" || rows[0][1] != "perIp" || rows[0][5] != "2" {
		t.Errorf("unexpected rows: %v", rows)
	}

	_, err = fetchCounters(context.Background(), ts.Client(), ts.URL, "missing")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected 404 error, got %v", err)
	}
}

func TestService_Reload(t *testing.T) {
	svc, cfg := newTestService(t, testYAML)
	prev := config.GetConfig()
	defer config.SetConfig(prev)

	next := *cfg
	next.Limits.Resources = cfg.Limits.Resources[:1]
	if err := svc.reload(&next); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if svc.catalog.Len() != 1 {
		t.Errorf("expected 1 resource, got %d", svc.catalog.Len())
	}
	if config.GetConfig() != &next {
		t.Error("expected reload to publish the config")
	}

	bad := next
	bad.Limits.Resources = []config.ResourceConfig{{Name: "x", Limits: []config.LimitConfig{{Name: "y", Capacity: 0, Duration: time.Second}}}}
	if err := svc.reload(&bad); !errors.Is(err, limits.ErrInvalidLimit) {
		t.Errorf("expected ErrInvalidLimit, got %v", err)
	}
	if svc.catalog.Len() != 1 {
		t.Errorf("failed reload changed the catalog")
	}
}

func TestHandleReloads(t *testing.T) {
	svc, _ := newTestService(t, testYAML)
	prev := config.GetConfig()
	defer config.SetConfig(prev)

	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()
	cfgFile = writeTestConfig(t, strings.Replace(testYAML, "    - name: upload", "    - name: export", 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	go handleReloads(ctx, signals, svc, svc.logger)
	signals <- syscall.SIGHUP

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := svc.catalog.Lookup("export"); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for reload")
}

func TestService_CleanupCompleted(t *testing.T) {
	svc, _ := newTestService(t, testYAML)

	if _, err := svc.catalog.Check(context.Background(), "upload", nil); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	svc.cleanupCompleted(4, nil)

	expected := `
# HELP floodgate_storage_live_counters Number of counters held by the storage backend
# TYPE floodgate_storage_live_counters gauge
floodgate_storage_live_counters 1
`
	if err := testutil.GatherAndCompare(svc.collector.Registry(), strings.NewReader(expected), "floodgate_storage_live_counters"); err != nil {
		t.Error(err)
	}
}

func TestNewService_InvalidResources(t *testing.T) {
	cfg := config.Default()
	cfg.Limits.Resources = []config.ResourceConfig{
		{Name: "a", Limits: []config.LimitConfig{{Name: "b", Capacity: -1, Duration: time.Second}}},
	}

	_, err := newService(cfg, nil)
	if code := cli.ExitCode(err); code != cli.ExitConfigError {
		t.Errorf("expected config error exit code, got %d (%v)", code, err)
	}
}

func TestService_APIKeyRotation(t *testing.T) {
	authYAML := strings.Replace(testYAML, "  listen_address: \"127.0.0.1:0\"\n", `  listen_address: "127.0.0.1:0"
  auth:
    enabled: true
    keys:
      - name: ci
        key: fg-old-secret
`, 1)
	svc, cfg := newTestService(t, authYAML)
	prev := config.GetConfig()
	defer config.SetConfig(prev)

	ts := httptest.NewServer(svc.server.Handler())
	defer ts.Close()

	status := func(key string) int {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/resources", nil)
		if err != nil {
			t.Fatalf("failed to build request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+key)
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := status("fg-old-secret"); code != http.StatusOK {
		t.Fatalf("expected 200 for configured key, got %d", code)
	}

	next := *cfg
	next.Server.Auth.Keys = []config.APIKeyConfig{{Name: "ci", Key: "fg-new-secret"}}
	if err := svc.reload(&next); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if code := status("fg-old-secret"); code != http.StatusUnauthorized {
		t.Errorf("expected rotated-out key to be rejected, got %d", code)
	}
	if code := status("fg-new-secret"); code != http.StatusOK {
		t.Errorf("expected new key to be accepted, got %d", code)
	}
}

func TestNewService_TLSMissingCertificate(t *testing.T) {
	cfg := config.Default()
	cfg.Server.TLS.Enabled = true
	cfg.Server.TLS.CertFile = filepath.Join(t.TempDir(), "missing.crt")
	cfg.Server.TLS.KeyFile = filepath.Join(t.TempDir(), "missing.key")

	_, err := newService(cfg, nil)
	if code := cli.ExitCode(err); code != cli.ExitConfigError {
		t.Errorf("expected config error exit code, got %d (%v)", code, err)
	}
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func TestBenchmarkOptions_ExpectedAdmitted(t *testing.T) {
	tests := []struct {
		name string
		opts benchmarkOptions
		want int64
	}{
		{name: "under capacity", opts: benchmarkOptions{calls: 50, capacity: 100, keys: 1}, want: 50},
		{name: "over capacity", opts: benchmarkOptions{calls: 500, capacity: 100, keys: 1}, want: 100},
		{name: "uneven keys", opts: benchmarkOptions{calls: 1000, capacity: 333, keys: 3}, want: 999},
		{name: "more keys than calls", opts: benchmarkOptions{calls: 2, capacity: 1, keys: 5}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opts.expectedAdmitted(); got != tt.want {
				t.Errorf("expectedAdmitted() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRunLoadTest(t *testing.T) {
	for _, kind := range []string{"memory", "sqlite"} {
		t.Run(kind, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			backend, cleanup, err := benchmarkBackend(kind, clock)
			if err != nil {
				t.Fatalf("benchmarkBackend failed: %v", err)
			}
			defer cleanup()

			opts := benchmarkOptions{calls: 600, capacity: 100, keys: 3, concurrency: 8, window: time.Hour}
			factory := limits.NewFactory(backend, limits.WithClock(clock))

			results, err := runLoadTest(context.Background(), factory, opts, cli.NoopProgress{})
			if err != nil {
				t.Fatalf("runLoadTest failed: %v", err)
			}
			if results.failed != 0 {
				t.Fatalf("expected no failed calls, got %d", results.failed)
			}
			if results.admitted != 300 || results.rejected != 300 {
				t.Errorf("expected 300 admitted and 300 rejected, got %d and %d", results.admitted, results.rejected)
			}
			if len(results.latencies) != opts.calls {
				t.Errorf("expected %d latencies, got %d", opts.calls, len(results.latencies))
			}
		})
	}
}

func TestBenchmarkOptions_Validate(t *testing.T) {
	valid := benchmarkOptions{calls: 1, capacity: 1, keys: 1, concurrency: 1, window: time.Second}
	if err := valid.validate(); err != nil {
		t.Errorf("expected valid options, got %v", err)
	}

	invalid := valid
	invalid.concurrency = 0
	if err := invalid.validate(); err == nil {
		t.Error("expected error for zero concurrency")
	}
}

func TestCalculatePercentiles(t *testing.T) {
	latencies := make([]time.Duration, 100)
	for i := range latencies {
		latencies[i] = time.Duration(100-i) * time.Millisecond
	}

	lo, mean, median, p95, p99, hi := calculatePercentiles(latencies)
	if lo != time.Millisecond || hi != 100*time.Millisecond {
		t.Errorf("unexpected bounds: %v, %v", lo, hi)
	}
	if mean != 50500*time.Microsecond {
		t.Errorf("unexpected mean: %v", mean)
	}
	if median != 51*time.Millisecond || p95 != 96*time.Millisecond || p99 != 100*time.Millisecond {
		t.Errorf("unexpected percentiles: %v %v %v", median, p95, p99)
	}
}

func TestCounterTable(t *testing.T) {
	var buf bytes.Buffer
	if err := cli.NewFormatter(cli.FormatText).FormatTo(&buf, counterTable(nil)); err != nil {
		t.Fatalf("FormatTo failed: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "RESOURCE") {
		t.Errorf("expected header row, got %q", buf.String())
	}
}

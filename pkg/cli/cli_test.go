package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
	"time"

	"mercator-hq/floodgate/pkg/config"
)

type testTable struct{}

func (testTable) Header() []string { return []string{"RESOURCE", "LIMIT", "COUNT"} }
func (testTable) Rows() [][]string {
	return [][]string{
		{"search", "perUser", "1"},
		{"upload", "global, burst", "12"},
	}
}

// ============================================================================
// Errors
// ============================================================================

func TestConfigError(t *testing.T) {
	tests := []struct {
		err  *ConfigError
		want string
	}{
		{NewConfigError("storage.backend", "unknown backend"), "config error in storage.backend: unknown backend"},
		{NewConfigError("", "file not found"), "config error: file not found"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestCommandError(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewCommandError("counters", inner)

	if err.Error() != "command counters failed: connection refused" {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("expected CommandError to unwrap to the inner error")
	}
}

func TestConfigErrors(t *testing.T) {
	verr := config.ValidationError{Errors: []config.FieldError{
		{Field: "a", Message: "bad"},
		{Field: "b", Message: "worse"},
	}}

	got := ConfigErrors(fmt.Errorf("load: %w", verr))
	if len(got) != 2 || got[1].Field != "b" {
		t.Errorf("unexpected config errors: %+v", got)
	}

	got = ConfigErrors(errors.New("no such file"))
	if len(got) != 1 || got[0].Field != "" {
		t.Errorf("unexpected config errors: %+v", got)
	}

	if ConfigErrors(nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"config error", NewConfigError("x", "y"), ExitConfigError},
		{"validation error", fmt.Errorf("wrapped: %w", config.ValidationError{}), ExitConfigError},
		{"command error", NewCommandError("run", errors.New("boom")), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

// ============================================================================
// Output
// ============================================================================

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{"csv", FormatCSV, false},
		{"", FormatText, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestTextFormatter(t *testing.T) {
	out, err := NewFormatter(FormatText).Format(testTable{})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "RESOURCE  LIMIT") {
		t.Errorf("expected aligned header, got %q", lines[0])
	}

	out, _ = NewFormatter(FormatText).Format("plain")
	if string(out) != "plain\n" {
		t.Errorf("unexpected plain output: %q", out)
	}
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFormatter(FormatJSON).FormatTo(&buf, map[string]int{"count": 3}); err != nil {
		t.Fatalf("FormatTo failed: %v", err)
	}
	if buf.String() != "{\n  \"count\": 3\n}\n" {
		t.Errorf("unexpected JSON: %q", buf.String())
	}

	compact, _ := (&JSONFormatter{}).Format([]int{1, 2})
	if string(compact) != "[1,2]" {
		t.Errorf("unexpected compact JSON: %q", compact)
	}
}

func TestCSVFormatter(t *testing.T) {
	out, err := NewFormatter(FormatCSV).Format(testTable{})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	want := "RESOURCE,LIMIT,COUNT\nsearch,perUser,1\nupload,\"global, burst\",12\n"
	if string(out) != want {
		t.Errorf("unexpected CSV:\n%s", out)
	}

	if _, err := NewFormatter(FormatCSV).Format("not a table"); err == nil {
		t.Error("expected error for non-tabular data")
	}
}

// ============================================================================
// Progress
// ============================================================================

func TestSimpleProgress(t *testing.T) {
	var buf bytes.Buffer
	progress := NewProgressReporter(&buf)

	progress.Start(100)
	progress.Update(50)
	progress.Update(25) // ignored
	progress.Finish()

	out := buf.String()
	if !strings.Contains(out, "50.0% (50/100)") {
		t.Errorf("expected halfway render, got %q", out)
	}
	if strings.Contains(out, "(25/100)") {
		t.Error("expected backwards update to be ignored")
	}
	if !strings.Contains(out, "100.0% (100/100)") || !strings.Contains(out, "calls/s") {
		t.Errorf("expected final render, got %q", out)
	}
}

func TestSimpleProgress_ZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	progress := NewProgressReporter(&buf)

	progress.Start(0)
	progress.Update(10)
	progress.Finish()

	if strings.Contains(buf.String(), "Progress:") {
		t.Errorf("expected no bar for zero total, got %q", buf.String())
	}
}

func TestSimpleProgress_Error(t *testing.T) {
	var buf bytes.Buffer
	NewProgressReporter(&buf).Error(errors.New("backend down"))
	if !strings.Contains(buf.String(), "Error: backend down") {
		t.Errorf("unexpected error output: %q", buf.String())
	}
}

// ============================================================================
// Signals
// ============================================================================

func TestSetupSignalHandler(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := SetupSignalHandler(parent)
	defer stop()

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled too early")
	default:
	}

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("expected parent cancellation to propagate")
	}
}

func TestReloadSignals(t *testing.T) {
	ch, stop := ReloadSignals()
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("failed to send SIGHUP: %v", err)
	}

	select {
	case sig := <-ch:
		if sig != syscall.SIGHUP {
			t.Errorf("expected SIGHUP, got %v", sig)
		}
	case <-time.After(2 * time.Second):
		t.Error("timed out waiting for SIGHUP")
	}
}

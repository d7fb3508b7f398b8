package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateLimits(&cfg.Limits)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if cfg.Watch.Debounce < 0 {
		errs = append(errs, FieldError{
			Field:   "watch.debounce",
			Message: "debounce cannot be negative",
		})
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

// validateServer validates HTTP server configuration.
func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: "listen address is required",
		})
	} else if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: fmt.Sprintf("invalid listen address %q: %v", cfg.ListenAddress, err),
		})
	}

	timeouts := []struct {
		field string
		value time.Duration
	}{
		{"server.read_timeout", cfg.ReadTimeout},
		{"server.write_timeout", cfg.WriteTimeout},
		{"server.idle_timeout", cfg.IdleTimeout},
		{"server.shutdown_timeout", cfg.ShutdownTimeout},
	}
	for _, t := range timeouts {
		if t.value <= 0 {
			errs = append(errs, FieldError{
				Field:   t.field,
				Message: "timeout must be positive",
			})
		}
	}

	if cfg.MaxHeaderBytes <= 0 {
		errs = append(errs, FieldError{
			Field:   "server.max_header_bytes",
			Message: "max header bytes must be positive",
		})
	}
	if cfg.MaxBodyBytes <= 0 {
		errs = append(errs, FieldError{
			Field:   "server.max_body_bytes",
			Message: "max body bytes must be positive",
		})
	}

	errs = append(errs, validateTLS(&cfg.TLS)...)
	errs = append(errs, validateAuth(&cfg.Auth)...)

	return errs
}

func validateTLS(cfg *TLSConfig) []FieldError {
	if !cfg.Enabled {
		return nil
	}

	var errs []FieldError
	if cfg.CertFile == "" {
		errs = append(errs, FieldError{
			Field:   "server.tls.cert_file",
			Message: "cert file is required when TLS is enabled",
		})
	}
	if cfg.KeyFile == "" {
		errs = append(errs, FieldError{
			Field:   "server.tls.key_file",
			Message: "key file is required when TLS is enabled",
		})
	}
	if cfg.MinVersion != "1.2" && cfg.MinVersion != "1.3" {
		errs = append(errs, FieldError{
			Field:   "server.tls.min_version",
			Message: fmt.Sprintf("unsupported TLS version %q (must be 1.2 or 1.3)", cfg.MinVersion),
		})
	}
	if cfg.ReloadInterval <= 0 {
		errs = append(errs, FieldError{
			Field:   "server.tls.reload_interval",
			Message: "reload interval must be positive",
		})
	}
	return errs
}

func validateAuth(cfg *AuthConfig) []FieldError {
	var errs []FieldError

	if cfg.Enabled && len(cfg.Keys) == 0 {
		errs = append(errs, FieldError{
			Field:   "server.auth.keys",
			Message: "at least one API key is required when auth is enabled",
		})
	}

	names := make(map[string]bool, len(cfg.Keys))
	for i, key := range cfg.Keys {
		prefix := fmt.Sprintf("server.auth.keys[%d]", i)

		if key.Name == "" {
			errs = append(errs, FieldError{Field: prefix + ".name", Message: "key name is required"})
		} else if names[key.Name] {
			errs = append(errs, FieldError{Field: prefix + ".name", Message: fmt.Sprintf("duplicate key %q", key.Name)})
		}
		names[key.Name] = true

		if key.Key == "" {
			msg := "key is required"
			if key.KeyEnv != "" {
				msg = fmt.Sprintf("environment variable %s is empty", key.KeyEnv)
			}
			errs = append(errs, FieldError{Field: prefix + ".key", Message: msg})
		}
	}

	return errs
}

// validateLimits validates resource and limit declarations.
func validateLimits(cfg *LimitsConfig) []FieldError {
	var errs []FieldError

	if !validFailurePolicy(cfg.FailurePolicy) {
		errs = append(errs, FieldError{
			Field:   "limits.failure_policy",
			Message: fmt.Sprintf("invalid failure policy %q: must be 'fail_closed' or 'fail_open'", cfg.FailurePolicy),
		})
	}

	resources := make(map[string]bool, len(cfg.Resources))
	for i, res := range cfg.Resources {
		prefix := fmt.Sprintf("limits.resources[%d]", i)

		switch {
		case res.Name == "":
			errs = append(errs, FieldError{
				Field:   prefix + ".name",
				Message: "resource name is required",
			})
		case strings.ContainsAny(res.Name, "/ "):
			errs = append(errs, FieldError{
				Field:   prefix + ".name",
				Message: fmt.Sprintf("resource name %q must not contain '/' or spaces", res.Name),
			})
		case resources[res.Name]:
			errs = append(errs, FieldError{
				Field:   prefix + ".name",
				Message: fmt.Sprintf("duplicate resource %q", res.Name),
			})
		}
		resources[res.Name] = true

		if res.FailurePolicy != "" && !validFailurePolicy(res.FailurePolicy) {
			errs = append(errs, FieldError{
				Field:   prefix + ".failure_policy",
				Message: fmt.Sprintf("invalid failure policy %q: must be 'fail_closed' or 'fail_open'", res.FailurePolicy),
			})
		}

		if len(res.Limits) == 0 {
			errs = append(errs, FieldError{
				Field:   prefix + ".limits",
				Message: "at least one limit is required",
			})
		}

		names := make(map[string]bool, len(res.Limits))
		for j, lim := range res.Limits {
			errs = append(errs, validateLimit(fmt.Sprintf("%s.limits[%d]", prefix, j), &lim, names)...)
		}
	}

	return errs
}

func validateLimit(prefix string, lim *LimitConfig, names map[string]bool) []FieldError {
	var errs []FieldError

	if lim.Name == "" {
		errs = append(errs, FieldError{
			Field:   prefix + ".name",
			Message: "limit name is required",
		})
	} else if names[lim.Name] {
		errs = append(errs, FieldError{
			Field:   prefix + ".name",
			Message: fmt.Sprintf("duplicate limit %q", lim.Name),
		})
	}
	names[lim.Name] = true

	if lim.Capacity <= 0 {
		errs = append(errs, FieldError{
			Field:   prefix + ".capacity",
			Message: "capacity must be positive",
		})
	}
	if lim.Duration <= 0 {
		errs = append(errs, FieldError{
			Field:   prefix + ".duration",
			Message: "duration must be positive",
		})
	}

	return errs
}

func validFailurePolicy(p string) bool {
	return p == "fail_closed" || p == "fail_open"
}

// validateStorage validates the counter backend configuration.
func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "memory":
		if cfg.Memory.MaxEntries <= 0 {
			errs = append(errs, FieldError{
				Field:   "storage.memory.max_entries",
				Message: "max entries must be positive",
			})
		}
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.path",
				Message: "sqlite path is required when backend is 'sqlite'",
			})
		}
		if cfg.SQLite.Driver != "sqlite" && cfg.SQLite.Driver != "sqlite3" {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.driver",
				Message: fmt.Sprintf("invalid sqlite driver %q: must be 'sqlite' or 'sqlite3'", cfg.SQLite.Driver),
			})
		}
		if cfg.SQLite.BusyTimeout < 0 {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.busy_timeout",
				Message: "busy timeout cannot be negative",
			})
		}
	case "redis":
		if cfg.Redis.Address == "" {
			errs = append(errs, FieldError{
				Field:   "storage.redis.address",
				Message: "redis address is required when backend is 'redis'",
			})
		}
		if cfg.Redis.DB < 0 {
			errs = append(errs, FieldError{
				Field:   "storage.redis.db",
				Message: "redis db must be non-negative",
			})
		}
		if cfg.Redis.Timeout <= 0 {
			errs = append(errs, FieldError{
				Field:   "storage.redis.timeout",
				Message: "redis timeout must be positive",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid storage backend %q: must be 'memory', 'sqlite', or 'redis'", cfg.Backend),
		})
	}

	if cfg.Cleanup.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Cleanup.Schedule); err != nil {
			errs = append(errs, FieldError{
				Field:   "storage.cleanup.schedule",
				Message: fmt.Sprintf("invalid cron schedule %q: %v", cfg.Cleanup.Schedule, err),
			})
		}
	}

	return errs
}

// validateTelemetry validates logging, metrics, tracing and health configuration.
func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}

	// Validate logging format
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json', 'text', or 'console'", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{
			Field:   "telemetry.metrics.path",
			Message: "metrics path must start with /",
		})
	}

	// Validate tracing configuration
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.endpoint",
			Message: "tracing endpoint is required when tracing is enabled",
		})
	}
	validSamplers := map[string]bool{"always": true, "never": true, "ratio": true}
	if !validSamplers[cfg.Tracing.Sampler] {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sampler",
			Message: fmt.Sprintf("invalid sampler %q: must be 'always', 'never', or 'ratio'", cfg.Tracing.Sampler),
		})
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1.0 {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sample_ratio",
			Message: "sample ratio must be between 0.0 and 1.0",
		})
	}

	// Validate health check configuration
	if cfg.Health.Enabled {
		paths := []struct {
			field string
			value string
		}{
			{"telemetry.health.liveness_path", cfg.Health.LivenessPath},
			{"telemetry.health.readiness_path", cfg.Health.ReadinessPath},
			{"telemetry.health.version_path", cfg.Health.VersionPath},
		}
		for _, p := range paths {
			if !strings.HasPrefix(p.value, "/") {
				errs = append(errs, FieldError{
					Field:   p.field,
					Message: "path must start with /",
				})
			}
		}

		if cfg.Health.CheckTimeout <= 0 {
			errs = append(errs, FieldError{
				Field:   "telemetry.health.check_timeout",
				Message: "check timeout must be positive",
			})
		}
		if cfg.Health.CheckTimeout > 60*time.Second {
			errs = append(errs, FieldError{
				Field:   "telemetry.health.check_timeout",
				Message: "check timeout exceeds reasonable limit (60s)",
			})
		}
	}

	return errs
}

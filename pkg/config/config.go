package config

import "time"

// Config is the root configuration for Floodgate.
// It contains all settings needed to run the rate limiting service.
type Config struct {
	// Server contains HTTP server configuration.
	Server ServerConfig `yaml:"server"`

	// Limits declares the protected resources and their limits.
	Limits LimitsConfig `yaml:"limits"`

	// Storage selects and configures the counter backend.
	Storage StorageConfig `yaml:"storage"`

	// Telemetry contains logging, metrics, tracing and health settings.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Watch controls hot reloading of the configuration file.
	Watch WatchConfig `yaml:"watch"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// ListenAddress is the address to listen on.
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	// Default: 10s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response.
	// Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the maximum time to wait for the next request on keep-alive connections.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxHeaderBytes is the maximum size of request headers.
	// Default: 1048576 (1 MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// MaxBodyBytes is the maximum size of a check request body.
	// Default: 65536 (64 KB)
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// TLS serves the API over HTTPS.
	TLS TLSConfig `yaml:"tls"`

	// Auth protects the /v1 API with API keys.
	Auth AuthConfig `yaml:"auth"`
}

// TLSConfig configures HTTPS. Certificates are reloaded from disk when the
// files change, so renewals need no restart.
type TLSConfig struct {
	// Enabled serves HTTPS instead of HTTP.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// CertFile is the path to the PEM-encoded certificate chain.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded private key.
	KeyFile string `yaml:"key_file"`

	// MinVersion is the minimum TLS version to accept.
	// Options: "1.2", "1.3"
	// Default: "1.3"
	MinVersion string `yaml:"min_version"`

	// ReloadInterval is how often the certificate files are checked for changes.
	// Default: 5m
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// AuthConfig configures API key authentication of the /v1 endpoints.
// Health, version and metrics endpoints are never authenticated.
type AuthConfig struct {
	// Enabled requires a valid API key on every /v1 request.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Header is the request header carrying the key. "Authorization"
	// headers may use the "Bearer" scheme.
	// Default: "Authorization"
	Header string `yaml:"header"`

	// Keys lists the accepted API keys.
	Keys []APIKeyConfig `yaml:"keys"`
}

// APIKeyConfig declares one API key.
type APIKeyConfig struct {
	// Name identifies the client in logs. Names must be unique.
	Name string `yaml:"name"`

	// Key is the secret value. Prefer KeyEnv to keep it out of the file.
	Key string `yaml:"key"`

	// KeyEnv names an environment variable holding the key. It is read
	// when the configuration is loaded and takes precedence over Key.
	KeyEnv string `yaml:"key_env"`

	// Disabled rejects the key without removing it.
	Disabled bool `yaml:"disabled"`
}

// LimitsConfig declares the protected resources.
type LimitsConfig struct {
	// FailurePolicy decides how calls are treated when storage fails.
	// Options: "fail_closed", "fail_open"
	// Default: "fail_closed"
	FailurePolicy string `yaml:"failure_policy"`

	// Resources lists the protected resources. Resource names must be unique.
	Resources []ResourceConfig `yaml:"resources"`
}

// ResourceConfig declares one resource and its limits, in evaluation order.
type ResourceConfig struct {
	// Name is the resource name used in check requests.
	Name string `yaml:"name"`

	// FailurePolicy overrides limits.failure_policy for this resource.
	FailurePolicy string `yaml:"failure_policy"`

	// Limits are evaluated in the order listed.
	Limits []LimitConfig `yaml:"limits"`
}

// LimitConfig declares a single limit.
type LimitConfig struct {
	// Name identifies the limit within its resource.
	Name string `yaml:"name"`

	// Capacity is the maximum number of calls admitted per window.
	Capacity int64 `yaml:"capacity"`

	// Duration is the window length.
	Duration time.Duration `yaml:"duration"`

	// Property is the request attribute whose value partitions the counters.
	// Empty means one counter for the whole resource.
	Property string `yaml:"property"`

	// LogBreaches logs every breach of this limit at INFO level.
	// Default: false
	LogBreaches bool `yaml:"log_breaches"`
}

// StorageConfig selects the counter backend.
type StorageConfig struct {
	// Backend is the backend type.
	// Options: "memory", "sqlite", "redis"
	// Default: "memory"
	Backend string `yaml:"backend"`

	// Memory configures the in-process backend.
	Memory MemoryStorageConfig `yaml:"memory"`

	// SQLite configures the SQLite backend.
	SQLite SQLiteStorageConfig `yaml:"sqlite"`

	// Redis configures the Redis backend.
	Redis RedisStorageConfig `yaml:"redis"`

	// Cleanup schedules removal of expired counters.
	Cleanup CleanupConfig `yaml:"cleanup"`
}

// MemoryStorageConfig configures the in-process backend.
type MemoryStorageConfig struct {
	// MaxEntries bounds the number of live counters.
	// Default: 1000000
	MaxEntries int `yaml:"max_entries"`

	// CleanupInterval is how often expired counters are swept.
	// Default: 1m
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// SQLiteStorageConfig configures the SQLite backend.
type SQLiteStorageConfig struct {
	// Path is the database file path.
	// Default: "data/floodgate.db"
	Path string `yaml:"path"`

	// Driver is the database/sql driver name.
	// Options: "sqlite" (pure Go), "sqlite3" (cgo)
	// Default: "sqlite"
	Driver string `yaml:"driver"`

	// BusyTimeout is how long to wait for database locks.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// CheckpointInterval is how often the WAL is checkpointed.
	// Default: 5m
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// RedisStorageConfig configures the Redis backend.
type RedisStorageConfig struct {
	// Address is the Redis server address.
	// Default: "localhost:6379"
	Address string `yaml:"address"`

	// Password is the optional Redis password.
	Password string `yaml:"password"`

	// DB is the Redis database number.
	// Default: 0
	DB int `yaml:"db"`

	// KeyPrefix namespaces every counter key.
	// Default: "floodgate"
	KeyPrefix string `yaml:"key_prefix"`

	// Timeout bounds each Redis round trip.
	// Default: 250ms
	Timeout time.Duration `yaml:"timeout"`
}

// CleanupConfig schedules expired counter removal.
type CleanupConfig struct {
	// Schedule is a standard cron expression. Empty disables scheduled cleanup.
	// Example: "*/5 * * * *"
	Schedule string `yaml:"schedule"`
}

// TelemetryConfig contains observability configuration.
type TelemetryConfig struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Health contains health check configuration.
	Health HealthConfig `yaml:"health"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text", "console"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`

	// RedactPII enables redaction of attribute values in logs.
	// Default: true
	RedactPII bool `yaml:"redact_pii"`

	// RedactPatterns contains custom redaction patterns.
	RedactPatterns []RedactPattern `yaml:"redact_patterns"`
}

// RedactPattern defines a custom redaction pattern.
type RedactPattern struct {
	// Name is a descriptive name for the pattern.
	Name string `yaml:"name"`

	// Pattern is the regular expression to match.
	Pattern string `yaml:"pattern"`

	// Replacement is the string to replace matches with.
	Replacement string `yaml:"replacement"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is served.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path for the Prometheus metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix for HTTP metrics.
	// Default: "floodgate"
	Namespace string `yaml:"namespace"`

	// RequestDurationBuckets defines histogram buckets for request duration (seconds).
	// Default: [0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25]
	RequestDurationBuckets []float64 `yaml:"request_duration_buckets"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Sampler determines the sampling strategy.
	// Options: "always", "never", "ratio"
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio is the fraction of traces to sample (0.0 to 1.0).
	// Only used when Sampler is "ratio".
	// Default: 0.1 (10%)
	SampleRatio float64 `yaml:"sample_ratio"`

	// Endpoint is the OTLP gRPC collector endpoint.
	// Example: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// ServiceName is the service name in traces.
	// Default: "floodgate"
	ServiceName string `yaml:"service_name"`

	// OTLP contains OTLP exporter specific configuration.
	OTLP OTLPConfig `yaml:"otlp"`
}

// OTLPConfig contains OTLP exporter configuration.
type OTLPConfig struct {
	// Insecure disables TLS for OTLP connection.
	// Default: true
	Insecure bool `yaml:"insecure"`

	// Timeout is the timeout for OTLP exports.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// HealthConfig contains health check endpoint configuration.
type HealthConfig struct {
	// Enabled controls whether health check endpoints are enabled.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// LivenessPath is the path for the liveness probe endpoint.
	// Default: "/health"
	LivenessPath string `yaml:"liveness_path"`

	// ReadinessPath is the path for the readiness probe endpoint.
	// Default: "/ready"
	ReadinessPath string `yaml:"readiness_path"`

	// VersionPath is the path for the version information endpoint.
	// Default: "/version"
	VersionPath string `yaml:"version_path"`

	// CheckTimeout is the timeout for individual component health checks.
	// Default: 5s
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

// WatchConfig controls configuration hot reloading.
type WatchConfig struct {
	// Enabled reloads resources and limits when the configuration file changes.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Debounce coalesces bursts of file events.
	// Default: 500ms
	Debounce time.Duration `yaml:"debounce"`
}

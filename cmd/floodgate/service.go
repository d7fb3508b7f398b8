package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"mercator-hq/floodgate/pkg/catalog"
	"mercator-hq/floodgate/pkg/cli"
	"mercator-hq/floodgate/pkg/config"
	"mercator-hq/floodgate/pkg/limits"
	"mercator-hq/floodgate/pkg/limits/storage"
	"mercator-hq/floodgate/pkg/security/auth"
	sectls "mercator-hq/floodgate/pkg/security/tls"
	"mercator-hq/floodgate/pkg/server"
	"mercator-hq/floodgate/pkg/telemetry/health"
	"mercator-hq/floodgate/pkg/telemetry/metrics"
	"mercator-hq/floodgate/pkg/telemetry/tracing"
)

// service is every long-lived component of a running floodgate instance.
type service struct {
	logger    *slog.Logger
	backend   storage.Backend
	factory   *limits.Factory
	catalog   *catalog.Catalog
	collector *metrics.Collector
	tracer    *tracing.Tracer
	scheduler *storage.CleanupScheduler
	health    *health.Checker
	apiKeys   *auth.APIKeyValidator
	server    *server.Server

	// stopCerts ends the certificate reload loop. Nil without TLS.
	stopCerts context.CancelFunc
}

// openBackend builds the counter backend selected by cfg.
func openBackend(cfg config.StorageConfig, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return storage.NewMemoryBackendWithConfig(storage.MemoryBackendConfig{
			MaxEntries:      cfg.Memory.MaxEntries,
			CleanupInterval: cfg.Memory.CleanupInterval,
			Logger:          logger,
		}), nil
	case "sqlite":
		backend, err := storage.NewSQLiteBackendWithConfig(storage.SQLiteBackendConfig{
			DBPath:             cfg.SQLite.Path,
			Driver:             cfg.SQLite.Driver,
			CheckpointInterval: cfg.SQLite.CheckpointInterval,
			BusyTimeout:        cfg.SQLite.BusyTimeout,
			Logger:             logger,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "redis":
		backend, err := storage.NewRedisBackend(storage.RedisBackendConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Timeout:   cfg.Redis.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

// newService wires storage, enforcement, telemetry and the HTTP server
// from cfg. The caller owns the result and must call close.
func newService(cfg *config.Config, logger *slog.Logger) (*service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	policy, err := limits.ParseFailurePolicy(cfg.Limits.FailurePolicy)
	if err != nil {
		return nil, cli.NewConfigError("limits.failure_policy", err.Error())
	}

	backend, err := openBackend(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}

	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, prometheus.NewRegistry())

	tracer, err := tracing.New(&cfg.Telemetry.Tracing, Version)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	factory := limits.NewFactory(backend,
		limits.WithLogger(logger),
		limits.WithMetrics(collector.Limits()),
		limits.WithTracer(tracer.Tracer()),
		limits.WithFailurePolicy(policy),
	)

	cat, err := catalog.New(factory, cfg.Limits.Resources, logger)
	if err != nil {
		factory.Close()
		tracer.Shutdown(context.Background())
		return nil, cli.NewConfigError("limits.resources", err.Error())
	}
	collector.SetResources(cat.Len())

	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
	checker.RegisterCheck("storage", health.StorageCheck(backend))
	checker.RegisterCheck("resources", health.ResourcesCheck(cat.Len))

	svc := &service{
		logger:    logger,
		backend:   backend,
		factory:   factory,
		catalog:   cat,
		collector: collector,
		tracer:    tracer,
		health:    checker,
		apiKeys:   auth.NewAPIKeyValidator(cfg.Server.Auth.Keys),
	}

	if cfg.Storage.Cleanup.Schedule != "" {
		svc.scheduler = storage.NewCleanupScheduler(backend, cfg.Storage.Cleanup.Schedule, logger)
		svc.scheduler.OnCompleted(svc.cleanupCompleted)
	}

	tlsConfig, err := svc.startTLS(cfg.Server.TLS)
	if err != nil {
		svc.close(context.Background())
		return nil, err
	}

	svc.server, err = server.NewServer(server.Options{
		Config:    cfg,
		Catalog:   cat,
		Health:    checker,
		Metrics:   collector,
		Tracer:    tracer.Tracer(),
		Logger:    logger,
		APIKeys:   svc.apiKeys,
		TLS:       tlsConfig,
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildDate,
	})
	if err != nil {
		svc.close(context.Background())
		return nil, err
	}

	return svc, nil
}

// startTLS loads the server certificate and keeps it fresh until close.
// It returns nil when TLS is disabled.
func (s *service) startTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	reloader := sectls.NewCertificateReloader(cfg.CertFile, cfg.KeyFile, cfg.ReloadInterval, nil, s.logger)
	tlsConfig, err := sectls.ServerConfig(cfg, reloader)
	if err != nil {
		return nil, cli.NewConfigError("server.tls.min_version", err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := reloader.Start(ctx); err != nil {
		cancel()
		return nil, cli.NewConfigError("server.tls.cert_file", err.Error())
	}
	s.stopCerts = cancel
	return tlsConfig, nil
}

// cleanupCompleted records a cleanup cycle and refreshes the live counter
// gauge once expired counters are gone.
func (s *service) cleanupCompleted(deleted int, err error) {
	s.collector.RecordCleanup(deleted, err)
	if err != nil {
		return
	}

	counters, err := s.catalog.Counters(context.Background())
	if err != nil {
		s.logger.Warn("failed to snapshot counters after cleanup", "error", err)
		return
	}
	s.collector.SetLiveCounters(len(counters))
}

// reload applies the resources and API keys of a newly loaded
// configuration. Other server, storage and telemetry settings only take
// effect on restart.
func (s *service) reload(cfg *config.Config) error {
	if err := s.catalog.Reload(cfg.Limits.Resources); err != nil {
		return err
	}
	s.apiKeys.Replace(cfg.Server.Auth.Keys)
	s.collector.SetResources(s.catalog.Len())
	config.SetConfig(cfg)
	return nil
}

// close stops background work, flushes spans and closes the backend.
func (s *service) close(ctx context.Context) error {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.stopCerts != nil {
		s.stopCerts()
	}

	var errs error
	if err := s.tracer.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = multierr.Append(errs, fmt.Errorf("tracer shutdown: %w", err))
	}
	if err := s.factory.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("storage close: %w", err))
	}
	return errs
}

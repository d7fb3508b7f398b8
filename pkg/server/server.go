// Package server provides the floodgate HTTP API.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"mercator-hq/floodgate/pkg/catalog"
	"mercator-hq/floodgate/pkg/config"
	"mercator-hq/floodgate/pkg/security/auth"
	"mercator-hq/floodgate/pkg/server/middleware"
	"mercator-hq/floodgate/pkg/telemetry/health"
	"mercator-hq/floodgate/pkg/telemetry/metrics"
)

// Options holds the collaborators of a Server. Config and Catalog are
// required; the rest may be nil.
type Options struct {
	Config  *config.Config
	Catalog *catalog.Catalog
	Health  *health.Checker
	Metrics *metrics.Collector
	Tracer  trace.Tracer
	Logger  *slog.Logger

	// APIKeys validates API keys. Required when server.auth is enabled.
	APIKeys auth.KeyStore

	// TLS serves HTTPS when set.
	TLS *tls.Config

	// Version, Commit and BuildTime are reported on the version endpoint.
	Version   string
	Commit    string
	BuildTime string
}

// Server serves the check API, the introspection endpoints and the
// telemetry endpoints.
type Server struct {
	config    *config.Config
	catalog   *catalog.Catalog
	health    *health.Checker
	metrics   *metrics.Collector
	tracer    trace.Tracer
	logger    *slog.Logger
	apiKeys   auth.KeyStore
	tls       *tls.Config
	version   string
	commit    string
	buildTime string

	httpServer   *http.Server
	listener     net.Listener
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

// NewServer creates a server. It does not start listening.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if opts.Catalog == nil {
		return nil, errors.New("catalog cannot be nil")
	}
	if opts.Config.Server.Auth.Enabled && opts.APIKeys == nil {
		return nil, errors.New("auth is enabled but no API key store was given")
	}

	s := &Server{
		config:    opts.Config,
		catalog:   opts.Catalog,
		health:    opts.Health,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    opts.Logger,
		apiKeys:   opts.APIKeys,
		tls:       opts.TLS,
		version:   opts.Version,
		commit:    opts.Commit,
		buildTime: opts.BuildTime,
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("floodgate")
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "server")
	return s, nil
}

// Start listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	cfg := s.config.Server
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddress, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
		TLSConfig:      s.tls,
		ErrorLog:       slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.isRunning = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"address", listener.Addr().String(),
			"resources", s.catalog.Len(),
			"tls", s.tls != nil,
		)
		var err error
		if s.tls != nil {
			err = s.httpServer.ServeTLS(listener, "", "")
		} else {
			err = s.httpServer.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	}
}

// Shutdown gracefully shuts down the server, waiting at most the configured
// shutdown timeout for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		timeout := s.config.Server.ShutdownTimeout
		s.logger.Info("initiating graceful shutdown", "timeout", timeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("server stopped")
	})

	return shutdownErr
}

// Addr returns the address the server listens on, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)

	var handler http.Handler = mux
	handler = middleware.BodyLimitMiddleware(s.config.Server.MaxBodyBytes)(handler)
	handler = middleware.MetricsMiddleware(s.metrics)(handler)
	handler = middleware.LoggingMiddleware(s.logger)(handler)
	handler = middleware.TracingMiddleware(s.tracer)(handler)
	handler = middleware.RecoveryMiddleware(s.logger)(handler)
	handler = middleware.RequestIDMiddleware(handler)
	return handler
}

func (s *Server) routes(mux *http.ServeMux) {
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, middleware.Route(h))
	}

	api := func(pattern string, h http.HandlerFunc) {
		var handler http.Handler = h
		if s.config.Server.Auth.Enabled {
			mw := auth.NewAPIKeyMiddleware(s.apiKeys, auth.SourcesFor(s.config.Server.Auth.Header), s.logger)
			handler = mw.Handle(handler)
		}
		mux.Handle(pattern, middleware.Route(handler))
	}

	api("POST /v1/check/{resource}", s.handleCheck)
	api("GET /v1/resources", s.handleResources)
	api("GET /v1/counters", s.handleCounters)

	telemetry := s.config.Telemetry
	if telemetry.Health.Enabled && s.health != nil {
		handle(telemetry.Health.LivenessPath, s.health.LivenessHandler())
		handle(telemetry.Health.ReadinessPath, s.health.ReadinessHandler())
		handle(telemetry.Health.VersionPath, health.VersionHandler(s.version, s.commit, s.buildTime))
	}
	if telemetry.Metrics.Enabled && s.metrics != nil {
		mux.Handle(telemetry.Metrics.Path, middleware.Route(s.metrics.Handler()))
	}
}

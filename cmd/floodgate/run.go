package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/floodgate/pkg/cli"
	"mercator-hq/floodgate/pkg/config"
	"mercator-hq/floodgate/pkg/telemetry/logging"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Floodgate server",
	Long: `Start the Floodgate server with the specified configuration.

The server answers check requests for the configured resources, serves the
live counters, and exposes health, version and Prometheus endpoints.

The resource catalog and API keys are reloaded on SIGHUP, and on file changes when
watch.enabled is set. Storage, server and telemetry settings need a restart.

Examples:
  # Start with default config
  floodgate run

  # Start with custom config
  floodgate run --config /etc/floodgate/config.yaml

  # Override listen address
  floodgate run --listen 0.0.0.0:8080

  # Validate config without starting server
  floodgate run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
}

// loadRunConfig loads the configuration and applies command line overrides.
func loadRunConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(path)
	if err != nil {
		return nil, configLoadError(err)
	}

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadRunConfig(cfgFile)
	if err != nil {
		return err
	}
	config.SetConfig(cfg)

	logger, err := logging.New(logging.ConfigFrom(cfg.Telemetry.Logging))
	if err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}
	slog.SetDefault(logger)

	if runFlags.dryRun {
		fmt.Fprintln(out, "✓ Configuration valid")
		return nil
	}

	printBanner(out, cfg)

	svc, err := newService(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := svc.close(closeCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	fmt.Fprintf(out, "✓ Storage initialized (%s)\n", cfg.Storage.Backend)
	fmt.Fprintf(out, "✓ Resources loaded (%d resources)\n", svc.catalog.Len())

	ctx, stop := cli.SetupSignalHandler(cmd.Context())
	defer stop()

	if svc.scheduler != nil {
		if err := svc.scheduler.Start(ctx); err != nil {
			return cli.NewCommandError("run", err)
		}
		if next := svc.scheduler.NextRun(); next != nil {
			logger.Debug("counter cleanup scheduled", "next_run", next.Format(time.RFC3339))
		}
	}

	if cfg.Watch.Enabled {
		watcher, err := config.NewWatcher(cfgFile, cfg.Watch.Debounce, logger)
		if err != nil {
			return cli.NewCommandError("run", err)
		}
		defer watcher.Stop()

		go func() {
			if err := watcher.Watch(ctx, svc.reload); err != nil {
				logger.Error("config watcher exited", "error", err)
			}
		}()
	}

	reloads, stopReloads := cli.ReloadSignals()
	defer stopReloads()
	go handleReloads(ctx, reloads, svc, logger)

	fmt.Fprintf(out, "✓ Listening on %s\n", cfg.Server.ListenAddress)
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	if err := svc.server.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}

	fmt.Fprintln(out, "✓ Server stopped")
	return nil
}

// handleReloads reloads the configuration file on every signal until ctx is
// cancelled. A failed reload keeps the running configuration.
func handleReloads(ctx context.Context, signals <-chan os.Signal, svc *service, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
			if err != nil {
				logger.Error("config reload failed, keeping previous configuration", "error", err)
				continue
			}
			if err := svc.reload(cfg); err != nil {
				logger.Error("config reload rejected", "error", err)
				continue
			}
			logger.Info("configuration reloaded", "resources", svc.catalog.Len())
		}
	}
}

func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "Floodgate v%s\n", Version)
	fmt.Fprintf(w, "Loading configuration from: %s\n", cfgFile)
	fmt.Fprintln(w, "✓ Configuration loaded")

	slog.Debug("failure policy", "policy", cfg.Limits.FailurePolicy)
	if cfg.Watch.Enabled {
		slog.Debug("config watch enabled", "debounce", cfg.Watch.Debounce.String())
	}
	if cfg.Server.TLS.Enabled {
		fmt.Fprintf(w, "✓ TLS enabled (min version %s)\n", cfg.Server.TLS.MinVersion)
	}
	if cfg.Server.Auth.Enabled {
		fmt.Fprintf(w, "✓ API key auth enabled (%d keys)\n", len(cfg.Server.Auth.Keys))
	}
}

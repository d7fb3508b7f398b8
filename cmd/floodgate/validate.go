package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"mercator-hq/floodgate/pkg/catalog"
	"mercator-hq/floodgate/pkg/cli"
	"mercator-hq/floodgate/pkg/config"
	"mercator-hq/floodgate/pkg/limits"
	"mercator-hq/floodgate/pkg/limits/storage"
)

var validateFlags struct {
	format string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load a configuration file, apply environment overrides and check it.

Every invalid field is reported. When the file is valid, each resource is
built exactly as the server would build it and the resulting limits are
listed.

Examples:
  # Validate the default config
  floodgate validate

  # Validate another file and list limits as CSV
  floodgate validate --config staging.yaml --format csv`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateFlags.format, "format", "text", "output format: text, json, csv")
}

// resourceTable lists one row per limit.
type resourceTable []catalog.ResourceInfo

func (t resourceTable) Header() []string {
	return []string{"RESOURCE", "FAILURE POLICY", "LIMIT", "CAPACITY", "WINDOW", "PROPERTY"}
}

func (t resourceTable) Rows() [][]string {
	var rows [][]string
	for _, res := range t {
		for _, lim := range res.Limits {
			property := lim.Property
			if property == "" {
				property = "-"
			}
			rows = append(rows, []string{
				res.Name,
				res.FailurePolicy,
				lim.Name,
				strconv.FormatInt(lim.Capacity, 10),
				lim.Duration,
				property,
			})
		}
	}
	return rows
}

func runValidate(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(validateFlags.format)
	if err != nil {
		return cli.NewConfigError("format", err.Error())
	}

	out := cmd.OutOrStdout()

	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		for _, cerr := range cli.ConfigErrors(err) {
			fmt.Fprintf(cmd.ErrOrStderr(), "  ✗ %s\n", cerr.Error())
		}
		return configLoadError(err)
	}

	resources, err := buildResources(cfg)
	if err != nil {
		return err
	}

	if format == cli.FormatText {
		fmt.Fprintf(out, "✓ %s is valid (%d resources)\n\n", cfgFile, len(resources))
	}

	var data any = resourceTable(resources)
	if format == cli.FormatJSON {
		data = resources
	}
	return cli.NewFormatter(format).FormatTo(out, data)
}

// buildResources builds every resource against a throwaway memory backend,
// catching errors validation alone cannot.
func buildResources(cfg *config.Config) ([]catalog.ResourceInfo, error) {
	policy, err := limits.ParseFailurePolicy(cfg.Limits.FailurePolicy)
	if err != nil {
		return nil, cli.NewConfigError("limits.failure_policy", err.Error())
	}

	backend := storage.NewMemoryBackendWithConfig(storage.MemoryBackendConfig{CleanupInterval: -1})
	factory := limits.NewFactory(backend, limits.WithFailurePolicy(policy))
	defer factory.Close()

	cat, err := catalog.New(factory, cfg.Limits.Resources, nil)
	if err != nil {
		return nil, cli.NewConfigError("limits.resources", err.Error())
	}
	return cat.Resources(), nil
}

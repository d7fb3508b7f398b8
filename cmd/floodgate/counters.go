package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/floodgate/pkg/cli"
	"mercator-hq/floodgate/pkg/server"
	"mercator-hq/floodgate/pkg/server/middleware"
)

var countersFlags struct {
	server   string
	resource string
	format   string
	timeout  time.Duration
}

var countersCmd = &cobra.Command{
	Use:   "counters",
	Short: "List the live counters of a running server",
	Long: `Fetch the live counters from a running Floodgate server.

Each counter is one fixed window of one limit, for one property value.
Counters whose window has closed are not listed.

Examples:
  # List every counter
  floodgate counters --server http://localhost:8080

  # Only the counters of one resource, as JSON
  floodgate counters --resource search --format json`,
	RunE: runCounters,
}

func init() {
	rootCmd.AddCommand(countersCmd)

	countersCmd.Flags().StringVar(&countersFlags.server, "server", "http://127.0.0.1:8080", "floodgate server URL")
	countersCmd.Flags().StringVar(&countersFlags.resource, "resource", "", "only list counters of this resource")
	countersCmd.Flags().StringVar(&countersFlags.format, "format", "text", "output format: text, json, csv")
	countersCmd.Flags().DurationVar(&countersFlags.timeout, "timeout", 5*time.Second, "request timeout")
}

// counterTable lists one row per counter.
type counterTable []server.CounterInfo

func (t counterTable) Header() []string {
	return []string{"RESOURCE", "LIMIT", "PROPERTY", "WINDOW START", "WINDOW", "COUNT"}
}

func (t counterTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, c := range t {
		rows = append(rows, []string{
			c.Resource,
			c.Limit,
			c.Property,
			c.WindowStart.UTC().Format(time.RFC3339),
			c.Duration,
			strconv.FormatInt(c.Count, 10),
		})
	}
	return rows
}

func runCounters(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(countersFlags.format)
	if err != nil {
		return cli.NewConfigError("format", err.Error())
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), countersFlags.timeout)
	defer cancel()

	resp, err := fetchCounters(ctx, http.DefaultClient, countersFlags.server, countersFlags.resource)
	if err != nil {
		return cli.NewCommandError("counters", err)
	}

	var data any = counterTable(resp.Counters)
	if format == cli.FormatJSON {
		data = resp
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), data)
}

// fetchCounters calls GET /v1/counters on the server at base.
func fetchCounters(ctx context.Context, client *http.Client, base, resource string) (*server.CountersResponse, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/") + "/v1/counters")
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if resource != "" {
		u.RawQuery = url.Values{"resource": {resource}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var body middleware.ErrorResponse
		if json.NewDecoder(httpResp.Body).Decode(&body) == nil && body.Error.Message != "" {
			return nil, fmt.Errorf("server returned %d: %s", httpResp.StatusCode, body.Error.Message)
		}
		return nil, fmt.Errorf("server returned %d", httpResp.StatusCode)
	}

	var out server.CountersResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid counters response: %w", err)
	}
	return &out, nil
}

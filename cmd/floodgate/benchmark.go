package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"mercator-hq/floodgate/pkg/cli"
	"mercator-hq/floodgate/pkg/limits"
	"mercator-hq/floodgate/pkg/limits/storage"
)

var benchmarkFlags struct {
	backend     string
	calls       int
	capacity    int64
	keys        int
	concurrency int
	window      time.Duration
}

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Load test a storage backend",
	Long: `Hammer one limit from concurrent workers and verify the admitted count.

Calls are spread round robin over --keys property values and all land in a
single window. Every key admits exactly min(capacity, calls for that key)
calls; any other count means increments were lost or duplicated, and the
command fails.

Metrics Collected:
  - Call throughput (calls/sec)
  - Latency percentiles (p50, p95, p99, max)
  - Admitted, rejected and failed calls

Examples:
  # In-memory backend, 8 workers
  floodgate benchmark --calls 100000 --capacity 1000 --concurrency 8

  # SQLite backend in a temporary database
  floodgate benchmark --backend sqlite --calls 20000 --keys 10`,
	RunE: runBenchmark,
}

func init() {
	rootCmd.AddCommand(benchmarkCmd)

	benchmarkCmd.Flags().StringVar(&benchmarkFlags.backend, "backend", "memory", "storage backend: memory, sqlite")
	benchmarkCmd.Flags().IntVar(&benchmarkFlags.calls, "calls", 10000, "total calls")
	benchmarkCmd.Flags().Int64Var(&benchmarkFlags.capacity, "capacity", 100, "calls admitted per key and window")
	benchmarkCmd.Flags().IntVar(&benchmarkFlags.keys, "keys", 1, "distinct property values")
	benchmarkCmd.Flags().IntVar(&benchmarkFlags.concurrency, "concurrency", 4, "concurrent workers")
	benchmarkCmd.Flags().DurationVar(&benchmarkFlags.window, "window", time.Minute, "window duration")
}

type benchmarkOptions struct {
	calls       int
	capacity    int64
	keys        int
	concurrency int
	window      time.Duration
}

type benchmarkResults struct {
	calls     int
	admitted  int64
	rejected  int64
	failed    int64
	expected  int64
	duration  time.Duration
	latencies []time.Duration
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	opts := benchmarkOptions{
		calls:       benchmarkFlags.calls,
		capacity:    benchmarkFlags.capacity,
		keys:        benchmarkFlags.keys,
		concurrency: benchmarkFlags.concurrency,
		window:      benchmarkFlags.window,
	}
	if err := opts.validate(); err != nil {
		return cli.NewConfigError("benchmark", err.Error())
	}

	clock := clockwork.NewFakeClock()
	backend, cleanup, err := benchmarkBackend(benchmarkFlags.backend, clock)
	if err != nil {
		return cli.NewCommandError("benchmark", err)
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Floodgate Benchmark")
	fmt.Fprintln(out, "===================")
	fmt.Fprintf(out, "Backend:     %s\n", benchmarkFlags.backend)
	fmt.Fprintf(out, "Calls:       %d over %d keys\n", opts.calls, opts.keys)
	fmt.Fprintf(out, "Limit:       %d calls/%s\n", opts.capacity, limits.FormatISODuration(opts.window))
	fmt.Fprintf(out, "Concurrency: %d\n", opts.concurrency)
	fmt.Fprintln(out)

	factory := limits.NewFactory(backend, limits.WithClock(clock))
	results, err := runLoadTest(cmd.Context(), factory, opts, cli.NewProgressReporter(cmd.ErrOrStderr()))
	if err != nil {
		return cli.NewCommandError("benchmark", err)
	}

	displayResults(out, results)

	if results.failed == 0 && results.admitted != results.expected {
		return cli.NewCommandError("benchmark",
			fmt.Errorf("admitted %d calls, expected exactly %d", results.admitted, results.expected))
	}
	return nil
}

func (o benchmarkOptions) validate() error {
	switch {
	case o.calls <= 0:
		return fmt.Errorf("calls must be positive")
	case o.capacity <= 0:
		return fmt.Errorf("capacity must be positive")
	case o.keys <= 0:
		return fmt.Errorf("keys must be positive")
	case o.concurrency <= 0:
		return fmt.Errorf("concurrency must be positive")
	case o.window <= 0:
		return fmt.Errorf("window must be positive")
	}
	return nil
}

// expectedAdmitted is the exact number of calls a correct backend admits.
func (o benchmarkOptions) expectedAdmitted() int64 {
	var total int64
	for k := 0; k < o.keys; k++ {
		perKey := int64(o.calls / o.keys)
		if k < o.calls%o.keys {
			perKey++
		}
		total += min(perKey, o.capacity)
	}
	return total
}

// benchmarkBackend opens a throwaway backend. The returned cleanup closes it
// and removes any files it created.
func benchmarkBackend(kind string, clock clockwork.Clock) (storage.Backend, func(), error) {
	switch kind {
	case "memory":
		backend := storage.NewMemoryBackendWithConfig(storage.MemoryBackendConfig{
			CleanupInterval: -1,
			Clock:           clock,
		})
		return backend, func() { backend.Close() }, nil
	case "sqlite":
		dir, err := os.MkdirTemp("", "floodgate-benchmark-")
		if err != nil {
			return nil, nil, err
		}
		backend, err := storage.NewSQLiteBackendWithConfig(storage.SQLiteBackendConfig{
			DBPath: filepath.Join(dir, "counters.db"),
			Clock:  clock,
		})
		if err != nil {
			os.RemoveAll(dir)
			return nil, nil, err
		}
		return backend, func() {
			backend.Close()
			os.RemoveAll(dir)
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported benchmark backend: %s", kind)
	}
}

func runLoadTest(ctx context.Context, factory *limits.Factory, opts benchmarkOptions, progress cli.ProgressReporter) (*benchmarkResults, error) {
	limit, err := limits.OfString("perKey").To(opts.capacity).Per(opts.window).Build()
	if err != nil {
		return nil, err
	}
	enforcer, err := limits.Enforce[string](factory, "benchmark", limit)
	if err != nil {
		return nil, err
	}

	keys := make([]string, opts.keys)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}

	results := &benchmarkResults{
		calls:     opts.calls,
		expected:  opts.expectedAdmitted(),
		latencies: make([]time.Duration, opts.calls),
	}

	var (
		next     atomic.Int64
		done     atomic.Int64
		admitted atomic.Int64
		rejected atomic.Int64
		failed   atomic.Int64
		wg       sync.WaitGroup
	)

	progress.Start(int64(opts.calls))
	start := time.Now()

	for w := 0; w < opts.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1) - 1)
				if i >= opts.calls || ctx.Err() != nil {
					return
				}

				callStart := time.Now()
				ok, err := enforcer.TryCall(ctx, keys[i%len(keys)])
				results.latencies[i] = time.Since(callStart)

				switch {
				case err != nil:
					failed.Add(1)
				case ok:
					admitted.Add(1)
				default:
					rejected.Add(1)
				}
				progress.Update(done.Add(1))
			}
		}()
	}

	wg.Wait()
	progress.Finish()

	results.duration = time.Since(start)
	results.admitted = admitted.Load()
	results.rejected = rejected.Load()
	results.failed = failed.Load()
	results.latencies = results.latencies[:min(int(done.Load()), opts.calls)]

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func displayResults(w io.Writer, results *benchmarkResults) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Results:")
	fmt.Fprintln(w, "--------")
	fmt.Fprintf(w, "Calls:           %d total, %d admitted, %d rejected, %d failed\n",
		results.calls, results.admitted, results.rejected, results.failed)
	fmt.Fprintf(w, "Expected:        %d admitted\n", results.expected)
	fmt.Fprintf(w, "Duration:        %.2fs\n", results.duration.Seconds())

	if results.duration > 0 {
		throughput := float64(results.admitted+results.rejected+results.failed) / results.duration.Seconds()
		fmt.Fprintf(w, "Throughput:      %.0f calls/s\n", throughput)
	}

	if len(results.latencies) > 0 {
		lo, mean, median, p95, p99, hi := calculatePercentiles(results.latencies)

		fmt.Fprintln(w)
		fmt.Fprintln(w, "Latency:")
		fmt.Fprintf(w, "  Min:     %.3fms\n", float64(lo.Microseconds())/1000)
		fmt.Fprintf(w, "  Mean:    %.3fms\n", float64(mean.Microseconds())/1000)
		fmt.Fprintf(w, "  Median:  %.3fms\n", float64(median.Microseconds())/1000)
		fmt.Fprintf(w, "  p95:     %.3fms\n", float64(p95.Microseconds())/1000)
		fmt.Fprintf(w, "  p99:     %.3fms\n", float64(p99.Microseconds())/1000)
		fmt.Fprintf(w, "  Max:     %.3fms\n", float64(hi.Microseconds())/1000)
	}
}

func calculatePercentiles(latencies []time.Duration) (lo, mean, median, p95, p99, hi time.Duration) {
	if len(latencies) == 0 {
		return
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	lo = sorted[0]
	hi = sorted[len(sorted)-1]

	var sum time.Duration
	for _, lat := range sorted {
		sum += lat
	}
	mean = sum / time.Duration(len(sorted))

	median = sorted[len(sorted)/2]
	p95 = sorted[int(float64(len(sorted))*0.95)]
	p99 = sorted[int(float64(len(sorted))*0.99)]

	return
}

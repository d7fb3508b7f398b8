/*
Package cli provides command-line utilities for the floodgate command.

Output Formatting:

Results implementing Table render as aligned text or CSV; every result
renders as JSON:

	formatter := cli.NewFormatter(cli.FormatCSV)
	if err := formatter.FormatTo(os.Stdout, counters); err != nil {
		return err
	}

Progress Reporting:

	progress := cli.NewProgressReporter(os.Stderr)
	progress.Start(totalCalls)
	progress.Update(done)
	progress.Finish()

Signal Handling:

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()

SIGHUP is reserved for configuration reloads; see ReloadSignals.

Errors:

ExitCode maps configuration errors to exit status 2 and every other
failure to 1.
*/
package cli

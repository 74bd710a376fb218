package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"repolizer/internal/config"
	"repolizer/internal/data"
	"repolizer/internal/engine"
	"repolizer/internal/flags"
	"repolizer/internal/output"
	"repolizer/internal/processor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Analyse repositories from the source and append reports to the store",
	Long: `Analyse repositories listed in an NDJSON source file.

By default a single repository is analysed: the one given by --repo-id, or the
first descriptor in the source. With --process-all every repository is
analysed, one at a time or with --parallel across worker goroutines.

Repositories that already have a report in the store are skipped unless
--force is given. Each analysed repository gets exactly one report appended,
including repositories that fail, time out or are skipped for size.

Authentication:
	Remote checks and clones use a GitHub token from --github-token,
	GITHUB_TOKEN, GH_TOKEN or "gh auth token", in that order.

Exit codes:
	0 = run completed (failed repositories are recorded in the store)
	1 = configuration or repository source error (nothing was analysed)

Examples:
	# Analyse repository 42 with only the documentation checks
	repolizer run --repo-id 42 --categories documentation

	# Re-analyse everything with eight workers, writing a JSON array
	repolizer run --process-all --parallel --workers 8 --force --output results.json
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg, cmd.ErrOrStderr())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		repos, err := a.loadRepositories()
		if err != nil {
			return err
		}

		out := output.NewManager()
		var console *output.ConsoleSink
		if !cfg.Output.NoConsole {
			console = output.NewConsoleSink(cmd.OutOrStdout(), cfg.Output.ConsoleFormat, cfg.Output.ConsoleFilterStatus)
			console.Details = !cfg.Selection.ProcessAll
			_ = out.AddSink(console)
		}

		start := time.Now()
		var sum engine.Summary
		if cfg.Selection.ProcessAll {
			sum, err = a.runBatch(ctx, repos, func(done, total int, rep data.Report) {
				if werr := out.Write(rep); werr != nil {
					logger.Warn("console output failed", "error", werr)
				}
			})
		} else {
			sum, err = runSingle(ctx, a, repos, out)
		}
		sum.Duration = time.Since(start)
		if cerr := out.Close(); cerr != nil {
			logger.Warn("console output failed", "error", cerr)
		}
		if err != nil {
			return err
		}

		if console != nil && cfg.Output.ConsoleFormat == "text" {
			output.PrintSummary(cmd.OutOrStdout(), output.Summary{
				Total:     sum.Total,
				Completed: sum.Completed,
				Failed:    sum.Failed,
				Skipped:   sum.Skipped,
				Duration:  sum.Duration,
				Results:   cfg.Output.Path,
			})
		}
		logger.Info("run finished",
			"repositories", sum.Total,
			"completed", sum.Completed,
			"failed", sum.Failed,
			"skipped", sum.Skipped,
			"duration", sum.Duration.Round(time.Millisecond),
		)
		return nil
	},
}

// runSingle analyses the one repository selected by --repo-id.
func runSingle(ctx context.Context, a *app, repos []data.Repository, out *output.Manager) (engine.Summary, error) {
	res, err := a.processor.Process(ctx, repos, processor.Request{
		RepoID:    data.RepoID(a.cfg.Selection.RepoID),
		Force:     a.cfg.Selection.Force,
		Selection: a.selection(),
	})
	if err != nil {
		return engine.Summary{}, err
	}
	sum := engine.Summary{Total: 1}
	switch {
	case res.Cached:
		sum.Skipped++
	case res.Report.Failed():
		sum.Failed++
	default:
		sum.Completed++
	}
	if res.Err != nil {
		a.logger.Warn("repository failed", "repo", res.Report.Repository.DisplayName(), "error", res.Err)
	}
	if werr := out.Write(res.Report); werr != nil {
		a.logger.Warn("console output failed", "error", werr)
	}
	return sum, nil
}

// addRunFlags registers the flags shared by run and serve. Defaults mirror
// config.New so an unset flag never overrides the config file.
func addRunFlags(fs *pflag.FlagSet) {
	d := config.New()

	// Selection
	fs.String(flags.FlagSource, d.Selection.Source, "NDJSON repository source file")
	fs.String(flags.FlagRepoID, "", "Repository id to analyse (default: first descriptor in the source)")
	fs.Bool(flags.FlagProcessAll, false, "Analyse every repository in the source")
	fs.Bool(flags.FlagForce, false, "Re-analyse repositories that already have a stored report")
	fs.StringSlice(flags.FlagCategories, nil, "Only run checks in these categories (repeatable; comma-separated accepted)")
	fs.StringSlice(flags.FlagChecks, nil, "Only run checks with these names (repeatable; comma-separated accepted)")
	fs.String(flags.FlagChecksDir, "", "Directory of external check executables laid out as <category>/<name>")

	// Output
	fs.String(flags.FlagOutput, d.Output.Path, "Result store path (.json selects JSON array mode, anything else NDJSON)")
	fs.Bool(flags.FlagNoConsole, false, "Suppress console output")
	fs.String(flags.FlagConsoleFormat, d.Output.ConsoleFormat, "Console output format: text|json|ndjson")
	fs.StringSlice(flags.FlagConsoleFilterStatus, nil, "Only print reports with these statuses (completed, failed, timeout, skipped)")

	// Execution
	fs.Duration(flags.FlagTimeout, d.Runtime.CheckTimeout, "Per-check timeout (capped at 2m)")
	fs.Int(flags.FlagRateLimit, d.Runtime.RateLimit, "Remote calls allowed per minute per check category")
	fs.Bool(flags.FlagResilient, false, "Bound each repository's analysis and emergency-clean its clone on timeout")
	fs.Duration(flags.FlagResilientTimeout, d.Runtime.ResilientTimeout, "Per-repository bound used with --resilient")
	fs.Duration(flags.FlagRepoTimeout, d.Runtime.RepoTimeout, "Per-repository bound used with --process-all")
	fs.Bool(flags.FlagParallel, false, "Analyse repositories across worker goroutines (with --process-all)")
	fs.Int(flags.FlagWorkers, d.Runtime.Workers, "Maximum parallel workers (capped at the CPU count)")
	fs.Int(flags.FlagBatchSize, d.Runtime.BatchSize, "Repositories between memory checkpoints in sequential mode")
	fs.Int64(flags.FlagMaxRepoSize, d.Runtime.MaxRepoSizeKB, "Skip repositories larger than this many KB (0 disables)")
	fs.String(flags.FlagWorkDir, "", "Parent directory for the clone workspace (default: the system temp dir)")

	// GitHub
	fs.String(flags.FlagGitHubToken, "", "GitHub token (default: GITHUB_TOKEN, GH_TOKEN or gh auth token)")
}

func init() {
	rootCmd.AddCommand(runCmd)
	addRunFlags(runCmd.Flags())
}

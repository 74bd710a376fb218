package cli

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"repolizer/internal/data"
	"repolizer/internal/flags"
	"repolizer/internal/jobs"
	"repolizer/internal/output"
	"repolizer/internal/server"
)

var (
	serveListen       string
	serveExitWhenDone bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Analyse every repository as a job and expose its status over HTTP",
	Long: `Start one analysis job over every repository in the source and serve its
status read-only over HTTP until interrupted.

Endpoints:
	GET /jobs        all jobs, newest first
	GET /jobs/:id    one job: status (starting|running|completed|error),
	                 progress and the latest report
	GET /metrics     Prometheus metrics
	GET /healthz     liveness

The job takes the same flags as "repolizer run --process-all".
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// A job always covers the whole source.
		if err := cmd.Flags().Set(flags.FlagProcessAll, "true"); err != nil {
			return err
		}
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

		table := jobs.NewTable()
		out := output.NewManager()
		if !cfg.Output.NoConsole {
			_ = out.AddSink(output.NewConsoleSink(cmd.OutOrStdout(), cfg.Output.ConsoleFormat, cfg.Output.ConsoleFilterStatus))
		}

		g, gctx := errgroup.WithContext(ctx)
		srvCtx, stopServer := context.WithCancel(gctx)
		defer stopServer()

		g.Go(func() error {
			return server.Serve(srvCtx, serveListen, server.NewRouter(table, logger), logger)
		})
		g.Go(func() error {
			err := runJob(gctx, a, table, repos, out)
			if serveExitWhenDone {
				stopServer()
			}
			return err
		})
		return g.Wait()
	},
}

// runJob runs repos as one job in table, mirroring each report to out. A
// cancelled job is recorded as errored and is not an error of the command.
func runJob(ctx context.Context, a *app, table *jobs.Table, repos []data.Repository, out *output.Manager) error {
	job := table.Create(len(repos))
	sink := &jobSink{table: table, id: job.ID}
	_ = out.AddSink(sink)
	if err := table.Start(job.ID); err != nil {
		return err
	}
	a.logger.Info("job started", "job", job.ID, "repositories", len(repos))

	sum, err := a.runBatch(ctx, repos, func(done, total int, rep data.Report) {
		sink.progress(done, total)
		if werr := out.Write(rep); werr != nil {
			a.logger.Warn("report output failed", "job", job.ID, "error", werr)
		}
	})
	if cerr := out.Close(); cerr != nil {
		a.logger.Warn("report output failed", "job", job.ID, "error", cerr)
	}
	if err != nil {
		_ = table.Fail(job.ID, err)
		a.logger.Warn("job stopped", "job", job.ID, "error", err)
		return nil
	}
	_ = table.Complete(job.ID, sum.Skipped)
	a.logger.Info("job completed", "job", job.ID, "completed", sum.Completed, "failed", sum.Failed, "skipped", sum.Skipped)
	return nil
}

// jobSink records reports on a job. The schedulers report progress through
// OnReport just before each Write.
type jobSink struct {
	table *jobs.Table
	id    string

	mu    sync.Mutex
	done  int
	total int
}

func (s *jobSink) progress(done, total int) {
	s.mu.Lock()
	s.done, s.total = done, total
	s.mu.Unlock()
}

func (s *jobSink) Write(rep data.Report) error {
	s.mu.Lock()
	done, total := s.done, s.total
	s.mu.Unlock()
	return s.table.Record(s.id, done, total, rep)
}

func (s *jobSink) Close() error {
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addRunFlags(serveCmd.Flags())
	serveCmd.Flags().StringVar(&serveListen, flags.FlagListen, ":8080", "Address the job status server listens on")
	serveCmd.Flags().BoolVar(&serveExitWhenDone, flags.FlagExitWhenDone, false, "Stop serving once the job finishes")
}

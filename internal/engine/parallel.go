package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"repolizer/internal/config"
	"repolizer/internal/data"
	"repolizer/internal/metrics"
	"repolizer/internal/processor"
	"repolizer/internal/store"
	"repolizer/internal/workspace"
)

// progressInterval is how often Parallel logs progress.
const progressInterval = 10 * time.Second

// ParallelStore is the store as seen by the parallel scheduler.
type ParallelStore interface {
	Store
	store.Appender
}

// Task is everything a worker needs to handle one repository. Workers share
// no mutable state with the scheduler beyond the writer.
type Task struct {
	Repo          data.Repository
	Selection     processor.Selection
	RepoTimeout   time.Duration
	MaxRepoSizeKB int64
}

// Parallel fans repositories out over a fixed pool of worker goroutines.
// Every report goes through one store.Writer, the only component that
// appends to the store during a run.
type Parallel struct {
	proc    *processor.Processor
	store   ParallelStore
	root    *workspace.Manager
	workers int
	token   string
	logger  *slog.Logger
}

// NewParallel returns a scheduler with min(runtime.NumCPU(), maxWorkers)
// workers. Each worker clones under its own sub-directory of root.
func NewParallel(proc *processor.Processor, st ParallelStore, root *workspace.Manager, maxWorkers int, logger *slog.Logger) (*Parallel, error) {
	if proc == nil {
		return nil, errors.New("parallel scheduler requires a processor")
	}
	if st == nil {
		return nil, errors.New("parallel scheduler requires a store")
	}
	if root == nil {
		return nil, errors.New("parallel scheduler requires a workspace")
	}
	if maxWorkers <= 0 {
		maxWorkers = config.DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Parallel{
		proc:    proc,
		store:   st,
		root:    root,
		workers: min(runtime.NumCPU(), maxWorkers),
		logger:  logger,
	}, nil
}

// WithToken sets the auth token copied into every task whose repository
// has none.
func (p *Parallel) WithToken(token string) *Parallel {
	p.token = token
	return p
}

func (p *Parallel) Workers() int {
	return p.workers
}

// Run processes repos and returns once every report has been persisted. The
// only error is a cancelled ctx; reports already produced are still flushed.
func (p *Parallel) Run(ctx context.Context, repos []data.Repository, opts Options) (Summary, error) {
	start := time.Now()
	sum := Summary{Total: len(repos)}

	tasks := make([]Task, 0, len(repos))
	for _, repo := range repos {
		if !opts.Force {
			done, err := p.store.Processed(repo.ID, repo.FullName)
			if err != nil {
				p.logger.Warn("failed to read processed repositories", "repo", repo.DisplayName(), "error", err)
			}
			if done {
				metrics.ReposTotal.WithLabelValues("cached").Inc()
				sum.Skipped++
				continue
			}
		}
		if repo.Token == "" {
			repo.Token = p.token
		}
		tasks = append(tasks, Task{
			Repo:          repo,
			Selection:     opts.Selection,
			RepoTimeout:   opts.repoTimeout(),
			MaxRepoSizeKB: opts.MaxRepoSizeKB,
		})
	}
	p.logger.Info("starting parallel run", "repositories", len(tasks), "skipped", sum.Skipped, "workers", p.workers)

	writer := store.NewWriter(p.store, len(tasks), p.logger)
	writer.Start()

	taskCh := make(chan Task)
	doneCh := make(chan data.Report, len(tasks))
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		ws, err := p.root.Sub(fmt.Sprintf("worker-%d", i))
		if err != nil {
			close(taskCh)
			wg.Wait()
			_, _ = writer.Wait()
			return sum, config.Errorf("prepare worker workspace: %v", err)
		}
		w := &worker{
			id:     i,
			proc:   p.proc.WithWorkspace(ws),
			ws:     ws,
			writer: writer,
			logger: p.logger.With("worker", i),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range taskCh {
				doneCh <- w.handle(ctx, t)
			}
		}()
	}

	go func() {
		defer close(taskCh)
		for _, t := range tasks {
			select {
			case taskCh <- t:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(doneCh)
	}()

	progress := rate.Sometimes{Interval: progressInterval}
	handled := 0
	for rep := range doneCh {
		handled++
		sum.add(rep)
		if opts.OnReport != nil {
			opts.OnReport(handled, len(tasks), rep)
		}
		progress.Do(func() {
			p.logger.Info("progress", "handled", handled, "total", len(tasks), "completed", sum.Completed, "failed", sum.Failed)
		})
	}

	// Every worker has returned, so nothing else will be submitted.
	stats, err := writer.Wait()
	if err != nil {
		p.logger.Error("some reports were not persisted", "failed", stats.Failed, "error", err)
	}
	sum.Duration = time.Since(start)
	p.logger.Info("run finished", "total", sum.Total, "completed", sum.Completed, "failed", sum.Failed, "skipped", sum.Skipped, "written", stats.Written, "duration", sum.Duration.Round(time.Millisecond))
	return sum, ctx.Err()
}

type worker struct {
	id     int
	proc   *processor.Processor
	ws     *workspace.Manager
	writer *store.Writer
	logger *slog.Logger
}

// handle produces exactly one report for t and submits it to the writer.
// A panic becomes a worker failure report.
func (w *worker) handle(ctx context.Context, t Task) (rep data.Report) {
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()
	defer func() {
		if err := w.ws.Cleanup(t.Repo.ID, workspace.Normal); err != nil {
			w.logger.Warn("clone cleanup failed", "repo", t.Repo.DisplayName(), "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrWorkerFailure, r)
			w.logger.Error("worker panicked", "repo", t.Repo.DisplayName(), "error", err, "stack", string(debug.Stack()))
			rep = data.ErrorReport(t.Repo, data.StatusFailed, err, time.Now())
		}
		w.writer.Submit(rep)
	}()

	if ctx.Err() != nil {
		return data.ErrorReport(t.Repo, data.StatusFailed, ctx.Err(), time.Now())
	}
	if skip, ok := tooLarge(t.Repo, t.MaxRepoSizeKB, time.Now()); ok {
		w.logger.Info("skipping large repository", "repo", t.Repo.DisplayName(), "error", skip.Error)
		return skip
	}
	w.logger.Info("processing repository", "repo", t.Repo.DisplayName())
	return analyzeWithin(ctx, w.proc, w.ws, t.Repo, t.Selection, t.RepoTimeout, w.logger)
}

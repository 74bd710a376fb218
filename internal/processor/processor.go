// Package processor runs every selected check against one repository and
// turns the results into a persisted report.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"repolizer/internal/checks"
	"repolizer/internal/config"
	"repolizer/internal/data"
	"repolizer/internal/metrics"
	"repolizer/internal/workspace"
)

// ErrRepositoryTimeout is the error of a repository whose whole pipeline
// exceeded its outer timeout.
var ErrRepositoryTimeout = errors.New("repository timed out")

// Executor runs one check.
type Executor interface {
	Execute(ctx context.Context, repo data.Repository, def checks.Definition) data.CheckResult
}

// Workspace provides and reclaims clones.
type Workspace interface {
	Clone(ctx context.Context, repo data.Repository) (data.Repository, error)
	Cleanup(id data.RepoID, tier workspace.Tier) error
}

// Store is the persistence side of the processor.
type Store interface {
	Processed(id data.RepoID, fullName string) (bool, error)
	Lookup(id data.RepoID, fullName string) (data.Report, bool, error)
	Append(rep data.Report) error
}

// Selection filters the registry. Empty fields select everything.
type Selection struct {
	Categories []string
	Checks     []string
}

type Request struct {
	// RepoID selects the repository; empty selects the first one.
	RepoID    data.RepoID
	Force     bool
	Selection Selection
}

// Outcome is the result of Process.
type Outcome struct {
	Report data.Report

	// Cached is set when the report came from the store and no check ran.
	Cached bool

	// Persisted is false when the store rejected the report.
	Persisted bool

	// Err is the repository-level failure, if any. It never aborts a run.
	Err error
}

// Deps are the collaborators of a Processor. Workspace and Store may be nil:
// without a workspace local checks are skipped, without a store nothing is
// persisted.
type Deps struct {
	Registry  *checks.Registry
	Executor  Executor
	Workspace Workspace
	Store     Store
}

type Processor struct {
	registry  *checks.Registry
	executor  Executor
	workspace Workspace
	store     Store

	resilient        bool
	resilientTimeout time.Duration

	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithResilient bounds the whole pipeline of a repository by timeout. A
// repository that trips it gets a timeout report and no partial results.
func WithResilient(timeout time.Duration) Option {
	return func(p *Processor) {
		p.resilient = true
		p.resilientTimeout = timeout
		if p.resilientTimeout <= 0 {
			p.resilientTimeout = config.DefaultResilientTimeout
		}
	}
}

func New(deps Deps, opts ...Option) (*Processor, error) {
	if deps.Registry == nil {
		return nil, errors.New("processor requires a check registry")
	}
	if deps.Executor == nil {
		return nil, errors.New("processor requires an executor")
	}
	p := &Processor{
		registry:  deps.Registry,
		executor:  deps.Executor,
		workspace: deps.Workspace,
		store:     deps.Store,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// WithWorkspace returns a copy of p that clones into ws. Parallel workers use
// it to get their own workspace root.
func (p *Processor) WithWorkspace(ws Workspace) *Processor {
	cp := *p
	cp.workspace = ws
	return &cp
}

// Process resolves the requested repository in repos, analyses it and
// appends the report to the store. Only configuration problems are returned
// as errors; repository failures are reported through Outcome.
func (p *Processor) Process(ctx context.Context, repos []data.Repository, req Request) (Outcome, error) {
	if len(repos) == 0 {
		return Outcome{}, config.Errorf("repository source is empty")
	}
	repo, ok := data.FindRepository(repos, req.RepoID)
	if !ok {
		return Outcome{}, config.Errorf("repository %s not found in source", req.RepoID)
	}
	logger := p.logger.With("repo", repo.DisplayName())

	if !req.Force && p.store != nil {
		start := p.now()
		if rep, ok := p.stored(repo); ok {
			rep.TotalProcessingTime = data.Score(data.Seconds(p.now().Sub(start)))
			logger.Info("repository already processed, using stored report")
			metrics.ReposTotal.WithLabelValues("cached").Inc()
			return Outcome{Report: rep, Cached: true, Persisted: true}, nil
		}
	}

	rep, err := p.Analyze(ctx, repo, req.Selection)
	out := Outcome{Report: rep, Err: err}
	if p.store != nil {
		if appendErr := p.store.Append(rep); appendErr != nil {
			logger.Error("failed to persist report", "error", appendErr)
		} else {
			out.Persisted = true
		}
	}
	return out, nil
}

// stored returns the stored report for repo, if any. Store read errors are
// logged and treated as "not processed".
func (p *Processor) stored(repo data.Repository) (data.Report, bool) {
	done, err := p.store.Processed(repo.ID, repo.FullName)
	if err != nil {
		p.logger.Warn("failed to read processed repositories", "error", err)
		return data.Report{}, false
	}
	if !done {
		return data.Report{}, false
	}
	rep, ok, err := p.store.Lookup(repo.ID, repo.FullName)
	if err != nil {
		p.logger.Warn("failed to look up stored report", "repo", repo.DisplayName(), "error", err)
		return data.Report{}, false
	}
	if !ok {
		// Only the id survived in a corrupt line, so there is nothing to return.
		p.logger.Warn("stored report is unreadable; reprocessing", "repo", repo.DisplayName())
		return data.Report{}, false
	}
	return rep, true
}

// Analyze clones repo if any selected check is local, runs local checks and
// then remote checks, and aggregates the results. The clone is always
// reclaimed before Analyze returns: normally on success, forced on failure,
// emergency when the resilient timeout trips. On failure the returned report
// is a structured error report.
func (p *Processor) Analyze(ctx context.Context, repo data.Repository, sel Selection) (data.Report, error) {
	start := p.now()
	logger := p.logger.With("repo", repo.DisplayName())

	var (
		rep data.Report
		err error
	)
	if p.resilient {
		rep, err = p.analyzeBounded(ctx, repo, sel, logger)
	} else {
		rep, err = p.analyzeRecovered(ctx, repo, sel, logger)
	}

	elapsed := p.now().Sub(start)
	rep.TotalProcessingTime = data.Score(data.Seconds(elapsed))
	metrics.RepoDuration.Observe(elapsed.Seconds())

	switch {
	case err == nil:
		metrics.ReposTotal.WithLabelValues(string(data.StatusCompleted)).Inc()
		p.cleanup(repo.ID, workspace.Normal, logger)
		logger.Info("repository analysed", "score", rep.Overall(), "checks", rep.Checks(), "duration", elapsed.Round(time.Millisecond))
	case errors.Is(err, ErrRepositoryTimeout):
		metrics.ReposTotal.WithLabelValues(string(data.StatusTimeout)).Inc()
		p.cleanup(repo.ID, workspace.Emergency, logger)
		logger.Warn("repository timed out", "timeout", p.resilientTimeout)
	default:
		metrics.ReposTotal.WithLabelValues(string(data.StatusFailed)).Inc()
		p.cleanup(repo.ID, workspace.Forced, logger)
		logger.Error("repository analysis failed", "error", err)
	}
	return rep, err
}

// analyzeBounded waits for the pipeline at most resilientTimeout. The
// pipeline goroutine is abandoned on expiry.
func (p *Processor) analyzeBounded(ctx context.Context, repo data.Repository, sel Selection, logger *slog.Logger) (data.Report, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		rep data.Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := p.analyzeRecovered(runCtx, repo, sel, logger)
		done <- result{rep, err}
	}()

	timer := time.NewTimer(p.resilientTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.rep, r.err
	case <-timer.C:
		err := fmt.Errorf("%w after %s", ErrRepositoryTimeout, p.resilientTimeout)
		return data.ErrorReport(repo, data.StatusTimeout, err, p.now()), err
	}
}

func (p *Processor) analyzeRecovered(ctx context.Context, repo data.Repository, sel Selection, logger *slog.Logger) (rep data.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analysis panicked: %v\n%s", r, debug.Stack())
			rep = data.ErrorReport(repo, data.StatusFailed, err, p.now())
		}
	}()
	results, err := p.run(ctx, repo, sel, logger)
	if err != nil {
		return data.ErrorReport(repo, data.StatusFailed, err, p.now()), err
	}
	return data.Aggregate(repo, results, p.now()), nil
}

func (p *Processor) run(ctx context.Context, repo data.Repository, sel Selection, logger *slog.Logger) ([]data.CheckResult, error) {
	defs := p.registry.Select(sel.Categories, sel.Checks)
	local, remote := checks.Split(defs)
	logger.Debug("running checks", "local", len(local), "remote", len(remote))

	target := repo
	if len(local) > 0 {
		switch {
		case p.workspace != nil:
			cloned, err := p.workspace.Clone(ctx, repo)
			if err != nil {
				logger.Warn("clone failed, skipping local checks", "error", err, "skipped", len(local))
				local = nil
			} else {
				target = cloned
			}
		case repo.LocalPath == "":
			logger.Warn("no workspace configured, skipping local checks", "skipped", len(local))
			local = nil
		}
	}

	results := make([]data.CheckResult, 0, len(local)+len(remote))
	for _, group := range [][]checks.Definition{local, remote} {
		for _, def := range group {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res := p.executor.Execute(ctx, target, def)
			logger.Debug("check finished", "check", def.Key(), "status", res.Status, "duration", res.Duration)
			results = append(results, res)
		}
	}
	return results, nil
}

func (p *Processor) cleanup(id data.RepoID, tier workspace.Tier, logger *slog.Logger) {
	if p.workspace == nil {
		return
	}
	if err := p.workspace.Cleanup(id, tier); err != nil {
		logger.Warn("clone cleanup failed", "tier", tier, "error", err)
	}
}

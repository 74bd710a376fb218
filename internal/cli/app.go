package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"repolizer/internal/checks"
	"repolizer/internal/checks/builtin"
	"repolizer/internal/checks/external"
	"repolizer/internal/config"
	"repolizer/internal/data"
	"repolizer/internal/engine"
	"repolizer/internal/executor"
	"repolizer/internal/fetcher"
	gh "repolizer/internal/github"
	"repolizer/internal/processor"
	"repolizer/internal/ratelimit"
	"repolizer/internal/store"
	"repolizer/internal/workspace"
)

// app holds the collaborators of one run, built from a Config.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	token     string
	registry  *checks.Registry
	fetcher   *fetcher.Fetcher
	executor  *executor.Executor
	workspace *workspace.Manager
	store     *store.Store
	processor *processor.Processor
}

// newRegistry registers the builtin checks (remote ones through f) and any
// external checks found under cfg.Selection.ChecksDir.
func newRegistry(cfg *config.Config, f *fetcher.Fetcher, token string, logger *slog.Logger) (*checks.Registry, error) {
	reg := checks.NewRegistry()
	var api builtin.API
	if f != nil {
		api = f
	}
	if err := builtin.Register(reg, api, nil); err != nil {
		return nil, fmt.Errorf("register builtin checks: %w", err)
	}
	if dir := strings.TrimSpace(cfg.Selection.ChecksDir); dir != "" {
		n, err := external.Scan(dir, reg, token, logger)
		if err != nil {
			return nil, config.Errorf("%v", err)
		}
		logger.Info("loaded external checks", "dir", dir, "checks", n)
	}
	return reg, nil
}

// newFetcher builds the GitHub client with the quota transport installed.
func newFetcher(ctx context.Context, cfg *config.Config, token string, logger *slog.Logger) (*fetcher.Fetcher, error) {
	quotas := fetcher.NewQuotaTable(logger)
	qt := fetcher.NewQuotaTransport(nil, quotas, logger)
	client, err := gh.NewClient(ctx, token,
		gh.WithLogger(logger, cfg.Log.Verbose),
		gh.WithMiddleware(qt.Middleware),
	)
	if err != nil {
		return nil, fmt.Errorf("create GitHub client: %w", err)
	}
	return fetcher.NewFetcher(client, quotas, logger), nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	token, source, err := gh.ResolveAuthToken(ctx, cfg.GitHub.Token)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		logger.Warn("failed to resolve GitHub auth token; continuing unauthenticated", "error", err)
	}
	if token == "" {
		logger.Warn("no GitHub auth token; remote checks use the unauthenticated API quota")
	} else {
		logger.Debug("resolved GitHub auth token", "source", source)
	}

	f, err := newFetcher(ctx, cfg, token, logger)
	if err != nil {
		return nil, err
	}
	reg, err := newRegistry(cfg, f, token, logger)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.Runtime.RateLimit, cfg.Runtime.RatePeriod,
		ratelimit.WithQuotaSource(f.Quotas()),
		ratelimit.WithLogger(logger),
	)
	exec := executor.New(cfg.Runtime.CheckTimeout,
		executor.WithLimiter(limiter),
		executor.WithLogger(logger),
	)

	ws, err := workspace.New(cfg.Runtime.WorkDir,
		workspace.WithToken(token),
		workspace.WithLogger(logger),
	)
	if err != nil {
		return nil, config.Errorf("work dir: %v", err)
	}
	st, err := store.Open(cfg.Output.Path, store.WithLogger(logger))
	if err != nil {
		_ = ws.Close()
		return nil, config.Errorf("%v", err)
	}

	opts := []processor.Option{processor.WithLogger(logger)}
	if cfg.Runtime.Resilient {
		opts = append(opts, processor.WithResilient(cfg.Runtime.ResilientTimeout))
	}
	proc, err := processor.New(processor.Deps{
		Registry:  reg,
		Executor:  exec,
		Workspace: ws,
		Store:     st,
	}, opts...)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		token:     token,
		registry:  reg,
		fetcher:   f,
		executor:  exec,
		workspace: ws,
		store:     st,
		processor: proc,
	}, nil
}

func (a *app) Close() error {
	return a.workspace.Close()
}

func (a *app) selection() processor.Selection {
	return processor.Selection{
		Categories: a.cfg.Selection.Categories,
		Checks:     a.cfg.Selection.Checks,
	}
}

// loadRepositories reads the source; an unreadable or empty source is a
// configuration error.
func (a *app) loadRepositories() ([]data.Repository, error) {
	repos, err := data.LoadRepositories(a.cfg.Selection.Source, a.logger)
	if err != nil {
		return nil, config.Errorf("%v", err)
	}
	if len(repos) == 0 {
		return nil, config.Errorf("repository source %s has no usable descriptors", a.cfg.Selection.Source)
	}
	return repos, nil
}

// runBatch runs every repository through the scheduler the config selects.
func (a *app) runBatch(ctx context.Context, repos []data.Repository, onReport func(done, total int, rep data.Report)) (engine.Summary, error) {
	opts := engine.Options{
		Force:         a.cfg.Selection.Force,
		Selection:     a.selection(),
		RepoTimeout:   a.cfg.Runtime.RepoTimeout,
		MaxRepoSizeKB: a.cfg.Runtime.MaxRepoSizeKB,
		BatchSize:     a.cfg.Runtime.BatchSize,
		OnReport:      onReport,
	}
	if a.cfg.Runtime.Parallel {
		p, err := engine.NewParallel(a.processor, a.store, a.workspace, a.cfg.Runtime.Workers, a.logger)
		if err != nil {
			return engine.Summary{}, err
		}
		return p.WithToken(a.token).Run(ctx, repos, opts)
	}
	s, err := engine.NewSequential(a.processor, a.store, a.workspace, a.logger)
	if err != nil {
		return engine.Summary{}, err
	}
	return s.Run(ctx, repos, opts)
}

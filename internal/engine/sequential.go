package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"repolizer/internal/config"
	"repolizer/internal/data"
	"repolizer/internal/metrics"
	"repolizer/internal/processor"
)

// Sequential handles one repository at a time, so at most one clone exists
// at any moment.
type Sequential struct {
	proc    *processor.Processor
	store   Store
	cleaner Cleaner
	logger  *slog.Logger
	now     func() time.Time

	// gc is the batch checkpoint; it is replaced in tests.
	gc func(logger *slog.Logger, handled int)
}

func NewSequential(proc *processor.Processor, store Store, cleaner Cleaner, logger *slog.Logger) (*Sequential, error) {
	if proc == nil {
		return nil, errors.New("sequential scheduler requires a processor")
	}
	if store == nil {
		return nil, errors.New("sequential scheduler requires a store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequential{
		proc:    proc,
		store:   store,
		cleaner: cleaner,
		logger:  logger,
		now:     time.Now,
		gc:      logMemory,
	}, nil
}

// Run processes repos in order. Every repository that is not skipped as
// already processed gets exactly one appended report. The only error is a
// cancelled ctx.
func (s *Sequential) Run(ctx context.Context, repos []data.Repository, opts Options) (Summary, error) {
	start := s.now()
	sum := Summary{Total: len(repos)}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = config.DefaultBatchSize
	}
	timeout := opts.repoTimeout()

	handled := 0
	for i, repo := range repos {
		if err := ctx.Err(); err != nil {
			sum.Duration = s.now().Sub(start)
			return sum, err
		}
		logger := s.logger.With("repo", repo.DisplayName(), "position", i+1, "total", len(repos))

		if !opts.Force {
			done, err := s.store.Processed(repo.ID, repo.FullName)
			if err != nil {
				logger.Warn("failed to read processed repositories", "error", err)
			}
			if done {
				logger.Debug("skipping processed repository")
				metrics.ReposTotal.WithLabelValues("cached").Inc()
				sum.Skipped++
				continue
			}
		}

		rep, skip := tooLarge(repo, opts.MaxRepoSizeKB, s.now())
		if skip {
			logger.Info("skipping large repository", "error", rep.Error)
			metrics.ReposTotal.WithLabelValues(string(data.StatusSkipped)).Inc()
		} else {
			logger.Info("processing repository")
			rep = analyzeWithin(ctx, s.proc, s.cleaner, repo, opts.Selection, timeout, logger)
		}

		if err := s.store.Append(rep); err != nil {
			logger.Error("failed to persist report", "error", err)
		}
		sum.add(rep)
		handled++
		if opts.OnReport != nil {
			opts.OnReport(handled, len(repos), rep)
		}
		if handled%batch == 0 {
			s.gc(logger, handled)
		}
	}
	sum.Duration = s.now().Sub(start)
	s.logger.Info("run finished", "total", sum.Total, "completed", sum.Completed, "failed", sum.Failed, "skipped", sum.Skipped, "duration", sum.Duration.Round(time.Millisecond))
	return sum, nil
}

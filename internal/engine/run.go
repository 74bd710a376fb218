// Package engine schedules repository processing, either one repository at a
// time (Sequential) or across a pool of workers feeding a single store writer
// (Parallel).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"

	"repolizer/internal/config"
	"repolizer/internal/data"
	"repolizer/internal/processor"
	"repolizer/internal/workspace"
)

// ErrWorkerFailure marks the report of a repository whose worker panicked.
var ErrWorkerFailure = errors.New("worker failure")

// errTooLarge is the error of a repository skipped for its declared size.
var errTooLarge = errors.New("repository too large")

// Store is the result store as seen by the schedulers.
type Store interface {
	Processed(id data.RepoID, fullName string) (bool, error)
	Append(rep data.Report) error
}

// Cleaner reclaims clones left behind by a timed-out repository.
type Cleaner interface {
	Cleanup(id data.RepoID, tier workspace.Tier) error
}

// Options control one scheduler run.
type Options struct {
	Force     bool
	Selection processor.Selection

	// RepoTimeout bounds each repository; zero means
	// config.DefaultRepoTimeout.
	RepoTimeout time.Duration

	// MaxRepoSizeKB skips larger repositories; zero disables the check.
	MaxRepoSizeKB int64

	// BatchSize is how many repositories the sequential scheduler handles
	// between GC passes.
	BatchSize int

	// OnReport, if set, is called once per handled repository, in
	// completion order, with the number handled so far.
	OnReport func(done, total int, rep data.Report)
}

func (o Options) repoTimeout() time.Duration {
	if o.RepoTimeout <= 0 {
		return config.DefaultRepoTimeout
	}
	return o.RepoTimeout
}

// Summary tallies a run.
type Summary struct {
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Duration  time.Duration
}

func (s *Summary) add(rep data.Report) {
	if rep.Failed() {
		s.Failed++
		return
	}
	s.Completed++
}

// tooLarge reports whether repo exceeds maxKB and builds its skip report.
func tooLarge(repo data.Repository, maxKB int64, now time.Time) (data.Report, bool) {
	if maxKB <= 0 || repo.Size <= maxKB {
		return data.Report{}, false
	}
	err := fmt.Errorf("%w: %s exceeds %s", errTooLarge,
		humanize.Bytes(repo.SizeBytes()), humanize.Bytes(uint64(maxKB)*1024))
	return data.ErrorReport(repo, data.StatusSkipped, err, now), true
}

// analyzeWithin runs proc.Analyze and waits for it at most timeout. On
// expiry the analysis is abandoned, its clone is reclaimed with the emergency
// tier and a timeout report is returned.
func analyzeWithin(ctx context.Context, proc *processor.Processor, cleaner Cleaner, repo data.Repository, sel processor.Selection, timeout time.Duration, logger *slog.Logger) data.Report {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan data.Report, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("%w: %v", ErrWorkerFailure, r)
				logger.Error("analysis panicked", "repo", repo.DisplayName(), "error", err, "stack", string(debug.Stack()))
				done <- data.ErrorReport(repo, data.StatusFailed, err, time.Now())
			}
		}()
		rep, _ := proc.Analyze(runCtx, repo, sel)
		done <- rep
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rep := <-done:
		return rep
	case <-timer.C:
		cancel()
		logger.Warn("repository exceeded its time budget", "repo", repo.DisplayName(), "timeout", timeout)
		if cleaner != nil {
			if err := cleaner.Cleanup(repo.ID, workspace.Emergency); err != nil {
				logger.Warn("emergency cleanup failed", "repo", repo.DisplayName(), "error", err)
			}
		}
		err := fmt.Errorf("%w after %s", processor.ErrRepositoryTimeout, timeout)
		return data.ErrorReport(repo, data.StatusTimeout, err, time.Now())
	}
}

// logMemory forces a GC pass and logs heap and goroutine counts. It only
// observes; nothing is throttled.
func logMemory(logger *slog.Logger, handled int) {
	runtime.GC()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	logger.Info("memory checkpoint",
		"handled", handled,
		"heap", humanize.Bytes(ms.HeapAlloc),
		"sys", humanize.Bytes(ms.Sys),
		"goroutines", runtime.NumGoroutine(),
	)
}

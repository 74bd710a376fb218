// Package executor runs a single check against a repository with a hard
// wall-clock bound, retries for remote checks and score normalization.
//
// The bound is "stop waiting": when an attempt exceeds its timeout its
// context is cancelled and its goroutine is abandoned. A check that ignores
// cancellation keeps running in the background, but its result is never
// observed. Checks that need a real kill run as subprocesses (see
// internal/checks/external).
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime/debug"
	"strconv"
	"time"

	"repolizer/internal/checks"
	"repolizer/internal/config"
	"repolizer/internal/data"
	"repolizer/internal/metrics"
)

// ErrCheckTimeout is recorded as the validation error of a timed-out check.
var ErrCheckTimeout = errors.New("check timed out")

const (
	// RemoteAttempts is the number of attempts a remote check gets.
	RemoteAttempts = 3
	// LocalAttempts is the number of attempts a local check gets.
	LocalAttempts = 1
)

// Waiter is the rate limiter consulted before each remote attempt.
type Waiter interface {
	WaitIfNeeded(ctx context.Context, category, resource string) error
}

type Executor struct {
	timeout        time.Duration
	remoteAttempts int
	limiter        Waiter
	logger         *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

type Option func(*Executor)

func WithLimiter(w Waiter) Option {
	return func(e *Executor) {
		e.limiter = w
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRemoteAttempts overrides the number of attempts remote checks get.
func WithRemoteAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.remoteAttempts = n
		}
	}
}

// WithClock replaces the clock used to measure attempts and the sleep used
// between retries. Attempt timeouts always use real timers.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithRand replaces the [0,1) source for retry jitter.
func WithRand(fn func() float64) Option {
	return func(e *Executor) {
		if fn != nil {
			e.rand = fn
		}
	}
}

// New returns an executor whose attempts are bounded by
// min(timeout, config.MaxCheckTimeout).
func New(timeout time.Duration, opts ...Option) *Executor {
	e := &Executor{
		timeout:        config.EffectiveTimeout(timeout),
		remoteAttempts: RemoteAttempts,
		logger:         slog.Default(),
		now:            time.Now,
		sleep:          sleepContext,
		rand:           rand.Float64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Timeout returns the effective per-attempt bound.
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

type attempt struct {
	outcome checks.Outcome
	err     error

	// throttled is set when the rate limiter failed before the check ran.
	throttled bool
}

// Execute runs def against repo and always returns a result; failures are
// expressed through its Status.
func (e *Executor) Execute(ctx context.Context, repo data.Repository, def checks.Definition) data.CheckResult {
	attempts := LocalAttempts
	if !def.Local() {
		attempts = e.remoteAttempts
	}
	locality := string(def.Locality)
	logger := e.logger.With("repo", repo.DisplayName(), "check", def.Key())

	res := data.CheckResult{
		RepoID:    repo.ID,
		RepoName:  repo.DisplayName(),
		Category:  def.Category,
		CheckName: def.Name,
		Timestamp: e.now(),
	}
	var elapsed time.Duration

	finish := func(status data.Status, score float64, details map[string]any, verr error) data.CheckResult {
		res.Status = status
		res.Score = data.Score(score)
		res.Details = details
		if verr != nil {
			res.ValidationErrors = data.Text(verr.Error())
		}
		res.Duration = data.Seconds(elapsed)
		metrics.ChecksTotal.WithLabelValues(def.Category, def.Name, string(status)).Inc()
		metrics.CheckDuration.WithLabelValues(locality).Observe(elapsed.Seconds())
		return res
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			wait := time.Duration((math.Pow(2, float64(i-1)) + e.rand()) * float64(time.Second))
			logger.Debug("retrying check", "attempt", i+1, "wait", wait.Round(time.Millisecond), "error", lastErr)
			if err := e.sleep(ctx, wait); err != nil {
				return finish(data.StatusFailed, 0, nil, err)
			}
		}
		start := e.now()
		a, timedOut := e.runAttempt(ctx, repo, def)
		if timedOut {
			elapsed += e.timeout
			metrics.CheckAttempts.WithLabelValues(locality, "timeout").Inc()
			logger.Warn("check timed out", "timeout", e.timeout, "attempt", i+1)
			return finish(data.StatusTimeout, 0, nil, fmt.Errorf("%w after %s", ErrCheckTimeout, e.timeout))
		}
		elapsed += e.now().Sub(start)
		if a.throttled {
			return finish(data.StatusFailed, 0, nil, a.err)
		}

		if a.err == nil {
			metrics.CheckAttempts.WithLabelValues(locality, "success").Inc()
			return finish(data.StatusCompleted, NormalizeScore(a.outcome.Score), a.outcome.Result, nil)
		}

		metrics.CheckAttempts.WithLabelValues(locality, "error").Inc()
		lastErr = a.err
		if ctx.Err() != nil {
			break
		}
	}

	logger.Warn("check failed", "attempts", attempts, "error", lastErr)
	return finish(data.StatusFailed, 0, nil, lastErr)
}

// runAttempt runs one attempt and waits for it at most e.timeout. The rate
// limiter wait of a remote check counts against the same bound. A cancelled
// parent context is reported as an error, not a timeout.
func (e *Executor) runAttempt(ctx context.Context, repo data.Repository, def checks.Definition) (attempt, bool) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so an abandoned attempt can always deliver and exit.
	done := make(chan attempt, 1)
	go func() {
		var a attempt
		defer func() {
			if r := recover(); r != nil {
				a = attempt{err: fmt.Errorf("check panicked: %v\n%s", r, debug.Stack())}
			}
			done <- a
		}()
		if !def.Local() && e.limiter != nil {
			if err := e.limiter.WaitIfNeeded(attemptCtx, def.Key(), def.Resource); err != nil {
				a = attempt{err: err, throttled: true}
				return
			}
		}
		out, err := def.Check.Run(attemptCtx, repo)
		a = attempt{outcome: out, err: err}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case a := <-done:
		return a, false
	case <-timer.C:
		return attempt{}, true
	case <-ctx.Done():
		return attempt{err: ctx.Err()}, false
	}
}

// NormalizeScore maps a check's raw score into [0, 100]. Nil, non-numeric
// and NaN scores become 0.
func NormalizeScore(v any) float64 {
	var f float64
	switch s := v.(type) {
	case float64:
		f = s
	case float32:
		f = float64(s)
	case int:
		f = float64(s)
	case int8:
		f = float64(s)
	case int16:
		f = float64(s)
	case int32:
		f = float64(s)
	case int64:
		f = float64(s)
	case uint:
		f = float64(s)
	case uint8:
		f = float64(s)
	case uint16:
		f = float64(s)
	case uint32:
		f = float64(s)
	case uint64:
		f = float64(s)
	case json.Number:
		n, err := strconv.ParseFloat(string(s), 64)
		if err != nil {
			return 0
		}
		f = n
	default:
		return 0
	}
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(100, f))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package ratelimit throttles outbound remote check calls with a per-category
// sliding window and an adaptive backoff factor, and defers to the API quota
// when it is nearly exhausted.
package ratelimit

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"repolizer/internal/data"
	"repolizer/internal/metrics"
)

const (
	DefaultBudget = 30
	DefaultPeriod = 60 * time.Second

	minBackoff    = 1.0
	maxBackoff    = 10.0
	backoffGrowth = 1.5
	backoffDecay  = 0.8

	// maxJitter scales the window wait by a factor in [1, 1+maxJitter).
	maxJitter = 0.5

	// quotaFloor and quotaFraction define the low-quota threshold:
	// remaining <= max(quotaFloor, quotaFraction*limit).
	quotaFloor    = 3
	quotaFraction = 0.05

	// resetGrace is added to a quota reset before calls resume.
	resetGrace = 2 * time.Second
)

// QuotaSource reports the remaining API quota for a resource.
type QuotaSource interface {
	RemainingQuota(ctx context.Context, resource string) (data.Quota, bool)
}

// Limiter is safe for concurrent use. The zero value is not usable; use New.
type Limiter struct {
	mu      sync.Mutex
	budget  int
	period  time.Duration
	calls   map[string][]time.Time
	backoff map[string]float64

	quotas QuotaSource
	logger *slog.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

type Option func(*Limiter)

// WithQuotaSource enables the low-quota override.
func WithQuotaSource(q QuotaSource) Option {
	return func(l *Limiter) { l.quotas = q }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock replaces the clock and sleep function, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// WithJitter replaces the jitter source; fn must return values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.jitter = fn
		}
	}
}

// New returns a limiter allowing budget calls per period per category.
// Non-positive values fall back to the defaults.
func New(budget int, period time.Duration, opts ...Option) *Limiter {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	l := &Limiter{
		budget:  budget,
		period:  period,
		calls:   make(map[string][]time.Time),
		backoff: make(map[string]float64),
		logger:  slog.Default(),
		now:     time.Now,
		sleep:   sleepContext,
		jitter:  rand.Float64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// WaitIfNeeded blocks until a call in category may proceed. When a quota
// source is attached and resource is non-empty, a nearly exhausted quota makes
// the caller wait for the quota reset instead of consulting the window. The
// only error is ctx's.
func (l *Limiter) WaitIfNeeded(ctx context.Context, category, resource string) error {
	if wait, ok := l.quotaWait(ctx, resource); ok {
		l.logger.Warn("api quota low, waiting for reset", "category", category, "resource", resource, "wait", wait.Round(time.Millisecond))
		metrics.RateLimitWaits.WithLabelValues("quota").Inc()
		metrics.RateLimitWaitSeconds.Observe(wait.Seconds())
		return l.sleep(ctx, wait)
	}

	wait := l.reserve(category)
	if wait <= 0 {
		return ctx.Err()
	}
	l.logger.Debug("rate limit window full, waiting", "category", category, "wait", wait.Round(time.Millisecond), "backoff", l.Backoff(category))
	metrics.RateLimitWaits.WithLabelValues("window").Inc()
	metrics.RateLimitWaitSeconds.Observe(wait.Seconds())
	return l.sleep(ctx, wait)
}

// reserve records a call for category and returns how long the caller must
// wait before making it. The call is recorded at its eventual start time so
// concurrent callers see it in the window.
func (l *Limiter) reserve(category string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	calls := l.prune(category, now)
	factor, ok := l.backoff[category]
	if !ok {
		factor = minBackoff
	}

	if len(calls) >= l.budget {
		interval := float64(l.period) / float64(l.budget)
		wait := time.Duration(factor * interval * (1 + l.jitter()*maxJitter))
		l.backoff[category] = min(maxBackoff, factor*backoffGrowth)
		l.calls[category] = append(calls, now.Add(wait))
		return wait
	}

	l.calls[category] = append(calls, now)
	if float64(len(l.calls[category])) < float64(l.budget)/2 {
		factor = max(minBackoff, factor*backoffDecay)
	}
	l.backoff[category] = factor
	return 0
}

// prune drops calls older than the window. Caller holds l.mu.
func (l *Limiter) prune(category string, now time.Time) []time.Time {
	calls := l.calls[category]
	kept := calls[:0]
	for _, t := range calls {
		if now.Sub(t) <= l.period {
			kept = append(kept, t)
		}
	}
	l.calls[category] = kept
	return kept
}

func (l *Limiter) quotaWait(ctx context.Context, resource string) (time.Duration, bool) {
	if l.quotas == nil || resource == "" {
		return 0, false
	}
	quota, ok := l.quotas.RemainingQuota(ctx, resource)
	if !ok || quota.Limit <= 0 || !quota.Low(quotaFloor, quotaFraction) {
		return 0, false
	}
	wait := quota.Reset.Add(resetGrace).Sub(l.now())
	if wait <= 0 {
		return 0, false
	}
	return wait, true
}

// Backoff returns the current backoff factor for category.
func (l *Limiter) Backoff(category string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.backoff[category]; ok {
		return f
	}
	return minBackoff
}

// Usage returns how many calls are in category's current window.
func (l *Limiter) Usage(category string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(category, l.now()))
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

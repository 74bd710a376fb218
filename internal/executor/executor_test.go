package executor

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repolizer/internal/checks"
	"repolizer/internal/data"
)

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

type countingLimiter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (l *countingLimiter) WaitIfNeeded(_ context.Context, category, resource string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, category+"@"+resource)
	return l.err
}

var repo = data.Repository{ID: "42", FullName: "octo/widgets"}

func def(locality data.Locality, fn checks.CheckFunc) checks.Definition {
	return checks.Definition{
		Name:     "probe",
		Category: "testing",
		Locality: locality,
		Resource: "core",
		Check:    fn,
	}
}

func scoreOf(t *testing.T, res data.CheckResult) float64 {
	t.Helper()
	require.NotNil(t, res.Score)
	return *res.Score
}

func TestExecute_CompletedAndClamped(t *testing.T) {
	cases := []struct {
		name  string
		score any
		want  float64
	}{
		{"in range", 73.5, 73.5},
		{"int", 80, 80},
		{"above", 150, 100},
		{"below", -5.0, 0},
		{"string", "high", 0},
		{"object", map[string]any{"x": 1}, 0},
		{"nil", nil, 0},
		{"nan", math.NaN(), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := New(time.Second)
			res := e.Execute(context.Background(), repo, def(data.LocalityLocal, func(context.Context, data.Repository) (checks.Outcome, error) {
				return checks.Outcome{Score: tc.score, Result: map[string]any{"ok": true}}, nil
			}))
			assert.Equal(t, data.StatusCompleted, res.Status)
			assert.Equal(t, tc.want, scoreOf(t, res))
			assert.Nil(t, res.ValidationErrors)
			assert.Equal(t, map[string]any{"ok": true}, res.Details)
			assert.Equal(t, data.RepoID("42"), res.RepoID)
			assert.Equal(t, "octo/widgets", res.RepoName)
			assert.Equal(t, "testing", res.Category)
			assert.Equal(t, "probe", res.CheckName)
		})
	}
}

func TestExecute_TimeoutStopsWaiting(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	late := make(chan struct{}, 1)

	e := New(50 * time.Millisecond)
	start := time.Now()
	res := e.Execute(context.Background(), repo, def(data.LocalityLocal, func(context.Context, data.Repository) (checks.Outcome, error) {
		// Ignores cancellation on purpose.
		<-release
		late <- struct{}{}
		return checks.Outcome{Score: 100}, nil
	}))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, data.StatusTimeout, res.Status)
	assert.Equal(t, 0.0, scoreOf(t, res))
	assert.Equal(t, 0.05, res.Duration)
	require.NotNil(t, res.ValidationErrors)
	assert.Contains(t, *res.ValidationErrors, ErrCheckTimeout.Error())
	assert.Empty(t, late)
}

func TestExecute_TimeoutCancelsAttemptContext(t *testing.T) {
	cancelled := make(chan struct{})
	e := New(20 * time.Millisecond)
	res := e.Execute(context.Background(), repo, def(data.LocalityLocal, func(ctx context.Context, _ data.Repository) (checks.Outcome, error) {
		<-ctx.Done()
		close(cancelled)
		return checks.Outcome{}, ctx.Err()
	}))
	assert.Equal(t, data.StatusTimeout, res.Status)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("attempt context was not cancelled")
	}
}

func TestExecute_TimeoutIsCappedAt120s(t *testing.T) {
	assert.Equal(t, 120*time.Second, New(10*time.Minute).Timeout())
	assert.Equal(t, 5*time.Second, New(5*time.Second).Timeout())
}

func TestExecute_RemoteFailsThreeTimes(t *testing.T) {
	clock := newFakeClock()
	limiter := &countingLimiter{}
	calls := 0
	e := New(time.Minute,
		WithClock(clock.Now, clock.Sleep),
		WithRand(func() float64 { return 0.5 }),
		WithLimiter(limiter),
	)

	res := e.Execute(context.Background(), repo, def(data.LocalityRemote, func(context.Context, data.Repository) (checks.Outcome, error) {
		calls++
		clock.Advance(2 * time.Second)
		return checks.Outcome{}, errors.New("api unavailable")
	}))

	assert.Equal(t, 3, calls)
	assert.Equal(t, data.StatusFailed, res.Status)
	assert.Equal(t, 0.0, scoreOf(t, res))
	assert.Equal(t, 6.0, res.Duration)
	require.NotNil(t, res.ValidationErrors)
	assert.Equal(t, "api unavailable", *res.ValidationErrors)
	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 2500 * time.Millisecond}, clock.sleeps)
	assert.Equal(t, []string{"testing/probe@core", "testing/probe@core", "testing/probe@core"}, limiter.calls)
}

func TestExecute_RemoteRecovers(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	e := New(time.Minute, WithClock(clock.Now, clock.Sleep), WithRand(func() float64 { return 0 }))

	res := e.Execute(context.Background(), repo, def(data.LocalityRemote, func(context.Context, data.Repository) (checks.Outcome, error) {
		calls++
		clock.Advance(time.Second)
		if calls == 1 {
			return checks.Outcome{}, errors.New("flaky")
		}
		return checks.Outcome{Score: 90}, nil
	}))

	assert.Equal(t, 2, calls)
	assert.Equal(t, data.StatusCompleted, res.Status)
	assert.Equal(t, 90.0, scoreOf(t, res))
	assert.Equal(t, 2.0, res.Duration)
	assert.Nil(t, res.ValidationErrors)
}

func TestExecute_LocalNotRetried(t *testing.T) {
	clock := newFakeClock()
	limiter := &countingLimiter{}
	calls := 0
	e := New(time.Minute, WithClock(clock.Now, clock.Sleep), WithLimiter(limiter))

	res := e.Execute(context.Background(), repo, def(data.LocalityLocal, func(context.Context, data.Repository) (checks.Outcome, error) {
		calls++
		return checks.Outcome{}, errors.New("parse error")
	}))

	assert.Equal(t, 1, calls)
	assert.Equal(t, data.StatusFailed, res.Status)
	assert.Empty(t, clock.sleeps)
	assert.Empty(t, limiter.calls)
}

func TestExecute_PanicRecovered(t *testing.T) {
	e := New(time.Second)
	res := e.Execute(context.Background(), repo, def(data.LocalityLocal, func(context.Context, data.Repository) (checks.Outcome, error) {
		panic("boom")
	}))
	assert.Equal(t, data.StatusFailed, res.Status)
	require.NotNil(t, res.ValidationErrors)
	assert.Contains(t, *res.ValidationErrors, "check panicked: boom")
}

func TestExecute_LimiterErrorFails(t *testing.T) {
	limiter := &countingLimiter{err: context.Canceled}
	called := false
	e := New(time.Second, WithLimiter(limiter))
	res := e.Execute(context.Background(), repo, def(data.LocalityRemote, func(context.Context, data.Repository) (checks.Outcome, error) {
		called = true
		return checks.Outcome{Score: 1}, nil
	}))
	assert.False(t, called)
	assert.Equal(t, data.StatusFailed, res.Status)
}

type blockingLimiter struct{}

func (blockingLimiter) WaitIfNeeded(ctx context.Context, _, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestExecute_LimiterWaitCountsAgainstTimeout(t *testing.T) {
	called := false
	e := New(50*time.Millisecond, WithLimiter(blockingLimiter{}))
	start := time.Now()
	res := e.Execute(context.Background(), repo, def(data.LocalityRemote, func(context.Context, data.Repository) (checks.Outcome, error) {
		called = true
		return checks.Outcome{Score: 1}, nil
	}))

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, called)
	assert.Equal(t, data.StatusTimeout, res.Status)
	assert.Equal(t, 0.05, res.Duration)
}

func TestExecute_ParentCancelledStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	e := New(time.Second, WithClock(nil, func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	res := e.Execute(ctx, repo, def(data.LocalityRemote, func(context.Context, data.Repository) (checks.Outcome, error) {
		calls++
		cancel()
		return checks.Outcome{}, errors.New("interrupted")
	}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, data.StatusFailed, res.Status)
}

func TestNormalizeScore(t *testing.T) {
	assert.Equal(t, 42.0, NormalizeScore(int64(42)))
	assert.Equal(t, 100.0, NormalizeScore(math.Inf(1)))
	assert.Equal(t, 0.0, NormalizeScore(math.Inf(-1)))
	assert.Equal(t, 12.5, NormalizeScore(float32(12.5)))
	assert.Equal(t, 0.0, NormalizeScore(true))
}

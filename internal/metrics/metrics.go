// Package metrics holds the Prometheus collectors shared by the engine. They
// are registered on the default registry and exposed by `repolizer serve`.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChecksTotal counts check invocations by category, check and final status.
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repolizer_checks_total",
		Help: "Total check invocations by category, check and status",
	}, []string{"category", "check", "status"})

	// CheckAttempts counts individual attempts, including retries.
	CheckAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repolizer_check_attempts_total",
		Help: "Total check attempts by locality and outcome",
	}, []string{"locality", "outcome"})

	// CheckDuration tracks cumulative check duration across attempts.
	CheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "repolizer_check_duration_seconds",
		Help:    "Check duration in seconds, cumulative across attempts",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~160s
	}, []string{"locality"})

	// ReposTotal counts repositories by terminal state.
	ReposTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repolizer_repositories_total",
		Help: "Total repositories by terminal state",
	}, []string{"state"})

	// RepoDuration tracks wall time per processed repository.
	RepoDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "repolizer_repository_duration_seconds",
		Help:    "Repository processing duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~200s
	})

	// RateLimitWaits counts limiter sleeps by reason (window or quota).
	RateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repolizer_ratelimit_waits_total",
		Help: "Total rate limiter waits by reason",
	}, []string{"reason"})

	// RateLimitWaitSeconds tracks how long the limiter made callers wait.
	RateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "repolizer_ratelimit_wait_seconds",
		Help:    "Rate limiter wait duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	// Cleanups counts clone cleanups by tier (normal, forced, emergency).
	Cleanups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repolizer_workspace_cleanups_total",
		Help: "Total clone cleanups by tier",
	}, []string{"tier"})

	// Clones counts clone attempts by result.
	Clones = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repolizer_workspace_clones_total",
		Help: "Total clone attempts by result",
	}, []string{"result"})

	// StoreAppends counts records appended to the result store by result.
	StoreAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repolizer_store_appends_total",
		Help: "Total result store appends by result",
	}, []string{"result"})

	// WorkersBusy is the number of parallel workers currently processing a
	// repository.
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repolizer_workers_busy",
		Help: "Parallel workers currently processing a repository",
	})

	// JobsActive is the number of jobs in the starting or running state.
	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repolizer_jobs_active",
		Help: "Jobs currently starting or running",
	})
)

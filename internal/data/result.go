package data

import (
	"math"
	"time"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
	StatusFailed    Status = "failed"

	// StatusSkipped is only used on reports for repositories that were never
	// analysed (for example because they exceed the size threshold).
	StatusSkipped Status = "skipped"
)

type Locality string

const (
	// LocalityLocal checks need a local clone of the repository.
	LocalityLocal Locality = "local"
	// LocalityRemote checks call a remote API and are rate limited and retried.
	LocalityRemote Locality = "remote"
)

// CheckResult is the outcome of one check invocation. It is created once and
// never mutated afterwards.
type CheckResult struct {
	RepoID    RepoID    `json:"repo_id"`
	RepoName  string    `json:"repo_name"`
	Category  string    `json:"category"`
	CheckName string    `json:"check_name"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`

	// Duration is in seconds and accumulates across all attempts.
	Duration float64 `json:"duration"`

	// Score is nil when the check produced no numeric score (NA).
	Score            *float64       `json:"score"`
	ValidationErrors *string        `json:"validation_errors"`
	Details          map[string]any `json:"details"`
}

// NumericScore returns the score and whether it is numeric (not NA).
func (r CheckResult) NumericScore() (float64, bool) {
	if r.Score == nil || math.IsNaN(*r.Score) {
		return 0, false
	}
	return *r.Score, true
}

// Score returns a pointer to v, for use in CheckResult and Report literals.
func Score(v float64) *float64 {
	return &v
}

func Text(s string) *string {
	return &s
}

// Round3 rounds to three decimal places, the precision used for scores and
// durations in persisted records.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Seconds converts d to seconds rounded to three decimals.
func Seconds(d time.Duration) float64 {
	return Round3(d.Seconds())
}

// Quota is the last known API budget for one rate-limit resource
// ("core", "search", "graphql", ...).
type Quota struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
	Updated   time.Time `json:"updated"`
}

// Low reports whether remaining is at or below max(floor, fraction*limit).
func (q Quota) Low(floor int, fraction float64) bool {
	threshold := float64(floor)
	if f := fraction * float64(q.Limit); f > threshold {
		threshold = f
	}
	return float64(q.Remaining) <= threshold
}

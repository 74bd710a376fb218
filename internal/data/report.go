package data

import (
	"sort"
	"time"
)

// EngineVersion is stamped on every persisted report.
const EngineVersion = "0.1.0"

// Report is the aggregated, scored output of all checks run against one
// repository. Reports that carry an Error are structured error records: the
// repository failed, timed out or was skipped, and no check results are kept.
type Report struct {
	Repository Repository                        `json:"repository"`
	Categories map[string]map[string]CheckResult `json:"categories,omitempty"`

	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	Timestamp     time.Time `json:"timestamp"`
	EngineVersion string    `json:"engine_version,omitempty"`

	// OverallScore and TotalChecks are nil only on records that have not been
	// back-filled yet (see Backfill).
	OverallScore *float64 `json:"overall_score"`
	TotalChecks  *int     `json:"total_checks"`

	TotalProcessingTime *float64 `json:"total_processing_time,omitempty"`
}

// Aggregate groups results by category and check name and computes the
// overall score.
func Aggregate(repo Repository, results []CheckResult, now time.Time) Report {
	rep := Report{
		Repository:    repo,
		Categories:    make(map[string]map[string]CheckResult),
		Status:        StatusCompleted,
		Timestamp:     now,
		EngineVersion: EngineVersion,
	}
	for _, res := range results {
		byName := rep.Categories[res.Category]
		if byName == nil {
			byName = make(map[string]CheckResult)
			rep.Categories[res.Category] = byName
		}
		byName[res.CheckName] = res
	}
	overall, total := OverallScore(rep.Categories)
	rep.OverallScore = Score(overall)
	rep.TotalChecks = &total
	return rep
}

// OverallScore is the plain mean of every numeric (non-NA) check score across
// all categories, rounded to three decimals. Categories are not weighted.
func OverallScore(categories map[string]map[string]CheckResult) (float64, int) {
	var sum float64
	var n int
	for _, byName := range categories {
		for _, res := range byName {
			if s, ok := res.NumericScore(); ok {
				sum += s
				n++
			}
		}
	}
	if n == 0 {
		return 0, 0
	}
	return Round3(sum / float64(n)), n
}

// ErrorReport builds a structured error record so a failed repository is
// never silently dropped from the store.
func ErrorReport(repo Repository, status Status, err error, now time.Time) Report {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	zero := 0
	return Report{
		Repository:    repo,
		Status:        status,
		Error:         msg,
		Timestamp:     now,
		EngineVersion: EngineVersion,
		OverallScore:  Score(0),
		TotalChecks:   &zero,
	}
}

// Backfill fills timestamp, engine_version, overall_score and total_checks
// when they are missing.
func (r *Report) Backfill(now time.Time) {
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	if r.EngineVersion == "" {
		r.EngineVersion = EngineVersion
	}
	if r.OverallScore == nil || r.TotalChecks == nil {
		overall, total := OverallScore(r.Categories)
		if r.OverallScore == nil {
			r.OverallScore = Score(overall)
		}
		if r.TotalChecks == nil {
			r.TotalChecks = &total
		}
	}
	if r.Status == "" {
		if r.Error != "" {
			r.Status = StatusFailed
		} else {
			r.Status = StatusCompleted
		}
	}
}

// Failed reports whether the record describes a repository that did not
// complete.
func (r Report) Failed() bool {
	return r.Error != "" || (r.Status != "" && r.Status != StatusCompleted)
}

// Results flattens the report into category-then-check-name order.
func (r Report) Results() []CheckResult {
	cats := make([]string, 0, len(r.Categories))
	for c := range r.Categories {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	var out []CheckResult
	for _, c := range cats {
		names := make([]string, 0, len(r.Categories[c]))
		for n := range r.Categories[c] {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			out = append(out, r.Categories[c][n])
		}
	}
	return out
}

func (r Report) Overall() float64 {
	if r.OverallScore == nil {
		return 0
	}
	return *r.OverallScore
}

func (r Report) Checks() int {
	if r.TotalChecks == nil {
		return 0
	}
	return *r.TotalChecks
}

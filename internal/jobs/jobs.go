// Package jobs tracks analysis runs started by the serve command so their
// status can be polled.
package jobs

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"repolizer/internal/data"
	"repolizer/internal/metrics"
)

type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateError     State = "error"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

var ErrNotFound = errors.New("job not found")

type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Job is a snapshot of one run.
type Job struct {
	ID       string   `json:"id"`
	State    State    `json:"status"`
	Progress Progress `json:"progress"`

	// Report is the most recent report produced by the run.
	Report *data.Report `json:"report,omitempty"`

	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Error     string `json:"error,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Table is an in-memory job table owned by one server instance.
type Table struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewTable() *Table {
	return &Table{jobs: make(map[string]*Job), now: time.Now}
}

// Create adds a job in the starting state.
func (t *Table) Create(total int) Job {
	now := t.now()
	j := &Job{
		ID:       uuid.NewString(),
		State:    StateStarting,
		Progress: Progress{Total: total},
		Created:  now,
		Updated:  now,
	}
	t.mu.Lock()
	t.jobs[j.ID] = j
	t.mu.Unlock()
	metrics.JobsActive.Inc()
	return *j
}

func (t *Table) update(id string, fn func(j *Job)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State.Terminal() {
		return nil
	}
	fn(j)
	j.Updated = t.now()
	if j.State.Terminal() {
		metrics.JobsActive.Dec()
	}
	return nil
}

// Start moves a job to running.
func (t *Table) Start(id string) error {
	return t.update(id, func(j *Job) { j.State = StateRunning })
}

// Record stores the latest report and progress.
func (t *Table) Record(id string, done, total int, rep data.Report) error {
	return t.update(id, func(j *Job) {
		j.State = StateRunning
		j.Progress = Progress{Done: done, Total: total}
		j.Report = &rep
		if rep.Failed() {
			j.Failed++
		} else {
			j.Completed++
		}
	})
}

// Complete marks a job completed; skipped counts repositories that were
// already processed.
func (t *Table) Complete(id string, skipped int) error {
	return t.update(id, func(j *Job) {
		j.State = StateCompleted
		j.Skipped = skipped
		j.Progress.Done = j.Progress.Total
	})
}

// Fail marks a job as errored.
func (t *Table) Fail(id string, err error) error {
	return t.update(id, func(j *Job) {
		j.State = StateError
		if err != nil {
			j.Error = err.Error()
		}
	})
}

func (t *Table) Get(id string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns every job, newest first.
func (t *Table) List() []Job {
	t.mu.RLock()
	out := make([]Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, *j)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].Created.Equal(out[k].Created) {
			return out[i].ID < out[k].ID
		}
		return out[i].Created.After(out[k].Created)
	})
	return out
}

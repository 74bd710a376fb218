// Package checks defines the check contract and the registry that maps
// (category, name) to a runnable check.
package checks

import (
	"context"

	"repolizer/internal/data"
)

// Outcome is what a check returns on success. Score is normally a number in
// [0, 100]; any other value is normalized to 0 by the executor. Result is
// stored verbatim as the CheckResult details.
type Outcome struct {
	Score  any            `json:"score"`
	Result map[string]any `json:"result"`
}

// Check analyses one repository. Implementations must honour ctx where they
// can; the executor stops waiting for them at the timeout either way.
type Check interface {
	Run(ctx context.Context, repo data.Repository) (Outcome, error)
}

// CheckFunc adapts a function to Check.
type CheckFunc func(ctx context.Context, repo data.Repository) (Outcome, error)

func (f CheckFunc) Run(ctx context.Context, repo data.Repository) (Outcome, error) {
	return f(ctx, repo)
}

// Definition is a registry entry.
type Definition struct {
	Name     string
	Category string
	Label    string

	// Description is shown by `repolizer checks show`.
	Description string

	// Locality decides whether the check needs a clone (local) or is rate
	// limited and retried (remote).
	Locality data.Locality

	// Resource is the API quota resource a remote check draws from, for
	// example "core". Empty disables the low-quota override.
	Resource string

	// Source describes where the check came from: "builtin" or the path of an
	// external executable.
	Source string

	Check Check
}

// Key is the "category/name" identifier used in logs and rate-limit
// categories.
func (d Definition) Key() string {
	return d.Category + "/" + d.Name
}

func (d Definition) Local() bool {
	return d.Locality != data.LocalityRemote
}

// DisplayLabel returns Label, falling back to Name.
func (d Definition) DisplayLabel() string {
	if d.Label != "" {
		return d.Label
	}
	return d.Name
}

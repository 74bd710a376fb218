// Package builtin provides the checks compiled into repolizer. Local checks
// inspect the clone on disk; remote checks read repository metadata from the
// GitHub API through the shared fetcher.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-github/v81/github"

	"repolizer/internal/checks"
	"repolizer/internal/data"
)

// API is the subset of the fetcher used by remote checks.
type API interface {
	Repository(ctx context.Context, repo data.Repository) (*github.Repository, error)
	CommunityProfile(ctx context.Context, repo data.Repository) (*github.CommunityHealthMetrics, error)
	WorkflowCount(ctx context.Context, repo data.Repository) (int, error)
}

// errNoClone is returned by local checks run without a clone.
var errNoClone = errors.New("repository has no local clone")

// Register adds every builtin check to reg. Remote checks are skipped when
// api is nil. now is used by time-based checks and defaults to time.Now.
func Register(reg *checks.Registry, api API, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	defs := localChecks()
	if api != nil {
		defs = append(defs, remoteChecks(api, now)...)
	}
	var errs []error
	for _, def := range defs {
		def.Source = "builtin"
		if err := reg.Add(def); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func requireClone(repo data.Repository) (string, error) {
	root := strings.TrimSpace(repo.LocalPath)
	if root == "" {
		return "", errNoClone
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("stat clone: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("clone path %s is not a directory", root)
	}
	return root, nil
}

// findFile looks in each dir (relative to root) for a regular file whose name,
// compared case-insensitively and without extension, is one of stems. It
// returns the path relative to root.
func findFile(root string, dirs []string, stems ...string) (string, bool) {
	for _, dir := range dirs {
		entries, err := os.ReadDir(filepath.Join(root, dir))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			name := e.Name()
			stem := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
			for _, s := range stems {
				if stem == strings.ToLower(s) {
					return filepath.ToSlash(filepath.Join(dir, name)), true
				}
			}
		}
	}
	return "", false
}

// skipDirs are never descended into when walking a clone.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"venv":         true,
	"dist":         true,
	"build":        true,
}

// walkFiles calls fn for each regular file under root until fn returns false
// or ctx is done.
func walkFiles(ctx context.Context, root string, fn func(rel string, d fs.DirEntry) bool) error {
	stop := errors.New("stop")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if !fn(filepath.ToSlash(rel), d) {
			return stop
		}
		return nil
	})
	if errors.Is(err, stop) {
		return nil
	}
	return err
}

func pass(details map[string]any) checks.Outcome {
	return checks.Outcome{Score: 100, Result: details}
}

func fail(details map[string]any) checks.Outcome {
	return checks.Outcome{Score: 0, Result: details}
}

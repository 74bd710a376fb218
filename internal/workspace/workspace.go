// Package workspace manages the temporary clones repositories are analysed
// in. Every clone lives under one root, is tracked by repository id and is
// removed with one of three cleanup tiers once the repository is done.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"repolizer/internal/data"
	"repolizer/internal/metrics"
)

// ErrCloneFailed is returned when no clone URL of a repository could be
// cloned. Local checks are skipped for such repositories.
var ErrCloneFailed = errors.New("clone failed")

// Tier selects how aggressively a clone is reclaimed.
type Tier int

const (
	// Normal removes the clone with a timeout guard.
	Normal Tier = iota
	// Forced also runs a GC pass and untracks the clone even if removal
	// failed.
	Forced
	// Emergency also kills lingering git processes and sweeps everything under
	// the root.
	Emergency
)

func (t Tier) String() string {
	switch t {
	case Normal:
		return "normal"
	case Forced:
		return "forced"
	case Emergency:
		return "emergency"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

const (
	DefaultRemoveTimeout = 30 * time.Second
	emergencyGCPasses    = 3
	rootPrefix           = "repolizer_"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

type Manager struct {
	root  string
	owned bool

	cloner        Cloner
	procs         *ProcessSet
	token         string
	removeTimeout time.Duration
	gc            func()
	logger        *slog.Logger

	mu      sync.Mutex
	tracked map[data.RepoID]string
}

type Option func(*Manager)

// WithCloner replaces the git command line cloner.
func WithCloner(c Cloner) Option {
	return func(m *Manager) {
		if c != nil {
			m.cloner = c
		}
	}
}

// WithToken sets the token injected into https clone URLs when the
// repository does not carry its own.
func WithToken(token string) Option {
	return func(m *Manager) {
		m.token = strings.TrimSpace(token)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithRemoveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.removeTimeout = d
		}
	}
}

// WithGC replaces runtime.GC for the forced and emergency tiers.
func WithGC(fn func()) Option {
	return func(m *Manager) {
		if fn != nil {
			m.gc = fn
		}
	}
}

// New returns a manager whose clones live in a fresh temporary directory
// under root (the system temp dir when root is empty). Close removes it.
func New(root string, opts ...Option) (*Manager, error) {
	m := &Manager{
		procs:         NewProcessSet(),
		removeTimeout: DefaultRemoveTimeout,
		gc:            runtime.GC,
		logger:        slog.Default(),
		tracked:       make(map[data.RepoID]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.cloner == nil {
		m.cloner = &GitCloner{Depth: 1, Procs: m.procs}
	}

	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace root: %w", err)
		}
	}
	// Clones always live in a directory of our own, so the emergency sweep
	// never touches anything else under a user supplied root.
	dir, err := os.MkdirTemp(root, rootPrefix)
	if err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	m.root, m.owned = dir, true
	return m, nil
}

// Sub returns a manager rooted at a child directory of m, for one parallel
// worker. It shares m's cloner (unless that is the default git cloner, which
// gets its own process set) and is removed by m.Close.
func (m *Manager) Sub(name string) (*Manager, error) {
	sub := &Manager{
		cloner:        m.cloner,
		procs:         NewProcessSet(),
		token:         m.token,
		removeTimeout: m.removeTimeout,
		gc:            m.gc,
		logger:        m.logger.With("worker", name),
		tracked:       make(map[data.RepoID]string),
	}
	if gc, ok := m.cloner.(*GitCloner); ok {
		sub.cloner = &GitCloner{Depth: gc.Depth, Procs: sub.procs}
	}
	sub.root = filepath.Join(m.root, unsafeChars.ReplaceAllString(name, "_"))
	if err := os.MkdirAll(sub.root, 0o755); err != nil {
		return nil, fmt.Errorf("create worker workspace: %w", err)
	}
	return sub, nil
}

func (m *Manager) Root() string {
	return m.root
}

// Path returns the tracked clone path for id.
func (m *Manager) Path(id data.RepoID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.tracked[id]
	return p, ok
}

// Tracked returns the number of tracked clones.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// Clone clones repo under the root and returns a copy of the descriptor
// with LocalPath set. clone_url, git_url and html_url are tried in order. A
// repository that is already tracked is not cloned again.
func (m *Manager) Clone(ctx context.Context, repo data.Repository) (data.Repository, error) {
	if p, ok := m.Path(repo.ID); ok {
		if _, err := os.Stat(p); err == nil {
			return repo.WithLocalPath(p), nil
		}
	}

	urls := repo.CloneSources()
	if len(urls) == 0 {
		metrics.Clones.WithLabelValues("no_url").Inc()
		return repo, fmt.Errorf("%w: %s has no clone url", ErrCloneFailed, repo.DisplayName())
	}

	dest := filepath.Join(m.root, "repo_"+unsafeChars.ReplaceAllString(repo.ID.String(), "_"))
	token := repo.Token
	if token == "" {
		token = m.token
	}

	var errs []error
	for _, u := range urls {
		_ = os.RemoveAll(dest)
		start := time.Now()
		err := m.cloner.Clone(ctx, withToken(u, token), dest)
		if err == nil {
			m.mu.Lock()
			m.tracked[repo.ID] = dest
			m.mu.Unlock()
			metrics.Clones.WithLabelValues("success").Inc()
			m.logger.Debug("cloned repository", "repo", repo.DisplayName(), "path", dest, "duration", time.Since(start).Round(time.Millisecond))
			return repo.WithLocalPath(dest), nil
		}
		errs = append(errs, errors.New(redact(err.Error(), token)))
		m.logger.Debug("clone attempt failed", "repo", repo.DisplayName(), "url", u, "error", redact(err.Error(), token))
		if ctx.Err() != nil {
			break
		}
	}
	_ = os.RemoveAll(dest)
	metrics.Clones.WithLabelValues("failure").Inc()
	return repo, fmt.Errorf("%w: %s: %w", ErrCloneFailed, repo.DisplayName(), errors.Join(errs...))
}

// Cleanup removes the clone tracked for id using tier. Cleaning an untracked
// id is a no-op for the normal and forced tiers.
func (m *Manager) Cleanup(id data.RepoID, tier Tier) error {
	metrics.Cleanups.WithLabelValues(tier.String()).Inc()

	path, tracked := m.Path(id)
	var err error
	if tracked {
		err = m.remove(path)
		if err == nil || tier >= Forced {
			m.mu.Lock()
			delete(m.tracked, id)
			m.mu.Unlock()
		}
	}
	if tier == Normal {
		return err
	}

	m.gc()
	if tier == Forced {
		return err
	}

	if n := m.procs.KillAll(); n > 0 {
		m.logger.Warn("killed lingering git processes", "count", n)
	}
	if sweepErr := m.sweep(); sweepErr != nil {
		err = errors.Join(err, sweepErr)
	}
	for i := 1; i < emergencyGCPasses; i++ {
		m.gc()
	}
	return err
}

// Close force-cleans every tracked clone and removes the root if New created
// it.
func (m *Manager) Close() error {
	m.mu.Lock()
	ids := make([]data.RepoID, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Cleanup(id, Forced); err != nil {
			errs = append(errs, err)
		}
	}
	m.procs.KillAll()
	if m.owned {
		if err := m.remove(m.root); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// remove runs os.RemoveAll and stops waiting for it after removeTimeout.
func (m *Manager) remove(path string) error {
	done := make(chan error, 1)
	go func() {
		done <- os.RemoveAll(path)
	}()
	timer := time.NewTimer(m.removeTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			m.logger.Warn("failed to remove clone", "path", path, "error", err)
		}
		return err
	case <-timer.C:
		m.logger.Warn("clone removal timed out", "path", path, "timeout", m.removeTimeout)
		return fmt.Errorf("remove %s: timed out after %s", path, m.removeTimeout)
	}
}

// sweep removes every entry under the root and untracks everything.
func (m *Manager) sweep() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := m.remove(filepath.Join(m.root, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	m.mu.Lock()
	clear(m.tracked)
	m.mu.Unlock()
	return errors.Join(errs...)
}

// withToken embeds token as the user of an https URL.
func withToken(raw, token string) string {
	if token == "" || !strings.HasPrefix(raw, "https://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User != nil {
		return raw
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

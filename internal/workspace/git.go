package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Cloner materializes a repository at dest.
type Cloner interface {
	Clone(ctx context.Context, url, dest string) error
}

// ProcessSet tracks running subprocesses so they can be terminated when a
// repository is abandoned.
type ProcessSet struct {
	mu    sync.Mutex
	procs map[int]*os.Process
}

func NewProcessSet() *ProcessSet {
	return &ProcessSet{procs: make(map[int]*os.Process)}
}

func (s *ProcessSet) Add(p *os.Process) {
	if s == nil || p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[p.Pid] = p
}

func (s *ProcessSet) Remove(p *os.Process) {
	if s == nil || p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, p.Pid)
}

func (s *ProcessSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// KillAll kills every tracked process and returns how many were signalled.
func (s *ProcessSet) KillAll() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	procs := s.procs
	s.procs = make(map[int]*os.Process)
	s.mu.Unlock()

	n := 0
	for _, p := range procs {
		if err := p.Kill(); err == nil {
			n++
		}
	}
	return n
}

// GitCloner shallow-clones with the git command line.
type GitCloner struct {
	// Depth is passed to --depth; values below 1 mean 1.
	Depth int

	// Procs, if set, tracks running git processes.
	Procs *ProcessSet
}

func (g *GitCloner) Clone(ctx context.Context, url, dest string) error {
	depth := g.Depth
	if depth < 1 {
		depth = 1
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--quiet", "--depth", strconv.Itoa(depth), "--", url, dest)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("git clone: %w", err)
	}
	g.Procs.Add(cmd.Process)
	defer g.Procs.Remove(cmd.Process)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("git clone: %w", ctx.Err())
		}
		return fmt.Errorf("git clone: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

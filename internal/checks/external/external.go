// Package external loads checks implemented as executables laid out as
// <dir>/<category>/<name>. A check receives the repository descriptor as JSON
// on stdin and writes {"score": ..., "result": {...}} to stdout.
//
// A ".remote" suffix on the name (before any extension) marks the check as
// remote: it is then rate limited against the "core" API resource and
// retried by the executor.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"repolizer/internal/checks"
	"repolizer/internal/data"
)

const (
	remoteSuffix = ".remote"

	// maxOutput bounds what is read from a check's stdout.
	maxOutput = 4 << 20

	// stderrTail is how much of stderr is kept for error messages.
	stderrTail = 2048

	defaultWaitDelay = 2 * time.Second
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Check runs one executable.
type Check struct {
	Path string

	// Token is exported to the process as GITHUB_TOKEN unless the repository
	// carries its own.
	Token string

	// WaitDelay is how long to wait for output pipes after the process is
	// killed on cancellation.
	WaitDelay time.Duration
}

func (c *Check) Run(ctx context.Context, repo data.Repository) (checks.Outcome, error) {
	input, err := json.Marshal(repo)
	if err != nil {
		return checks.Outcome{}, fmt.Errorf("encode repository: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Path)
	cmd.Dir = filepath.Dir(c.Path)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = os.Environ()
	if repo.LocalPath != "" {
		cmd.Env = append(cmd.Env, "REPOLIZER_REPO_PATH="+repo.LocalPath)
	}
	token := repo.Token
	if token == "" {
		token = c.Token
	}
	if token != "" {
		cmd.Env = append(cmd.Env, "GITHUB_TOKEN="+token)
	}
	cmd.Cancel = func() error { return cmd.Process.Kill() }
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	var stdout bytes.Buffer
	var stderr tailBuffer
	cmd.Stdout = &limitedWriter{w: &stdout, n: maxOutput}
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return checks.Outcome{}, ctxErr
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return checks.Outcome{}, fmt.Errorf("%s: %w: %s", filepath.Base(c.Path), err, msg)
		}
		return checks.Outcome{}, fmt.Errorf("%s: %w", filepath.Base(c.Path), err)
	}
	return ParseOutput(stdout.Bytes())
}

// ParseOutput decodes the JSON object a check writes to stdout. Output that
// is not an object with a "score" key is an error.
func ParseOutput(b []byte) (checks.Outcome, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return checks.Outcome{}, errors.New("check produced no output")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return checks.Outcome{}, fmt.Errorf("decode check output: %w", err)
	}
	scoreRaw, ok := raw["score"]
	if !ok {
		return checks.Outcome{}, errors.New("check output has no score")
	}
	var out checks.Outcome
	if err := json.Unmarshal(scoreRaw, &out.Score); err != nil {
		return checks.Outcome{}, fmt.Errorf("decode score: %w", err)
	}
	if res, ok := raw["result"]; ok {
		// A result that is not an object is kept under "value".
		if err := json.Unmarshal(res, &out.Result); err != nil {
			var v any
			if err := json.Unmarshal(res, &v); err != nil {
				return checks.Outcome{}, fmt.Errorf("decode result: %w", err)
			}
			out.Result = map[string]any{"value": v}
		}
	}
	return out, nil
}

// Scan registers every executable under dir/<category>/ with reg and returns
// how many were added. Entries that cannot be registered are logged and
// skipped. A missing dir is not an error.
func Scan(dir string, reg *checks.Registry, token string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	categories, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read checks dir: %w", err)
	}

	added := 0
	for _, cat := range categories {
		if !cat.IsDir() || strings.HasPrefix(cat.Name(), ".") {
			continue
		}
		catDir := filepath.Join(dir, cat.Name())
		entries, err := os.ReadDir(catDir)
		if err != nil {
			logger.Warn("skipping check category", "path", catDir, "error", err)
			continue
		}
		for _, e := range entries {
			path := filepath.Join(catDir, e.Name())
			def, ok, err := definitionFor(cat.Name(), path, e)
			if err != nil {
				logger.Warn("skipping external check", "path", path, "error", err)
				continue
			}
			if !ok {
				continue
			}
			def.Check = &Check{Path: path, Token: token}
			if err := reg.Add(def); err != nil {
				logger.Warn("skipping external check", "path", path, "error", err)
				continue
			}
			logger.Debug("registered external check", "check", def.Key(), "locality", def.Locality)
			added++
		}
	}
	return added, nil
}

// definitionFor reports ok=false for entries that are silently ignored:
// directories, dotfiles and non-executables.
func definitionFor(category, path string, e os.DirEntry) (checks.Definition, bool, error) {
	name := e.Name()
	if e.IsDir() || strings.HasPrefix(name, ".") {
		return checks.Definition{}, false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return checks.Definition{}, false, err
	}
	if !info.Mode().IsRegular() {
		return checks.Definition{}, false, nil
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return checks.Definition{}, false, nil
	}

	name = strings.TrimSuffix(name, filepath.Ext(name))
	locality := data.LocalityLocal
	resource := ""
	if strings.HasSuffix(name, remoteSuffix) {
		name = strings.TrimSuffix(name, remoteSuffix)
		locality = data.LocalityRemote
		resource = "core"
	}
	if !validName.MatchString(name) || !validName.MatchString(category) {
		return checks.Definition{}, false, fmt.Errorf("invalid check name %q", category+"/"+name)
	}
	return checks.Definition{
		Name:     name,
		Category: category,
		Locality: locality,
		Resource: resource,
		Source:   path,
	}, true, nil
}

type limitedWriter struct {
	w io.Writer
	n int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	keep := p
	if int64(len(keep)) > l.n {
		keep = keep[:l.n]
	}
	n, err := l.w.Write(keep)
	l.n -= int64(n)
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// tailBuffer keeps the last stderrTail bytes written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrTail {
		t.buf = t.buf[len(t.buf)-stderrTail:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

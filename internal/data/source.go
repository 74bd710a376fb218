package data

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// maxLineSize bounds a single NDJSON line. Repository descriptors copied from
// the GitHub API can be a few hundred KB.
const maxLineSize = 16 << 20

// ReadRepositories reads one repository descriptor per line. Blank lines are
// ignored. Lines that do not parse, or that have no id, are reported to
// onSkip (if non-nil) and skipped.
func ReadRepositories(r io.Reader, onSkip func(line int, err error)) ([]Repository, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var repos []Repository
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		var repo Repository
		if err := json.Unmarshal(b, &repo); err != nil {
			if onSkip != nil {
				onSkip(line, err)
			}
			continue
		}
		if repo.ID.IsZero() {
			if onSkip != nil {
				onSkip(line, fmt.Errorf("descriptor has no id"))
			}
			continue
		}
		repos = append(repos, repo)
	}
	if err := sc.Err(); err != nil {
		return repos, fmt.Errorf("read repositories: %w", err)
	}
	return repos, nil
}

// LoadRepositories reads the repository source file at path.
func LoadRepositories(path string, logger *slog.Logger) ([]Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open repository source: %w", err)
	}
	defer f.Close()

	repos, err := ReadRepositories(f, func(line int, err error) {
		logger.Warn("skipping repository descriptor", "source", path, "line", line, "error", err)
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("loaded repository source", "source", path, "repositories", len(repos))
	return repos, nil
}

// FindRepository returns the descriptor with the given id. An empty id
// selects the first descriptor.
func FindRepository(repos []Repository, id RepoID) (Repository, bool) {
	if id.IsZero() {
		if len(repos) == 0 {
			return Repository{}, false
		}
		return repos[0], true
	}
	for _, r := range repos {
		if r.ID == id {
			return r, true
		}
	}
	return Repository{}, false
}

// Package store persists aggregated reports. The default format is NDJSON,
// one report per line appended with O_APPEND; a path ending in .json selects
// a JSON array that is rewritten on every append and therefore must only be
// used with a single writer.
//
// The store is resumable: a repository whose id or full name appears in it is
// "processed" and skipped by later runs unless forced.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"repolizer/internal/data"
	"repolizer/internal/metrics"
)

type Format string

const (
	FormatNDJSON Format = "ndjson"
	FormatJSON   Format = "json"
)

// maxLineSize bounds a single stored report.
const maxLineSize = 64 << 20

// corruptID recovers a repository id from a line that does not parse.
var corruptID = regexp.MustCompile(`"id":\s*("[^"]+"|\d+)`)

// FormatFor infers the store format from the file extension.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatNDJSON
}

type Store struct {
	path   string
	format Format
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	loaded    bool
	ids       map[data.RepoID]struct{}
	fullNames map[string]struct{}
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used to back-fill missing timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open returns a store for path. Existing content is kept; the file is
// created on first append.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store path required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	s := &Store{
		path:      path,
		format:    FormatFor(path),
		logger:    slog.Default(),
		now:       time.Now,
		ids:       make(map[data.RepoID]struct{}),
		fullNames: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Format() Format {
	return s.format
}

// Append back-fills rep and persists it, then marks its repository as
// processed.
func (s *Store) Append(rep data.Report) error {
	rep.Backfill(s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch s.format {
	case FormatJSON:
		err = s.appendArray(rep)
	default:
		err = s.appendLine(rep)
	}
	if err != nil {
		metrics.StoreAppends.WithLabelValues("error").Inc()
		return fmt.Errorf("append report for %s: %w", rep.Repository.DisplayName(), err)
	}
	metrics.StoreAppends.WithLabelValues("ok").Inc()
	s.markLocked(rep.Repository.ID, rep.Repository.FullName)
	return nil
}

func (s *Store) appendLine(rep data.Report) error {
	b, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	// One write per record keeps lines whole under O_APPEND.
	_, err = f.Write(append(b, '\n'))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (s *Store) appendArray(rep data.Report) error {
	var reports []json.RawMessage
	content, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return err
	case len(bytes.TrimSpace(content)) > 0:
		if err := json.Unmarshal(content, &reports); err != nil {
			return fmt.Errorf("existing store is not a JSON array: %w", err)
		}
	}
	b, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	reports = append(reports, b)

	out, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, append(out, '\n'))
}

// Processed reports whether a repository with id or fullName is stored. The
// store is scanned once, on first use.
func (s *Store) Processed(id data.RepoID, fullName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return false, err
	}
	if !id.IsZero() {
		if _, ok := s.ids[id]; ok {
			return true, nil
		}
	}
	if fullName != "" {
		if _, ok := s.fullNames[fullName]; ok {
			return true, nil
		}
	}
	return false, nil
}

// ProcessedCount returns the number of distinct processed repository ids.
func (s *Store) ProcessedCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return 0, err
	}
	return len(s.ids), nil
}

func (s *Store) markLocked(id data.RepoID, fullName string) {
	if !id.IsZero() {
		s.ids[id] = struct{}{}
	}
	if fullName != "" {
		s.fullNames[fullName] = struct{}{}
	}
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}
	err := s.scan(func(_ int, rep data.Report) bool {
		s.markLocked(rep.Repository.ID, rep.Repository.FullName)
		return true
	}, func(line int, raw []byte, err error) {
		m := corruptID.FindSubmatch(raw)
		if m == nil {
			s.logger.Warn("skipping corrupt store line", "path", s.path, "line", line, "error", err)
			return
		}
		id := data.RepoID(strings.Trim(string(m[1]), `"`))
		s.logger.Warn("recovered repository id from corrupt store line", "path", s.path, "line", line, "id", id, "error", err)
		s.markLocked(id, "")
	})
	if err != nil {
		return err
	}
	s.loaded = true
	s.logger.Debug("loaded processed repositories", "path", s.path, "repositories", len(s.ids))
	return nil
}

// Lookup returns the first stored report for id or fullName.
func (s *Store) Lookup(id data.RepoID, fullName string) (data.Report, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found data.Report
	var ok bool
	err := s.scan(func(_ int, rep data.Report) bool {
		if rep.Repository.Matches(id, fullName) {
			found, ok = rep, true
			return false
		}
		return true
	}, nil)
	if err != nil {
		return data.Report{}, false, err
	}
	if ok {
		found.Backfill(s.now())
	}
	return found, ok, nil
}

// Each calls fn for every stored report in file order until fn returns false.
// Corrupt entries are skipped.
func (s *Store) Each(fn func(rep data.Report) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scan(func(_ int, rep data.Report) bool {
		rep.Backfill(s.now())
		return fn(rep)
	}, nil)
}

// scan reads every stored report. A missing file is empty.
func (s *Store) scan(fn func(line int, rep data.Report) bool, onCorrupt func(line int, raw []byte, err error)) error {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open store: %w", err)
	}
	defer f.Close()

	if s.format == FormatJSON {
		return scanArray(f, fn, onCorrupt)
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rep data.Report
		if err := json.Unmarshal(raw, &rep); err != nil {
			if onCorrupt != nil {
				onCorrupt(line, raw, err)
			}
			continue
		}
		if !fn(line, rep) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read store: %w", err)
	}
	return nil
}

func scanArray(r io.Reader, fn func(line int, rep data.Report) bool, onCorrupt func(line int, raw []byte, err error)) error {
	content, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read store: %w", err)
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(content, &raws); err != nil {
		// A single object is accepted as a one-element store.
		var rep data.Report
		if objErr := json.Unmarshal(content, &rep); objErr == nil {
			fn(1, rep)
			return nil
		}
		if onCorrupt != nil {
			onCorrupt(1, content, err)
			return nil
		}
		return fmt.Errorf("decode store: %w", err)
	}
	for i, raw := range raws {
		var rep data.Report
		if err := json.Unmarshal(raw, &rep); err != nil {
			if onCorrupt != nil {
				onCorrupt(i+1, raw, err)
			}
			continue
		}
		if !fn(i+1, rep) {
			return nil
		}
	}
	return nil
}

func writeFileAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

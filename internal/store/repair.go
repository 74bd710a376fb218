package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"repolizer/internal/data"
)

var (
	trailingCommaObject = regexp.MustCompile(`,\s*}`)
	trailingCommaArray  = regexp.MustCompile(`,\s*]`)
)

// RepairResult describes what Repair did.
type RepairResult struct {
	Valid     int
	Fixed     int
	Corrupted int

	// Backup is the copy of the original file; CorruptedPath holds the lines
	// that could not be fixed. Both are empty when the file was already
	// valid.
	Backup        string
	CorruptedPath string
}

// Repair rewrites an NDJSON store keeping only lines that parse. Lines with
// trailing commas are fixed; other bad lines are moved to <path>.corrupted
// with their line number and parse error. The original is first copied to
// <path>.bak.<timestamp>. A store without bad lines is left untouched.
func Repair(path string, now time.Time) (RepairResult, error) {
	var res RepairResult
	if FormatFor(path) != FormatNDJSON {
		return res, errors.New("repair only supports NDJSON stores")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return res, fmt.Errorf("read store: %w", err)
	}

	var kept bytes.Buffer
	var corrupted bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		if json.Valid(raw) {
			res.Valid++
			kept.Write(raw)
			kept.WriteByte('\n')
			continue
		}
		fixed := trailingCommaObject.ReplaceAll(raw, []byte("}"))
		fixed = trailingCommaArray.ReplaceAll(fixed, []byte("]"))
		if json.Valid(fixed) {
			res.Fixed++
			kept.Write(fixed)
			kept.WriteByte('\n')
			continue
		}
		res.Corrupted++
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			fmt.Fprintf(&corrupted, "# Line %d: %v\n", line, err)
		}
		corrupted.Write(raw)
		corrupted.WriteString("\n\n")
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("read store: %w", err)
	}
	if res.Fixed == 0 && res.Corrupted == 0 {
		return res, nil
	}

	res.Backup = fmt.Sprintf("%s.bak.%s", path, now.Format("20060102150405"))
	if err := copyFile(path, res.Backup); err != nil {
		return res, fmt.Errorf("backup store: %w", err)
	}
	if res.Corrupted > 0 {
		res.CorruptedPath = path + ".corrupted"
		if err := os.WriteFile(res.CorruptedPath, corrupted.Bytes(), 0o644); err != nil {
			return res, fmt.Errorf("write corrupted lines: %w", err)
		}
	}
	if err := writeFileAtomic(path, kept.Bytes()); err != nil {
		return res, fmt.Errorf("rewrite store: %w", err)
	}
	return res, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Stats summarizes a store.
type Stats struct {
	Records      int
	Repositories int
	Completed    int
	Failed       int
	MeanScore    float64
	Checks       int
}

// Stats scans the store once.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	seen := make(map[data.RepoID]struct{})
	var scoreSum float64
	var scored int
	err := s.Each(func(rep data.Report) bool {
		st.Records++
		if !rep.Repository.ID.IsZero() {
			seen[rep.Repository.ID] = struct{}{}
		}
		if rep.Failed() {
			st.Failed++
			return true
		}
		st.Completed++
		st.Checks += rep.Checks()
		scoreSum += rep.Overall()
		scored++
		return true
	})
	if err != nil {
		return st, err
	}
	st.Repositories = len(seen)
	if scored > 0 {
		st.MeanScore = data.Round3(scoreSum / float64(scored))
	}
	return st, nil
}

package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/fatih/color"

	"repolizer/internal/data"
)

type ConsoleSink struct {
	writer          io.Writer
	format          string // "text", "json", "ndjson"
	mu              sync.Mutex
	reports         []data.Report // For JSON array output
	allowedStatuses map[data.Status]bool

	// Details adds one line per check under each text report.
	Details bool
}

func NewConsoleSink(w io.Writer, format string, filterStatuses []string) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	if format == "" {
		format = "text"
	}

	s := &ConsoleSink{
		writer: w,
		format: format,
	}

	if len(filterStatuses) > 0 {
		s.allowedStatuses = make(map[data.Status]bool)
		for _, st := range filterStatuses {
			s.allowedStatuses[data.Status(strings.ToLower(strings.TrimSpace(st)))] = true
		}
	}

	return s
}

func (s *ConsoleSink) Write(rep data.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(rep)
}

func (s *ConsoleSink) writeLocked(rep data.Report) error {
	if len(s.allowedStatuses) > 0 && !s.allowedStatuses[reportStatus(rep)] {
		return nil
	}

	switch s.format {
	case "json":
		s.reports = append(s.reports, rep)
		return nil
	case "ndjson":
		if err := json.NewEncoder(s.writer).Encode(rep); err != nil {
			return err
		}
		return flushIfPossible(s.writer)
	case "text":
		if err := s.writeText(rep); err != nil {
			return err
		}
		return flushIfPossible(s.writer)
	default:
		return fmt.Errorf("unsupported console format: %s", s.format)
	}
}

func (s *ConsoleSink) writeText(rep data.Report) error {
	status := reportStatus(rep)
	if _, err := statusColor(status).Fprintf(s.writer, "[%s]", strings.ToUpper(string(status))); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.writer, " %s (%s)", rep.Repository.DisplayName(), rep.Repository.ID); err != nil {
		return err
	}
	if rep.Error != "" {
		_, err := fmt.Fprintf(s.writer, " - %s\n", rep.Error)
		return err
	}
	if _, err := fmt.Fprintf(s.writer, " score=%s checks=%d", formatScore(rep.OverallScore), rep.Checks()); err != nil {
		return err
	}
	if rep.TotalProcessingTime != nil {
		if _, err := fmt.Fprintf(s.writer, " time=%.3fs", *rep.TotalProcessingTime); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(s.writer); err != nil {
		return err
	}
	if !s.Details {
		return nil
	}

	tw := tabwriter.NewWriter(s.writer, 0, 0, 2, ' ', 0)
	for _, res := range rep.Results() {
		fmt.Fprintf(tw, "    %s/%s\t%s\t%s\t%.3fs\n", res.Category, res.CheckName, formatScore(res.Score), res.Status, res.Duration)
		if res.ValidationErrors != nil && *res.ValidationErrors != "" {
			fmt.Fprintf(tw, "      error: %s\n", *res.ValidationErrors)
		}
	}
	return tw.Flush()
}

func (s *ConsoleSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.format == "json" {
		reports := s.reports
		if reports == nil {
			reports = []data.Report{}
		}
		encoder := json.NewEncoder(s.writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(reports); err != nil {
			return err
		}
		return flushIfPossible(s.writer)
	}
	if s.format != "text" && s.format != "ndjson" {
		return fmt.Errorf("unsupported console format: %s", s.format)
	}
	return nil
}

func reportStatus(rep data.Report) data.Status {
	if rep.Status != "" {
		return rep.Status
	}
	if rep.Error != "" {
		return data.StatusFailed
	}
	return data.StatusCompleted
}

func statusColor(st data.Status) *color.Color {
	switch st {
	case data.StatusCompleted:
		return color.New(color.FgGreen)
	case data.StatusTimeout:
		return color.New(color.FgYellow)
	case data.StatusSkipped:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgRed)
	}
}

func formatScore(score *float64) string {
	if score == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f", *score)
}

package output

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
)

// Summary is the run-level tally printed after all reports.
type Summary struct {
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Duration  time.Duration
	Results   string
}

func PrintSummary(w io.Writer, s Summary) {
	bold := color.New(color.Bold)
	fmt.Fprintln(w, "----------------------------------------")
	bold.Fprintln(w, "RUN SUMMARY")
	fmt.Fprintln(w, "----------------------------------------")
	fmt.Fprintf(w, "Repositories: %d\n", s.Total)
	fmt.Fprintf(w, "Completed:    %s\n", color.GreenString("%d", s.Completed))
	failed := fmt.Sprintf("%d", s.Failed)
	if s.Failed > 0 {
		failed = color.RedString("%d", s.Failed)
	}
	fmt.Fprintf(w, "Failed:       %s\n", failed)
	fmt.Fprintf(w, "Skipped:      %d\n", s.Skipped)
	fmt.Fprintf(w, "Duration:     %s\n", s.Duration.Round(time.Millisecond))
	if s.Results != "" {
		fmt.Fprintf(w, "Results:      %s\n", s.Results)
	}
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrConfiguration marks errors that abort a run before any repository is
// processed: bad flags, an unreadable repository source, an unknown repo id.
var ErrConfiguration = errors.New("configuration error")

// Errorf wraps a formatted message in ErrConfiguration.
func Errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

const (
	DefaultSource           = "repositories.jsonl"
	DefaultOutput           = "results.jsonl"
	DefaultCheckTimeout     = 60 * time.Second
	DefaultRateLimit        = 30
	DefaultRatePeriod       = 60 * time.Second
	DefaultResilientTimeout = 60 * time.Second
	DefaultRepoTimeout      = 60 * time.Second
	DefaultWorkers          = 4
	DefaultBatchSize        = 5

	// DefaultMaxRepoSizeKB is 200 MB, in the KB unit GitHub reports sizes in.
	DefaultMaxRepoSizeKB = 200 * 1024

	// MaxCheckTimeout caps any configured per-check timeout.
	MaxCheckTimeout = 120 * time.Second
)

type Config struct {
	// MAINTAINER NOTE: If you add/change/remove config fields, keep these in sync:
	// - CLI flags in internal/cli/run.go
	// - viper defaults and bindings in loader.go
	Selection Selection `mapstructure:"selection"`
	Output    Output    `mapstructure:"output"`
	Runtime   Runtime   `mapstructure:"runtime"`
	GitHub    GitHub    `mapstructure:"github"`
	Log       Log       `mapstructure:"log"`
}

type Selection struct {
	// Source is the NDJSON repository source file (see --source).
	Source string `mapstructure:"source"`

	// RepoID selects a single repository (see --repo-id). Empty selects the
	// first descriptor in the source.
	RepoID string `mapstructure:"repo_id"`

	// ProcessAll runs every repository in the source (see --process-all).
	ProcessAll bool `mapstructure:"process_all"`

	// Force re-processes repositories already present in the store (see --force).
	Force bool `mapstructure:"force"`

	// Categories restricts checks to these categories (see --categories).
	// Values may be provided as repeated flags and/or comma-separated lists.
	Categories []string `mapstructure:"categories"`

	// Checks restricts checks to these names (see --checks).
	Checks []string `mapstructure:"checks"`

	// ChecksDir is scanned once at startup for external check executables
	// laid out as <dir>/<category>/<name> (see --checks-dir).
	ChecksDir string `mapstructure:"checks_dir"`
}

type Output struct {
	// Path is the result store (see --output). A .json suffix selects JSON
	// array mode, anything else is NDJSON.
	Path string `mapstructure:"path"`

	// NoConsole suppresses the human summary table (see --no-console).
	NoConsole bool `mapstructure:"no_console"`

	// ConsoleFormat is text, json or ndjson (see --console-format).
	ConsoleFormat string `mapstructure:"console_format"`

	// ConsoleFilterStatus limits console output to reports with these
	// statuses (see --console-filter-status). Empty prints everything.
	ConsoleFilterStatus []string `mapstructure:"console_filter_status"`
}

type Runtime struct {
	// CheckTimeout bounds each check attempt (see --timeout). Values above
	// MaxCheckTimeout are capped at execution time.
	CheckTimeout time.Duration `mapstructure:"check_timeout"`

	// RateLimit is the number of remote calls allowed per RatePeriod per check
	// category (see --rate-limit).
	RateLimit  int           `mapstructure:"rate_limit"`
	RatePeriod time.Duration `mapstructure:"rate_period"`

	// Resilient runs each repository's analysis under ResilientTimeout and
	// emergency-cleans its clone when that trips (see --resilient).
	Resilient        bool          `mapstructure:"resilient"`
	ResilientTimeout time.Duration `mapstructure:"resilient_timeout"`

	// RepoTimeout is the flat per-repository bound used by the batch schedulers
	// (see --repo-timeout).
	RepoTimeout time.Duration `mapstructure:"repo_timeout"`

	// Parallel fans repositories out across Workers goroutines (see --parallel).
	Parallel bool `mapstructure:"parallel"`
	Workers  int  `mapstructure:"workers"`

	// BatchSize is how many repositories the sequential scheduler processes
	// between memory checkpoints (see --batch-size).
	BatchSize int `mapstructure:"batch_size"`

	// MaxRepoSizeKB skips repositories whose declared size exceeds it
	// (see --max-repo-size). 0 disables the check.
	MaxRepoSizeKB int64 `mapstructure:"max_repo_size_kb"`

	// WorkDir is the root under which clones are created (see --work-dir).
	// Empty uses a fresh directory under os.TempDir.
	WorkDir string `mapstructure:"work_dir"`
}

type GitHub struct {
	// Token authenticates API calls and clones (see --github-token). When empty,
	// GITHUB_TOKEN and `gh auth token` are tried in that order.
	Token string `mapstructure:"token"`
}

type Log struct {
	Verbose bool   `mapstructure:"verbose"`
	Format  string `mapstructure:"format"`
}

func New() *Config {
	return &Config{
		Selection: Selection{
			Source: DefaultSource,
		},
		Output: Output{
			Path:          DefaultOutput,
			ConsoleFormat: "text",
		},
		Runtime: Runtime{
			CheckTimeout:     DefaultCheckTimeout,
			RateLimit:        DefaultRateLimit,
			RatePeriod:       DefaultRatePeriod,
			ResilientTimeout: DefaultResilientTimeout,
			RepoTimeout:      DefaultRepoTimeout,
			Workers:          DefaultWorkers,
			BatchSize:        DefaultBatchSize,
			MaxRepoSizeKB:    DefaultMaxRepoSizeKB,
		},
		Log: Log{
			Format: "text",
		},
	}
}

// Validate normalizes list inputs and rejects values the engine cannot run
// with. Returned errors wrap ErrConfiguration.
func (c *Config) Validate() error {
	c.Selection.Categories = splitCommaList(c.Selection.Categories)
	c.Selection.Checks = splitCommaList(c.Selection.Checks)
	c.Selection.Source = strings.TrimSpace(c.Selection.Source)
	c.Selection.RepoID = strings.TrimSpace(c.Selection.RepoID)
	c.Output.Path = strings.TrimSpace(c.Output.Path)

	if c.Selection.Source == "" {
		return Errorf("--source must not be empty")
	}
	if c.Output.Path == "" {
		return Errorf("--output must not be empty")
	}
	if c.Selection.ProcessAll && c.Selection.RepoID != "" {
		return Errorf("--repo-id and --process-all are mutually exclusive")
	}
	if c.Runtime.Parallel && !c.Selection.ProcessAll {
		return Errorf("--parallel requires --process-all")
	}

	if c.Runtime.CheckTimeout <= 0 {
		return Errorf("--timeout must be > 0")
	}
	if c.Runtime.RateLimit <= 0 {
		return Errorf("--rate-limit must be >= 1")
	}
	if c.Runtime.RatePeriod <= 0 {
		c.Runtime.RatePeriod = DefaultRatePeriod
	}
	if c.Runtime.ResilientTimeout <= 0 {
		return Errorf("--resilient-timeout must be > 0")
	}
	if c.Runtime.RepoTimeout <= 0 {
		return Errorf("--repo-timeout must be > 0")
	}
	if c.Runtime.Workers <= 0 {
		return Errorf("--workers must be >= 1")
	}
	if c.Runtime.BatchSize <= 0 {
		return Errorf("--batch-size must be >= 1")
	}
	if c.Runtime.MaxRepoSizeKB < 0 {
		return Errorf("--max-repo-size must be >= 0")
	}

	c.Output.ConsoleFormat = normalizeEnumValue(c.Output.ConsoleFormat)
	if c.Output.ConsoleFormat == "" {
		c.Output.ConsoleFormat = "text"
	}
	switch c.Output.ConsoleFormat {
	case "text", "json", "ndjson":
	default:
		return Errorf("unsupported --console-format: %s (must be one of: text, json, ndjson)", c.Output.ConsoleFormat)
	}
	c.Output.ConsoleFilterStatus = splitCommaList(c.Output.ConsoleFilterStatus)
	for i, st := range c.Output.ConsoleFilterStatus {
		c.Output.ConsoleFilterStatus[i] = normalizeEnumValue(st)
	}

	c.Log.Format = normalizeEnumValue(c.Log.Format)
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return Errorf("unsupported --log-format: %s (must be one of: text, json)", c.Log.Format)
	}

	return nil
}

// EffectiveCheckTimeout is min(CheckTimeout, MaxCheckTimeout).
func (r Runtime) EffectiveCheckTimeout() time.Duration {
	return EffectiveTimeout(r.CheckTimeout)
}

func EffectiveTimeout(d time.Duration) time.Duration {
	if d <= 0 || d > MaxCheckTimeout {
		return MaxCheckTimeout
	}
	return d
}

// ArrayMode reports whether the output path selects JSON array persistence.
func (o Output) ArrayMode() bool {
	return strings.HasSuffix(strings.ToLower(o.Path), ".json")
}

func normalizeEnumValue(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func splitCommaList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			p := strings.TrimSpace(part)
			if p == "" {
				continue
			}
			out = append(out, p)
		}
	}
	return out
}

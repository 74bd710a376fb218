package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"repolizer/internal/config"
	"repolizer/internal/flags"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "repolizer",
	Short: "Run analysis checks against a set of repositories and store scored reports",
	Long: `Repolizer clones repositories, runs local and remote checks against them and
appends one scored report per repository to a result store.

Examples:
	# Analyse the first repository in repositories.jsonl
	repolizer run

	# Analyse every repository with four parallel workers
	repolizer run --process-all --parallel --workers 4

	# List the registered checks
	repolizer checks list

	# Print build info
	repolizer version

Configuration:
	Settings are read from .repolizer.yaml (current directory, then $HOME),
	then REPOLIZER_* environment variables, then flags. Later sources win.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String(flags.FlagConfig, "", "Config file path (default: .repolizer.yaml in the current directory or $HOME)")
	rootCmd.PersistentFlags().Bool(flags.FlagVerbose, false, "Enable debug logging (includes every GitHub API call)")
	rootCmd.PersistentFlags().String(flags.FlagLogFormat, "text", "Log format: text|json (default: text)")
}

func SetBuildInfo(version, commit, date string) {
	if version != "" {
		buildVersion = version
	}
	if commit != "" {
		buildCommit = commit
	}
	if date != "" {
		buildDate = date
	}

	rootCmd.Version = fmt.Sprintf("%s (%s) %s", buildVersion, buildCommit, buildDate)
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

func BuildInfo() (version, commit, date string) {
	return buildVersion, buildCommit, buildDate
}

// Execute runs the root command. Any returned error exits 1; failures of
// individual repositories are recorded in the store and never reach here.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig layers the config file, environment and the command's flags.
// cobra merges the persistent flags into cmd.Flags() before RunE.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString(flags.FlagConfig)
	return config.Load(path, cmd.Flags())
}

// newLogger builds the process logger and installs it as the slog default.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Log.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

package flags

// Package flags defines canonical CLI flag names shared across the CLI and the
// config loader. The loader binds these names to viper keys, so a flag and its
// config file / environment counterpart never drift.
// IMPORTANT: These are flag *names* without leading dashes.
// Example usage:
//
//	cmd.Flags().StringVar(&cfg.Source, flags.FlagSource, "", "...")
//	arg := "--" + flags.FlagSource
const (
	// Selection
	FlagSource     = "source"
	FlagRepoID     = "repo-id"
	FlagProcessAll = "process-all"
	FlagForce      = "force"
	FlagCategories = "categories"
	FlagChecks     = "checks"
	FlagChecksDir  = "checks-dir"

	// Output
	FlagOutput              = "output"
	FlagNoConsole           = "no-console"
	FlagConsoleFormat       = "console-format"
	FlagConsoleFilterStatus = "console-filter-status"

	// Execution
	FlagTimeout          = "timeout"
	FlagRateLimit        = "rate-limit"
	FlagResilient        = "resilient"
	FlagResilientTimeout = "resilient-timeout"
	FlagRepoTimeout      = "repo-timeout"
	FlagParallel         = "parallel"
	FlagWorkers          = "workers"
	FlagBatchSize        = "batch-size"
	FlagMaxRepoSize      = "max-repo-size"
	FlagWorkDir          = "work-dir"

	// GitHub
	FlagGitHubToken = "github-token"

	// Global
	FlagConfig    = "config"
	FlagVerbose   = "verbose"
	FlagLogFormat = "log-format"

	// Serve
	FlagListen       = "listen"
	FlagExitWhenDone = "exit-when-done"
)

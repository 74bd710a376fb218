package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"repolizer/internal/flags"
)

// configName is the config file name without extension.
const configName = ".repolizer"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for repolizer settings.
const envPrefix = "REPOLIZER"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// flagKeys maps CLI flag names to config keys. Flags that were set explicitly
// take precedence over the environment, which takes precedence over the file.
var flagKeys = map[string]string{
	flags.FlagSource:              "selection.source",
	flags.FlagRepoID:              "selection.repo_id",
	flags.FlagProcessAll:          "selection.process_all",
	flags.FlagForce:               "selection.force",
	flags.FlagCategories:          "selection.categories",
	flags.FlagChecks:              "selection.checks",
	flags.FlagChecksDir:           "selection.checks_dir",
	flags.FlagOutput:              "output.path",
	flags.FlagNoConsole:           "output.no_console",
	flags.FlagConsoleFormat:       "output.console_format",
	flags.FlagConsoleFilterStatus: "output.console_filter_status",
	flags.FlagTimeout:             "runtime.check_timeout",
	flags.FlagRateLimit:           "runtime.rate_limit",
	flags.FlagResilient:           "runtime.resilient",
	flags.FlagResilientTimeout:    "runtime.resilient_timeout",
	flags.FlagRepoTimeout:         "runtime.repo_timeout",
	flags.FlagParallel:            "runtime.parallel",
	flags.FlagWorkers:             "runtime.workers",
	flags.FlagBatchSize:           "runtime.batch_size",
	flags.FlagMaxRepoSize:         "runtime.max_repo_size_kb",
	flags.FlagWorkDir:             "runtime.work_dir",
	flags.FlagGitHubToken:         "github.token",
	flags.FlagVerbose:             "log.verbose",
	flags.FlagLogFormat:           "log.format",
}

// Load builds a Config from defaults, the config file, REPOLIZER_* environment
// variables and fs, in increasing order of precedence.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, Errorf("read config: %v", readErr)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := viperCfg.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	cfg := New()

	unmarshalErr := viperCfg.Unmarshal(cfg)
	if unmarshalErr != nil {
		return nil, Errorf("unmarshal config: %v", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	d := New()

	viperCfg.SetDefault("selection.source", d.Selection.Source)
	viperCfg.SetDefault("selection.repo_id", "")
	viperCfg.SetDefault("selection.process_all", false)
	viperCfg.SetDefault("selection.force", false)
	viperCfg.SetDefault("selection.categories", []string{})
	viperCfg.SetDefault("selection.checks", []string{})
	viperCfg.SetDefault("selection.checks_dir", "")

	viperCfg.SetDefault("output.path", d.Output.Path)
	viperCfg.SetDefault("output.no_console", false)
	viperCfg.SetDefault("output.console_format", d.Output.ConsoleFormat)
	viperCfg.SetDefault("output.console_filter_status", []string{})

	viperCfg.SetDefault("runtime.check_timeout", d.Runtime.CheckTimeout)
	viperCfg.SetDefault("runtime.rate_limit", d.Runtime.RateLimit)
	viperCfg.SetDefault("runtime.rate_period", d.Runtime.RatePeriod)
	viperCfg.SetDefault("runtime.resilient", false)
	viperCfg.SetDefault("runtime.resilient_timeout", d.Runtime.ResilientTimeout)
	viperCfg.SetDefault("runtime.repo_timeout", d.Runtime.RepoTimeout)
	viperCfg.SetDefault("runtime.parallel", false)
	viperCfg.SetDefault("runtime.workers", d.Runtime.Workers)
	viperCfg.SetDefault("runtime.batch_size", d.Runtime.BatchSize)
	viperCfg.SetDefault("runtime.max_repo_size_kb", d.Runtime.MaxRepoSizeKB)
	viperCfg.SetDefault("runtime.work_dir", "")

	viperCfg.SetDefault("github.token", "")

	viperCfg.SetDefault("log.verbose", false)
	viperCfg.SetDefault("log.format", d.Log.Format)
}

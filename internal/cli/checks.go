package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"repolizer/internal/checks"
	"repolizer/internal/flags"
)

var checksListQuiet bool

var checksCmd = &cobra.Command{
	Use:   "checks",
	Short: "List and describe registered checks",
	Long: `List and describe the checks a run would use.

Builtin checks are always registered. External checks are added from
--checks-dir (see "repolizer run --help").

Examples:
  # List all checks
  repolizer checks list

  # Describe one check
  repolizer checks show documentation/readme
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var checksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered checks",
	Long: `List every registered check, grouped by category in sorted order.

Output:
  One line per check:
    CATEGORY/NAME  LOCALITY  LABEL
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := commandRegistry(cmd)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, cat := range reg.Categories() {
			for _, def := range reg.ChecksIn(cat) {
				if checksListQuiet {
					fmt.Fprintln(w, def.Key())
					continue
				}
				fmt.Fprintf(w, "%-40s %-7s %s\n", def.Key(), def.Locality, def.DisplayLabel())
			}
		}
		return nil
	},
}

var checksShowCmd = &cobra.Command{
	Use:   "show [category/name]",
	Short: "Show details of a specific check",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := commandRegistry(cmd)
		if err != nil {
			return err
		}
		def, ok := lookupCheck(reg, args[0])
		if !ok {
			return fmt.Errorf("check not found: %s", args[0])
		}
		printCheck(cmd.OutOrStdout(), def)
		return nil
	},
}

// commandRegistry builds the registry for the checks subcommands. No API call
// is made: the fetcher is only wired, never used.
func commandRegistry(cmd *cobra.Command) (*checks.Registry, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	f, err := newFetcher(cmd.Context(), cfg, cfg.GitHub.Token, logger)
	if err != nil {
		return nil, err
	}
	return newRegistry(cfg, f, cfg.GitHub.Token, logger)
}

// lookupCheck accepts "category/name" or a bare name when it is unique.
func lookupCheck(reg *checks.Registry, ref string) (checks.Definition, bool) {
	if cat, name, ok := strings.Cut(ref, "/"); ok {
		return reg.Lookup(cat, name)
	}
	var found []checks.Definition
	for _, def := range reg.All() {
		if def.Name == ref {
			found = append(found, def)
		}
	}
	if len(found) == 1 {
		return found[0], true
	}
	return checks.Definition{}, false
}

func printCheck(w io.Writer, def checks.Definition) {
	bold := color.New(color.Bold)
	fmt.Fprintln(w, "----------------------------------------")
	bold.Fprintf(w, "CHECK: %s\n", def.Key())
	fmt.Fprintln(w, "----------------------------------------")
	fmt.Fprintln(w, def.DisplayLabel())
	if def.Description != "" {
		fmt.Fprintln(w, def.Description)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Locality: %s\n", def.Locality)
	if def.Resource != "" {
		fmt.Fprintf(w, "  Resource: %s\n", def.Resource)
	}
	fmt.Fprintf(w, "  Source:   %s\n", def.Source)
	fmt.Fprintln(w)
}

func init() {
	rootCmd.AddCommand(checksCmd)
	checksCmd.PersistentFlags().String(flags.FlagChecksDir, "", "Directory of external check executables laid out as <category>/<name>")
	checksCmd.AddCommand(checksListCmd)
	checksListCmd.Flags().BoolVarP(&checksListQuiet, "quiet", "q", false, "Only print check keys")
	checksCmd.AddCommand(checksShowCmd)
}

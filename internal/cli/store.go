package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"repolizer/internal/config"
	"repolizer/internal/flags"
	"repolizer/internal/store"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect and repair the result store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var storeRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Drop unparseable lines from an NDJSON store",
	Long: `Rewrite an NDJSON result store keeping only lines that parse.

Lines with trailing commas are fixed in place. Other bad lines are moved to
<output>.corrupted, each preceded by its line number and parse error. The
original file is first copied to <output>.bak.<timestamp>. A store without bad
lines is left untouched.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg, cmd.ErrOrStderr())

		res, err := store.Repair(cfg.Output.Path, time.Now())
		if err != nil {
			return config.Errorf("%v", err)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Valid lines:     %d\n", res.Valid)
		fmt.Fprintf(w, "Fixed lines:     %d\n", res.Fixed)
		fmt.Fprintf(w, "Corrupted lines: %d\n", res.Corrupted)
		if res.Backup == "" {
			fmt.Fprintln(w, "Store is valid; nothing to do.")
			return nil
		}
		fmt.Fprintf(w, "Backup:          %s\n", res.Backup)
		if res.CorruptedPath != "" {
			fmt.Fprintf(w, "Corrupted:       %s\n", res.CorruptedPath)
		}
		logger.Info("store repaired", "path", cfg.Output.Path, "fixed", res.Fixed, "corrupted", res.Corrupted)
		return nil
	},
}

var storeStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the result store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg, cmd.ErrOrStderr())

		st, err := store.Open(cfg.Output.Path, store.WithLogger(logger))
		if err != nil {
			return config.Errorf("%v", err)
		}
		stats, err := st.Stats()
		if err != nil {
			return config.Errorf("%v", err)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Store:        %s (%s)\n", st.Path(), st.Format())
		fmt.Fprintf(w, "Records:      %s\n", humanize.Comma(int64(stats.Records)))
		fmt.Fprintf(w, "Repositories: %s\n", humanize.Comma(int64(stats.Repositories)))
		fmt.Fprintf(w, "Completed:    %s\n", humanize.Comma(int64(stats.Completed)))
		fmt.Fprintf(w, "Failed:       %s\n", humanize.Comma(int64(stats.Failed)))
		fmt.Fprintf(w, "Checks:       %s\n", humanize.Comma(int64(stats.Checks)))
		fmt.Fprintf(w, "Mean score:   %.3f\n", stats.MeanScore)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(storeCmd)
	storeCmd.PersistentFlags().String(flags.FlagOutput, config.DefaultOutput, "Result store path")
	storeCmd.AddCommand(storeRepairCmd)
	storeCmd.AddCommand(storeStatsCmd)
}

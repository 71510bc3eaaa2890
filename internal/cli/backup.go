package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/edvin/snapbackup/internal/model"
)

var backupCmd = &cobra.Command{
	Use:   "backup <job>...",
	Short: "Run backup jobs",
	Long: `Run one or more backup jobs by name. Each job holds the snapshots
backing its paths, runs restic against the snapshot paths and releases the
holds again, whatever the outcome.

Examples:
  snapbackup backup db
  snapbackup backup db media`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBackup,
}

var runAllCmd = &cobra.Command{
	Use:   "run-all",
	Short: "Run every backup job in dependency order",
	Long: `Run every configured backup job. Jobs run level by level along their
"after" dependencies; jobs in one level run in parallel. A job whose
dependency failed is skipped and counts as failed.`,
	Args: cobra.NoArgs,
	RunE: runRunAll,
}

var sweepOlderThan time.Duration

var sweepHoldsCmd = &cobra.Command{
	Use:   "sweep-holds",
	Short: "Release stale snapshot holds left by crashed runs",
	Args:  cobra.NoArgs,
	RunE:  runSweepHolds,
}

func init() {
	sweepHoldsCmd.Flags().DurationVar(&sweepOlderThan, "older-than", 0, "age threshold (default holds.stale_after)")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(runAllCmd)
	rootCmd.AddCommand(sweepHoldsCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	failed := 0
	for _, name := range args {
		res, err := a.RunBackup(cmd.Context(), name)
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s: %s: %v\n", name, model.StatusFailure, err)
			continue
		}
		fmt.Fprintf(out, "%s: %s in %s, %s files, %s added (snapshot %s)\n",
			name, res.Status, res.Duration.Round(time.Second),
			humanize.Comma(int64(res.Summary.TotalFilesProcessed)),
			humanize.IBytes(uint64(max(res.Summary.DataAdded, 0))),
			res.Summary.SnapshotID)
	}
	return failedCount(failed, "backup job(s)")
}

func runRunAll(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	results, err := a.RunAll(cmd.Context())
	if len(results) == 0 && err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, r := range results {
		switch {
		case r.Skipped:
			fmt.Fprintf(out, "%s: skipped: %v\n", r.Name, r.Err)
		case r.Err != nil:
			fmt.Fprintf(out, "%s: %s: %v\n", r.Name, model.StatusFailure, r.Err)
		default:
			fmt.Fprintf(out, "%s: %s\n", r.Name, model.StatusSuccess)
		}
	}
	return err
}

func runSweepHolds(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	n, err := a.SweepHolds(cmd.Context(), sweepOlderThan)
	fmt.Fprintf(cmd.OutOrStdout(), "released %d stale hold(s)\n", n)
	return err
}

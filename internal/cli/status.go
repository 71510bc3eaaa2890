package cli

import (
	"github.com/spf13/cobra"

	"github.com/edvin/snapbackup/internal/status"
)

var (
	jsonOutput     bool
	latestSnapshot int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last result of every job",
	Long: `Show the last backup, verification and restore-test result per job
from the event log. A job whose last success is older than 26 hours is
reported as STALE.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots [job]...",
	Short: "List repository snapshots of backup jobs",
	Long: `Query restic for the snapshots tagged with each job's name.
Without arguments every job is listed.

Examples:
  snapbackup snapshots
  snapbackup snapshots db --latest 3 --json`,
	RunE: runSnapshots,
}

func init() {
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "output JSON")
	snapshotsCmd.Flags().BoolVar(&jsonOutput, "json", false, "output JSON")
	snapshotsCmd.Flags().IntVar(&latestSnapshot, "latest", 0, "only the latest N snapshots per host and path set")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(snapshotsCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	rows, err := a.Status()
	if err != nil {
		return err
	}
	if jsonOutput {
		return status.WriteJSON(cmd.OutOrStdout(), rows)
	}
	return status.WriteTable(cmd.OutOrStdout(), rows, a.Now())
}

func runSnapshots(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	listings, err := a.Snapshots(cmd.Context(), args, latestSnapshot)
	if err != nil {
		return err
	}
	if jsonOutput {
		return status.WriteJSON(cmd.OutOrStdout(), listings)
	}
	return status.WriteSnapshots(cmd.OutOrStdout(), listings, a.Now())
}

package cli

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/edvin/snapbackup/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [repository]...",
	Short: "Check repository integrity",
	Long: `Run restic check against repositories with a verification section.
Without arguments every configured repository is verified.`,
	RunE: runVerify,
}

var restoreTestCmd = &cobra.Command{
	Use:   "restore-test [repository]...",
	Short: "Restore sample files from the latest snapshot",
	Long: `Restore a random sample of files from the latest snapshot of each
repository into a scratch directory and check that they arrived intact.
Without arguments every configured repository is tested.`,
	RunE: runRestoreTest,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(restoreTestCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		args = slices.Sorted(maps.Keys(registry.Verifications))
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, repo := range args {
		res, err := a.Verify(cmd.Context(), repo)
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s: verification failed: %v\n", repo, err)
			continue
		}
		line := fmt.Sprintf("%s: verification %s in %s", repo, res.Status, res.Duration.Round(time.Second))
		if res.Snapshots >= 0 {
			line += fmt.Sprintf(", %d snapshots", res.Snapshots)
		}
		if res.SizeBytes >= 0 {
			line += ", " + humanize.IBytes(uint64(res.SizeBytes))
		}
		fmt.Fprintln(out, line)
	}
	return failedCount(failed, "verification(s)")
}

func runRestoreTest(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		args = slices.Sorted(maps.Keys(registry.RestoreTests))
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, repo := range args {
		res, err := a.RestoreTest(cmd.Context(), repo)
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s: restore test failed: %v\n", repo, err)
			continue
		}
		fmt.Fprintln(out, restoreLine(repo, res))
	}
	return failedCount(failed, "restore test(s)")
}

func restoreLine(repo string, res verify.Result) string {
	line := fmt.Sprintf("%s: restore test %s, %d/%d files restored from snapshot %s",
		repo, res.Status, res.Restored, res.Sampled, res.SnapshotID)
	if res.ScratchDir == "" {
		return line
	}
	if _, err := os.Stat(res.ScratchDir); err == nil {
		line += " (kept in " + res.ScratchDir + ")"
	}
	return line
}

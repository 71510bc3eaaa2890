package cli

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Classify new failures from the event log",
	Long: `Scan the event log for failures newer than the watermark, classify
them with the rule table and regenerate the error metrics. Only one
analyzer runs at a time; a concurrent invocation fails immediately.`,
	Args: cobra.NoArgs,
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	rep, err := a.Analyze(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "scanned %d events in %d files, %d malformed, %d new failures\n",
		rep.Scanned, rep.Files, rep.Malformed, len(rep.New))
	for _, c := range rep.New {
		fmt.Fprintf(out, "  %s %-12s %-8s %s\n", c.Timestamp.Format(time.RFC3339), c.Category, c.Severity, c.Subject)
	}
	for _, cat := range slices.Sorted(maps.Keys(rep.ByCategory)) {
		fmt.Fprintf(out, "%s: %d\n", cat, rep.ByCategory[cat])
	}
	fmt.Fprintf(out, "watermark %s\n", rep.Watermark.Format(time.RFC3339))
	return nil
}

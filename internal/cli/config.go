package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the registry file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// The registry was loaded and validated before RunE.
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s)\n", cfg.ConfigFile, registry.Summary())
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the order run-all executes jobs in",
	Args:  cobra.NoArgs,
	RunE:  runPlan,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	levels, err := registry.Graph().Levels()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for i, level := range levels {
		fmt.Fprintf(out, "level %d: %s\n", i+1, strings.Join(level, ", "))
	}
	return nil
}

// Package cli provides the snapbackup command-line interface. Each job type
// is a subcommand; exit code 0 means success.
package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/edvin/snapbackup/internal/app"
	"github.com/edvin/snapbackup/internal/config"
	"github.com/edvin/snapbackup/internal/logging"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Global flags
	configFile string

	// Loaded in PersistentPreRunE
	cfg      *config.Config
	registry *config.Registry
	logger   zerolog.Logger

	// appDeps overrides external collaborators in tests.
	appDeps app.Deps
)

var rootCmd = &cobra.Command{
	Use:   "snapbackup",
	Short: "Snapshot-consistent restic backups of ZFS datasets",
	Long: `snapbackup backs up ZFS datasets with restic from held snapshots,
verifies the repositories, test-restores sample files and classifies
failures for alerting.

Every subcommand is one unit of work meant to be triggered by a timer.
The exit code is 0 on success and 1 on failure.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if configFile != "" {
			cfg.ConfigFile = configFile
		}
		logger = logging.NewLogger(cfg)

		registry, err = config.LoadRegistry(cfg.ConfigFile)
		if err != nil {
			return err
		}
		return nil
	},
}

// Execute runs the root command. Cancelling ctx stops running jobs, which
// still release their holds before returning.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "registry file (default $SNAPBACKUP_CONFIG or /etc/snapbackup/config.yaml)")
}

// newApp wires the application from the loaded config and registry.
func newApp() (*app.App, error) {
	a, err := app.New(logger, cfg, registry, appDeps)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return a, nil
}

// failedCount returns an error when n units of work failed.
func failedCount(n int, what string) error {
	if n == 0 {
		return nil
	}
	return fmt.Errorf("%d %s failed", n, what)
}

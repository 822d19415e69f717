// Package commands implements the ingestd CLI's subcommands.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/transitops/ingestd/logger"
)

// RootCmd is the ingestd entry point.
var RootCmd = &cobra.Command{
	Use:   "ingestd",
	Short: "Transit-data ingestion engine",
	Long: `ingestd pulls agency, route, stop, direction, vehicle-location, and
arrival-prediction data from an upstream transit feed, normalizes and
de-duplicates it, and persists it into a relational store.

Available commands:
  run      - Start the scheduler and serve until interrupted
  migrate  - Apply pending database migrations
  ingest   - Run a single ingestion task once
  version  - Show build information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			return err
		}
		level := logger.VerbosityToLevel(verbosity)
		if err := logger.InitializeWithLevel(jsonLogsFlag, level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

var (
	jsonLogsFlag bool
	configFlag   string
)

func init() {
	RootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	RootCmd.PersistentFlags().BoolVar(&jsonLogsFlag, "json-logs", false, "Emit structured JSON logs instead of console output")
	RootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to a config file (optional; env vars and defaults always apply)")

	RootCmd.AddCommand(MigrateCmd)
	RootCmd.AddCommand(RunCmd)
	RootCmd.AddCommand(IngestCmd)
	RootCmd.AddCommand(VersionCmd)
}

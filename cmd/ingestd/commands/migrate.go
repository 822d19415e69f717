package commands

import (
	"github.com/spf13/cobra"

	"github.com/transitops/ingestd/config"
	"github.com/transitops/ingestd/db"
	"github.com/transitops/ingestd/errors"
	"github.com/transitops/ingestd/logger"
)

// MigrateCmd applies pending database migrations and exits.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFlag)
		if err != nil {
			return errors.Wrap(err, "load configuration")
		}

		database, err := db.OpenWithMigrations(cfg.SQLitePath, logger.Logger)
		if err != nil {
			return errors.Wrap(err, "apply migrations")
		}
		defer database.Close()

		logger.Logger.Infow("migrations applied", "path", cfg.SQLitePath)
		return nil
	},
}

package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"handoff/internal/config"
	"handoff/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the ticket and conversation tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := config.InitLogger(cfg); err != nil {
			logrus.Warnf("init logger: %v", err)
		}
		db, err := store.OpenDatabase(cfg.Database, false, logrus.StandardLogger())
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		logrus.Info("Starting database migration...")
		if err := store.Migrate(db); err != nil {
			return err
		}
		logrus.Info("Database migration completed successfully!")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	store "github.com/baptistecolle/cmdclaw-sub005/internal/repository"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := store.NewSQLiteStore(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			defer db.Close()

			if _, err := newKV(cfg, db); err != nil {
				return err
			}
			log.Info("database migrated", zap.String("database", cfg.DatabaseURL))
			return nil
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahrav/coursework-ingestor/internal/config"
	"github.com/ahrav/coursework-ingestor/internal/infra/storage"
)

func newMigrateCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, log, err := loadConfig(ctx, config.NewViperLoader(*configFile).SkipValidation())
			if err != nil {
				return err
			}
			if err := config.Validate(&cfg.Postgres); err != nil {
				return err
			}

			pool, err := newPool(ctx, cfg.Postgres)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := storage.RunMigrations(pool, cfg.Postgres.MigrationsPath); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info(ctx, "migrations applied", "path", cfg.Postgres.MigrationsPath)
			return nil
		},
	}
}

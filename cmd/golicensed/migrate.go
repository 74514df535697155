package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/golicense/storage/postgres"
)

func RunMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the storage schema",
		Long: `Apply the PostgreSQL schema. The statements are idempotent and safe to run
on every deploy. Other storage backends need no schema and are left untouched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			app, err := NewApplication(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			return migrateStorage(cmd.Context(), app)
		},
	}
}

func migrateStorage(ctx context.Context, app *Application) error {
	store, ok := app.storage.(*postgres.Storage)
	if !ok {
		log.Info().Str("storage", app.cfg.Storage).Msg("storage needs no migration")
		return nil
	}
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	log.Info().Msg("postgres schema applied")
	return nil
}

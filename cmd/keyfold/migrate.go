// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package main

import (
	"log/slog"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/store"
)

// migrateConfig holds configuration for the migrate command.
type migrateConfig struct {
	status bool
	steps  int
	force  int
}

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cfg := &migrateConfig{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Apply pending schema migrations against the PostgreSQL database.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appCfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runMigrateWithDeps(cmd, appCfg, cfg, nil)
		},
	}

	cmd.Flags().BoolVar(&cfg.status, "status", false, "show applied and pending migrations without applying")
	cmd.Flags().IntVar(&cfg.steps, "steps", 0, "apply exactly n migrations (negative rolls back)")
	cmd.Flags().IntVar(&cfg.force, "force", -1, "set the schema version without running migrations (recovery only)")
	cmd.Flags().String("database-url", "", "PostgreSQL connection URL")

	return cmd
}

// runMigrateWithDeps executes the migrate command with injectable
// dependencies. If deps is nil, default implementations are used.
func runMigrateWithDeps(cmd *cobra.Command, appCfg *config.Config, cfg *migrateConfig, deps *MigrateDeps) error {
	if deps == nil {
		deps = &MigrateDeps{}
	}
	if deps.MigratorFactory == nil {
		deps.MigratorFactory = func(databaseURL string) (SchemaMigrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}

	if appCfg.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database URL is required (set --database-url or DATABASE_URL)")
	}

	migrator, err := deps.MigratorFactory(appCfg.Database.URL)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			slog.Warn("error closing migrator", "error", closeErr)
		}
	}()

	switch {
	case cfg.status:
		return printMigrationStatus(cmd, migrator)
	case cfg.force >= 0:
		if err := migrator.Force(cfg.force); err != nil {
			return err
		}
		cmd.Printf("Schema version forced to %d\n", cfg.force)
		return nil
	case cfg.steps != 0:
		if err := migrator.Steps(cfg.steps); err != nil {
			return err
		}
		cmd.Printf("Applied %d migration step(s)\n", cfg.steps)
		return nil
	default:
		cmd.Println("Running migrations...")
		if err := migrator.Up(); err != nil {
			return err
		}
		cmd.Println("Migrations completed successfully")
		return nil
	}
}

// printMigrationStatus reports the current schema version and the applied
// and pending migration lists.
func printMigrationStatus(cmd *cobra.Command, migrator SchemaMigrator) error {
	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}

	if version == 0 {
		cmd.Println("Current version: none")
	} else {
		name, nameErr := store.MigrationName(version)
		if nameErr != nil {
			return nameErr
		}
		if name != "" {
			cmd.Printf("Current version: %d (%s)\n", version, name)
		} else {
			cmd.Printf("Current version: %d\n", version)
		}
	}
	if dirty {
		cmd.Println("State: dirty - a migration failed partway; repair the schema manually, then use --force")
	}

	applied, err := migrator.AppliedMigrations()
	if err != nil {
		return err
	}
	cmd.Printf("Applied migrations: %d\n", len(applied))

	pending, err := migrator.PendingMigrations()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		cmd.Println("Pending migrations: none")
		return nil
	}
	cmd.Printf("Pending migrations: %d\n", len(pending))
	for _, v := range pending {
		name, nameErr := store.MigrationName(v)
		if nameErr != nil {
			return nameErr
		}
		cmd.Printf("  %06d %s\n", v, name)
	}
	return nil
}

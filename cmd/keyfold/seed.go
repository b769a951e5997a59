// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package main

import (
	"context"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/auth/postgres"
	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/seed"
	"github.com/keyfold/keyfold/internal/store"
)

// Default timeout for seed command database operations.
const defaultSeedTimeout = 30 * time.Second

// seedConfig holds configuration for the seed command.
type seedConfig struct {
	timeout time.Duration
}

// NewSeedCmd creates the seed subcommand.
func NewSeedCmd() *cobra.Command {
	cfg := &seedConfig{}

	cmd := &cobra.Command{
		Use:   "seed <file>",
		Short: "Provision accounts from a seed file",
		Long: `Creates the accounts listed in a YAML seed file after validating it
against the seed schema. This command is idempotent - accounts that
already exist are left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appCfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runSeedWithDeps(cmd, appCfg, cfg, args[0], nil)
		},
	}

	cmd.Flags().DurationVar(&cfg.timeout, "timeout", defaultSeedTimeout, "timeout for database operations (e.g., 30s, 1m)")
	cmd.Flags().String("database-url", "", "PostgreSQL connection URL")

	return cmd
}

// runSeedWithDeps executes the seed command with injectable dependencies.
// If deps is nil, default implementations are used.
func runSeedWithDeps(cmd *cobra.Command, appCfg *config.Config, cfg *seedConfig, path string, deps *SeedDeps) error {
	if deps == nil {
		deps = &SeedDeps{}
	}
	if deps.RepositoryFactory == nil {
		deps.RepositoryFactory = seedRepository
	}
	if deps.MigratorFactory == nil {
		deps.MigratorFactory = func(databaseURL string) (AutoMigrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}

	// Validate the file before touching the database.
	f, err := seed.Load(path)
	if err != nil {
		return err
	}

	if appCfg.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database URL is required (set --database-url or DATABASE_URL)")
	}

	// Use cmd.Context() to respect SIGINT/SIGTERM signals
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.timeout)
	defer cancel()

	if appCfg.Database.AutoMigrate {
		cmd.Println("Running migrations...")
		if err := runAutoMigrate(deps.MigratorFactory, appCfg.Database.URL); err != nil {
			return err
		}
	}

	users, cleanup, err := deps.RepositoryFactory(ctx, appCfg)
	if err != nil {
		return err
	}
	defer cleanup()

	hasher := auth.NewBcryptHasher(appCfg.Security.BcryptCost)

	created, err := f.Apply(ctx, users, hasher)
	if err != nil {
		return err
	}

	cmd.Printf("Created %d account(s), %d already existed\n", created, len(f.Users)-created)
	return nil
}

// seedRepository opens the Postgres repository for the seed command.
func seedRepository(ctx context.Context, cfg *config.Config) (auth.UserRepository, func(), error) {
	pool, err := store.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewUserRepository(pool), pool.Close, nil
}

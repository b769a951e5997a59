package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/httpapi"
	"github.com/keyfold/keyfold/internal/observability"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// RepositoryFactory opens the user repository and returns it with a
	// cleanup function. Default: Postgres when a database URL is
	// configured, in-memory otherwise.
	RepositoryFactory func(ctx context.Context, cfg *config.Config) (auth.UserRepository, func(), error)

	// MigratorFactory creates the schema migrator used for startup
	// auto-migration. Default: store.NewMigrator.
	MigratorFactory func(databaseURL string) (AutoMigrator, error)

	// ObservabilityServerFactory creates the metrics/health server along
	// with the registerer subsystems attach their collectors to.
	// Default: observability.NewServer.
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) (HTTPServer, prometheus.Registerer)

	// APIServerFactory creates the public API server.
	// Default: httpapi.NewServer.
	APIServerFactory func(addr string, svc *auth.Service, notifier auth.ResetNotifier, limiter *httpapi.RateLimiter) HTTPServer

	// Notifier delivers freshly minted password reset secrets.
	// Default: auth.LogResetNotifier.
	Notifier auth.ResetNotifier
}

// MigrateDeps contains injectable dependencies for the migrate command.
// All fields with nil values will use their default implementations.
type MigrateDeps struct {
	// MigratorFactory creates the schema migrator.
	// Default: store.NewMigrator.
	MigratorFactory func(databaseURL string) (SchemaMigrator, error)
}

// SeedDeps contains injectable dependencies for the seed command.
// All fields with nil values will use their default implementations.
type SeedDeps struct {
	// RepositoryFactory opens the user repository the seed accounts are
	// created through. Default: Postgres from the configured database URL.
	RepositoryFactory func(ctx context.Context, cfg *config.Config) (auth.UserRepository, func(), error)

	// MigratorFactory creates the schema migrator run before seeding.
	// Default: store.NewMigrator.
	MigratorFactory func(databaseURL string) (AutoMigrator, error)
}

// AutoMigrator wraps the store.Migrator methods used for startup migration.
type AutoMigrator interface {
	Up() error
	Close() error
}

// SchemaMigrator wraps the store.Migrator methods used by the migrate command.
type SchemaMigrator interface {
	Up() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
	PendingMigrations() ([]uint, error)
	AppliedMigrations() ([]uint, error)
	Close() error
}

// HTTPServer wraps the lifecycle methods shared by the API and
// observability servers.
type HTTPServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

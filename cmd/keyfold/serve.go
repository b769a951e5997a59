// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/auth/postgres"
	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/httpapi"
	"github.com/keyfold/keyfold/internal/logging"
	"github.com/keyfold/keyfold/internal/observability"
	"github.com/keyfold/keyfold/internal/seed"
	"github.com/keyfold/keyfold/internal/store"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication API server",
		Long: `Start the authentication API server, the metrics/health endpoint and
the token revocation sweeper. With no database URL configured the server
runs on in-memory storage and loses all accounts on restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}

	config.RegisterFlags(cmd.Flags())

	return cmd
}

// runServeWithDeps starts the server with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}

	// Set up default factories
	if deps.RepositoryFactory == nil {
		deps.RepositoryFactory = openRepository
	}
	if deps.MigratorFactory == nil {
		deps.MigratorFactory = func(databaseURL string) (AutoMigrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) (HTTPServer, prometheus.Registerer) {
			srv := observability.NewServer(addr, readinessChecker)
			return srv, srv.Registry()
		}
	}
	if deps.APIServerFactory == nil {
		deps.APIServerFactory = func(addr string, svc *auth.Service, notifier auth.ResetNotifier, limiter *httpapi.RateLimiter) HTTPServer {
			return httpapi.NewServer(addr, svc, notifier, limiter)
		}
	}
	if deps.Notifier == nil {
		deps.Notifier = auth.LogResetNotifier{}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.SetDefault("keyfold", version, cfg.LogFormat, cfg.LogLevel())

	slog.Info("starting server",
		"environment", cfg.Environment,
		"addr", cfg.Server.Addr,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Database.URL != "" && cfg.Database.AutoMigrate {
		if err := runAutoMigrate(deps.MigratorFactory, cfg.Database.URL); err != nil {
			return err
		}
		slog.Info("migrations applied")
	}

	users, cleanup, err := deps.RepositoryFactory(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// The observability server owns the metrics registry; subsystems attach
	// their collectors before it starts. An empty metrics address disables
	// the whole surface.
	ready := &atomic.Bool{}
	var obsServer HTTPServer
	var registerer prometheus.Registerer
	if cfg.Server.MetricsAddr != "" {
		obsServer, registerer = deps.ObservabilityServerFactory(cfg.Server.MetricsAddr, ready.Load)
		auth.RegisterMetrics(registerer)
		httpapi.RegisterMetrics(registerer)
	}

	var revocations *auth.RevocationRegistry
	if registerer != nil {
		revocations = auth.NewRevocationRegistryWithMetrics(cfg.Security.RevocationSweep, registerer)
	} else {
		revocations = auth.NewRevocationRegistry(cfg.Security.RevocationSweep)
	}
	defer revocations.Close()

	codec, err := auth.NewTokenCodec(auth.TokenCodecConfig{
		Secret:     cfg.Security.SigningSecret,
		Algorithm:  cfg.Security.Algorithm,
		AccessTTL:  cfg.AccessTokenTTL(),
		RefreshTTL: cfg.RefreshTokenTTL(),
	}, revocations)
	if err != nil {
		return err
	}

	hasher := auth.NewBcryptHasher(cfg.Security.BcryptCost)
	svc := auth.NewService(users, hasher, codec, revocations)

	if cfg.Environment == "development" {
		if err := seed.ApplyDevUser(ctx, users, hasher); err != nil {
			return err
		}
		slog.Info("development user ready", "email", seed.DevUserEmail)
	}

	var limiter *httpapi.RateLimiter
	if cfg.RateLimit.BurstCapacity > 0 {
		limiterCfg := httpapi.RateLimiterConfig{
			BurstCapacity: cfg.RateLimit.BurstCapacity,
			SustainedRate: cfg.RateLimit.SustainedRate,
		}
		if registerer != nil {
			limiter = httpapi.NewRateLimiterWithRegistry(limiterCfg, registerer)
		} else {
			limiter = httpapi.NewRateLimiter(limiterCfg)
		}
		defer limiter.Close()
	}

	apiServer := deps.APIServerFactory(cfg.Server.Addr, svc, deps.Notifier, limiter)

	if obsServer != nil {
		obsErrChan, obsErr := obsServer.Start()
		if obsErr != nil {
			return fmt.Errorf("failed to start observability server: %w", obsErr)
		}
		// Monitor observability server errors - cancel context on error
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		slog.Info("observability server started", "addr", obsServer.Addr())
	}

	apiErrChan, err := apiServer.Start()
	if err != nil {
		if obsServer != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if stopErr := obsServer.Stop(shutdownCtx); stopErr != nil {
				slog.Warn("failed to stop observability server during cleanup", "error", stopErr)
			}
		}
		return fmt.Errorf("failed to start api server: %w", err)
	}
	// Monitor API server errors - cancel context on error
	go monitorServerErrors(ctx, cancel, apiErrChan, "api")
	ready.Store(true)

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Server started")
	slog.Info("server ready",
		"addr", apiServer.Addr(),
		"environment", cfg.Environment,
	)

	// Wait for shutdown signal or a monitored server failure
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	// Graceful shutdown
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping api server", "error", err)
	}

	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// runAutoMigrate applies pending migrations with a migrator from factory.
func runAutoMigrate(factory func(string) (AutoMigrator, error), databaseURL string) error {
	migrator, err := factory(databaseURL)
	if err != nil {
		return err
	}
	if upErr := migrator.Up(); upErr != nil {
		if closeErr := migrator.Close(); closeErr != nil {
			slog.Warn("error closing migrator", "error", closeErr)
		}
		return upErr
	}
	if err := migrator.Close(); err != nil {
		slog.Warn("error closing migrator", "error", err)
	}
	return nil
}

// openRepository opens the configured user repository. With no database URL
// the server falls back to in-memory storage, the single-process development
// mode.
func openRepository(ctx context.Context, cfg *config.Config) (auth.UserRepository, func(), error) {
	if cfg.Database.URL == "" {
		slog.Warn("no database configured, accounts will not survive a restart")
		return auth.NewMemoryUserRepository(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("connected to database")
	return postgres.NewUserRepository(pool), pool.Close, nil
}

// monitorServerErrors watches a server's error channel and cancels the
// context on error so one failing listener shuts the whole process down.
// It exits when an error arrives, the channel closes, or the context ends.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}

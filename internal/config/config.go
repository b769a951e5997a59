// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package config loads and validates keyfold configuration from YAML files,
// environment variables, and command-line flags.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/keyfold/keyfold/internal/xdg"
)

// envPrefix is the prefix for configuration environment variables. Nested
// keys use a double underscore: KEYFOLD_SECURITY__SIGNING_SECRET sets
// security.signing_secret.
const envPrefix = "KEYFOLD_"

// Signing secret strength floor. The process refuses to start when the
// secret falls below either bound.
const (
	MinSecretLength   = 32
	MinSecretDistinct = 8
)

// Config is the root keyfold configuration.
type Config struct {
	Environment string          `koanf:"environment"`
	LogFormat   string          `koanf:"log_format"`
	Server      ServerConfig    `koanf:"server"`
	Database    DatabaseConfig  `koanf:"database"`
	Security    SecurityConfig  `koanf:"security"`
	RateLimit   RateLimitConfig `koanf:"rate_limit"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Addr        string `koanf:"addr"`
	MetricsAddr string `koanf:"metrics_addr"`
}

// DatabaseConfig configures PostgreSQL connectivity. An empty URL puts the
// server into in-memory mode.
type DatabaseConfig struct {
	URL         string `koanf:"url"`
	AutoMigrate bool   `koanf:"auto_migrate"`
}

// SecurityConfig configures token signing and credential hashing.
// A zero BcryptCost selects the bcrypt library default.
type SecurityConfig struct {
	SigningSecret         string        `koanf:"signing_secret"`
	Algorithm             string        `koanf:"algorithm"`
	AccessTokenTTLMinutes int           `koanf:"access_token_ttl_minutes"`
	RefreshTokenTTLDays   int           `koanf:"refresh_token_ttl_days"`
	BcryptCost            int           `koanf:"bcrypt_cost"`
	RevocationSweep       time.Duration `koanf:"revocation_sweep_interval"`
}

// RateLimitConfig configures the per-client token bucket on the auth
// endpoints. A zero burst capacity disables rate limiting.
type RateLimitConfig struct {
	BurstCapacity int     `koanf:"burst_capacity"`
	SustainedRate float64 `koanf:"sustained_rate"`
}

// DefaultConfig returns the configuration used when no file, environment
// variable, or flag overrides a value.
func DefaultConfig() Config {
	return Config{
		Environment: "production",
		LogFormat:   "json",
		Server: ServerConfig{
			Addr:        ":8000",
			MetricsAddr: "127.0.0.1:9100",
		},
		Database: DatabaseConfig{
			AutoMigrate: true,
		},
		Security: SecurityConfig{
			Algorithm:             "HS256",
			AccessTokenTTLMinutes: 30,
			RefreshTokenTTLDays:   7,
			RevocationSweep:       time.Hour,
		},
		RateLimit: RateLimitConfig{
			BurstCapacity: 10,
			SustainedRate: 2.0,
		},
	}
}

// flagKeys maps command-line flag names onto configuration keys. Flags not
// listed here are not configuration and never reach the merged map.
var flagKeys = map[string]string{
	"addr":         "server.addr",
	"metrics-addr": "server.metrics_addr",
	"database-url": "database.url",
	"auto-migrate": "database.auto_migrate",
	"log-format":   "log_format",
	"environment":  "environment",
}

// RegisterFlags defines the standard configuration flags on flags with
// defaults matching DefaultConfig, keeping flag and file defaults in sync.
func RegisterFlags(flags *pflag.FlagSet) {
	def := DefaultConfig()
	flags.String("addr", def.Server.Addr, "HTTP listen address")
	flags.String("metrics-addr", def.Server.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	flags.String("database-url", def.Database.URL, "PostgreSQL connection URL (empty = in-memory store)")
	flags.Bool("auto-migrate", def.Database.AutoMigrate, "apply pending schema migrations on startup")
	flags.String("log-format", def.LogFormat, "log format (json or text)")
	flags.String("environment", def.Environment, "deployment environment (development, staging or production)")
}

// Load builds the configuration by merging, from lowest to highest
// precedence: defaults, the YAML config file, KEYFOLD_* environment
// variables, and command-line flags.
//
// path selects the config file. When path is empty, config.yaml under the
// XDG config directory is used if it exists. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		candidate := filepath.Join(xdg.ConfigDir(), "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_FILE_UNREADABLE").With("path", path).Wrap(err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envToKey), nil); err != nil {
		return nil, oops.Code("CONFIG_ENV_FAILED").Wrap(err)
	}

	if flags != nil {
		// Passing k lets posflag skip unchanged flag defaults for keys the
		// file or environment already set.
		p := posflag.ProviderWithValue(flags, ".", k, func(key, value string) (string, any) {
			return flagKeys[key], value
		})
		if err := k.Load(p, nil); err != nil {
			return nil, oops.Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_UNMARSHAL_FAILED").Wrap(err)
	}

	// DATABASE_URL is honored without the KEYFOLD_ prefix for parity with
	// the usual deployment convention.
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}

	return &cfg, nil
}

// envToKey maps KEYFOLD_SECURITY__SIGNING_SECRET to security.signing_secret.
func envToKey(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks the configuration for values that cannot work at runtime,
// including the signing secret strength floor.
func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "staging", "production":
	default:
		return oops.Code("CONFIG_INVALID").
			Errorf("environment must be development, staging or production, got %q", c.Environment)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.Code("CONFIG_INVALID").
			Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	if c.Server.Addr == "" {
		return oops.Code("CONFIG_INVALID").Errorf("server.addr is required")
	}
	switch c.Security.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		return oops.Code("CONFIG_INVALID").
			Errorf("security.algorithm must be HS256, HS384 or HS512, got %q", c.Security.Algorithm)
	}
	if c.Security.AccessTokenTTLMinutes <= 0 {
		return oops.Code("CONFIG_INVALID").
			Errorf("security.access_token_ttl_minutes must be positive")
	}
	if c.Security.RefreshTokenTTLDays <= 0 {
		return oops.Code("CONFIG_INVALID").
			Errorf("security.refresh_token_ttl_days must be positive")
	}
	if c.RateLimit.BurstCapacity < 0 {
		return oops.Code("CONFIG_INVALID").
			Errorf("rate_limit.burst_capacity must not be negative")
	}
	if c.RateLimit.BurstCapacity > 0 && c.RateLimit.SustainedRate <= 0 {
		return oops.Code("CONFIG_INVALID").
			Errorf("rate_limit.sustained_rate must be positive when rate limiting is enabled")
	}
	return c.ValidateSigningSecret()
}

// ValidateSigningSecret rejects signing secrets that are too short or too
// uniform. Only the measured length and character spread go into the error,
// never the secret itself.
func (c *Config) ValidateSigningSecret() error {
	secret := c.Security.SigningSecret
	if len(secret) < MinSecretLength {
		return oops.Code("CONFIG_WEAK_SECRET").
			With("length", len(secret)).
			Errorf("signing secret must be at least %d characters", MinSecretLength)
	}
	distinct := make(map[rune]struct{}, len(secret))
	for _, r := range secret {
		distinct[r] = struct{}{}
	}
	if len(distinct) < MinSecretDistinct {
		return oops.Code("CONFIG_WEAK_SECRET").
			With("distinct_characters", len(distinct)).
			Errorf("signing secret must contain at least %d distinct characters", MinSecretDistinct)
	}
	return nil
}

// AccessTokenTTL returns the access token lifetime.
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.Security.AccessTokenTTLMinutes) * time.Minute
}

// RefreshTokenTTL returns the refresh token lifetime.
func (c *Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.Security.RefreshTokenTTLDays) * 24 * time.Hour
}

// LogLevel returns the slog level for the configured environment.
// Development gets debug logs, everything else info.
func (c *Config) LogLevel() slog.Level {
	if c.Environment == "development" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

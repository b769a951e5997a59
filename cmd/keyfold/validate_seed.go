// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/keyfold/keyfold/internal/seed"
)

// NewValidateSeedCmd creates the validate-seed subcommand.
func NewValidateSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-seed <file>",
		Short: "Validate a seed file without touching the database",
		Long: `Validates a YAML seed file against the seed schema.
Does NOT connect to the database or create any accounts.
Exits with code 0 on success, non-zero on failure.

Useful in CI pipelines to catch seed file errors early:
  keyfold validate-seed seeds/users.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidateSeed(cmd, args[0])
		},
	}
}

func runValidateSeed(cmd *cobra.Command, path string) error {
	f, err := seed.Load(path)
	if err != nil {
		return err
	}

	cmd.Printf("Seed file valid: %d account(s)\n", len(f.Users))
	return nil
}

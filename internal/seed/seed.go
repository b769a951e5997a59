// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package seed provisions accounts from declarative seed files.
package seed

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/keyfold/keyfold/internal/auth"
)

// Development fixture account, provisioned automatically when the server
// runs in the development environment.
const (
	DevUserEmail    = "test@example.com"
	DevUserName     = "Test User"
	DevUserPassword = "password123"
)

// File is the root of a seed file.
type File struct {
	Users []User `json:"users" yaml:"users"`
}

// User describes one account to provision. Passwords follow the same
// length rules as the registration API.
type User struct {
	Email    string `json:"email"    yaml:"email"    jsonschema:"format=email"`
	Name     string `json:"name"     yaml:"name"     jsonschema:"minLength=1,maxLength=100"`
	Password string `json:"password" yaml:"password" jsonschema:"minLength=8,maxLength=100"`
	Inactive bool   `json:"inactive,omitempty" yaml:"inactive,omitempty"`
}

// Load reads and validates a seed file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: the seed path comes from the operator.
	if err != nil {
		return nil, oops.Code("SEED_FILE_UNREADABLE").With("path", path).Wrap(err)
	}
	return Parse(data)
}

// Parse validates seed data against the schema and decodes it.
func Parse(data []byte) (*File, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, oops.Code("SEED_INVALID").Wrap(err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, oops.Code("SEED_INVALID").Wrap(err)
	}
	return &f, nil
}

// Apply provisions every user in the file. Existing accounts are left
// untouched, so applying the same file twice is safe. Returns the number
// of accounts created.
func (f *File) Apply(ctx context.Context, users auth.UserRepository, hasher auth.PasswordHasher) (int, error) {
	created := 0
	for _, su := range f.Users {
		hash, err := hasher.Hash(su.Password)
		if err != nil {
			return created, oops.Code("SEED_APPLY_FAILED").With("email", su.Email).Wrap(err)
		}

		user, err := auth.NewUser(su.Email, su.Name, hash)
		if err != nil {
			return created, oops.Code("SEED_APPLY_FAILED").With("email", su.Email).Wrap(err)
		}
		user.Active = !su.Inactive

		if err := users.Create(ctx, user); err != nil {
			if errors.Is(err, auth.ErrAlreadyExists) {
				slog.Debug("seed user already exists", "email", user.Email)
				continue
			}
			return created, oops.Code("SEED_APPLY_FAILED").With("email", su.Email).Wrap(err)
		}

		created++
		slog.Info("seed user created", "email", user.Email)
	}
	return created, nil
}

// ApplyDevUser provisions the development fixture account.
func ApplyDevUser(ctx context.Context, users auth.UserRepository, hasher auth.PasswordHasher) error {
	f := &File{Users: []User{{
		Email:    DevUserEmail,
		Name:     DevUserName,
		Password: DevUserPassword,
	}}}
	_, err := f.Apply(ctx, users, hasher)
	return err
}

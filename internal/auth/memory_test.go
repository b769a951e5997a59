// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/auth"
)

func newStoredUser(t *testing.T, repo *auth.MemoryUserRepository, email string) *auth.User {
	t.Helper()

	user, err := auth.NewUser(email, "Test User", "somehash")
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), user))
	return user
}

func TestMemoryUserRepository_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("creates and retrieves by ID", func(t *testing.T) {
		repo := auth.NewMemoryUserRepository()
		user := newStoredUser(t, repo, "alice@example.com")

		got, err := repo.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, user.Email, got.Email)
		assert.Equal(t, user.PasswordHash, got.PasswordHash)
	})

	t.Run("duplicate email fails", func(t *testing.T) {
		repo := auth.NewMemoryUserRepository()
		newStoredUser(t, repo, "alice@example.com")

		dup, err := auth.NewUser("alice@example.com", "Other", "otherhash")
		require.NoError(t, err)

		err = repo.Create(ctx, dup)
		assert.ErrorIs(t, err, auth.ErrAlreadyExists)
	})

	t.Run("duplicate email differing in case fails", func(t *testing.T) {
		repo := auth.NewMemoryUserRepository()
		newStoredUser(t, repo, "alice@example.com")

		dup, err := auth.NewUser("ALICE@EXAMPLE.COM", "Other", "otherhash")
		require.NoError(t, err)

		err = repo.Create(ctx, dup)
		assert.ErrorIs(t, err, auth.ErrAlreadyExists)
	})

	t.Run("stored user is a copy", func(t *testing.T) {
		repo := auth.NewMemoryUserRepository()
		user := newStoredUser(t, repo, "alice@example.com")

		user.Name = "Mutated"

		got, err := repo.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "Test User", got.Name)
	})
}

func TestMemoryUserRepository_GetByEmail(t *testing.T) {
	ctx := context.Background()

	t.Run("finds user case-insensitively", func(t *testing.T) {
		repo := auth.NewMemoryUserRepository()
		user := newStoredUser(t, repo, "bob@example.com")

		got, err := repo.GetByEmail(ctx, "BOB@Example.Com")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
	})

	t.Run("unknown email returns ErrNotFound", func(t *testing.T) {
		repo := auth.NewMemoryUserRepository()

		_, err := repo.GetByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})
}

func TestMemoryUserRepository_GetByID(t *testing.T) {
	repo := auth.NewMemoryUserRepository()

	_, err := repo.GetByID(context.Background(), auth.NewUserID())
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestMemoryUserRepository_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("updates stored fields", func(t *testing.T) {
		repo := auth.NewMemoryUserRepository()
		user := newStoredUser(t, repo, "carol@example.com")

		user.PasswordHash = "newhash"
		user.Active = false
		require.NoError(t, repo.Update(ctx, user))

		got, err := repo.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "newhash", got.PasswordHash)
		assert.False(t, got.Active)
	})

	t.Run("unknown user returns ErrNotFound", func(t *testing.T) {
		repo := auth.NewMemoryUserRepository()

		ghost, err := auth.NewUser("ghost@example.com", "Ghost", "somehash")
		require.NoError(t, err)

		assert.ErrorIs(t, repo.Update(ctx, ghost), auth.ErrNotFound)
	})

	t.Run("email change re-keys lookups", func(t *testing.T) {
		repo := auth.NewMemoryUserRepository()
		user := newStoredUser(t, repo, "carol@example.com")

		user.Email = "carol+new@example.com"
		require.NoError(t, repo.Update(ctx, user))

		_, err := repo.GetByEmail(ctx, "carol@example.com")
		assert.ErrorIs(t, err, auth.ErrNotFound)

		got, err := repo.GetByEmail(ctx, "carol+new@example.com")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
	})

	t.Run("email change onto taken email fails", func(t *testing.T) {
		repo := auth.NewMemoryUserRepository()
		user := newStoredUser(t, repo, "carol@example.com")
		newStoredUser(t, repo, "dave@example.com")

		user.Email = "dave@example.com"
		assert.ErrorIs(t, repo.Update(ctx, user), auth.ErrAlreadyExists)
	})
}

func TestMemoryUserRepository_GetByResetTokenHash(t *testing.T) {
	ctx := context.Background()

	t.Run("finds user holding the hash", func(t *testing.T) {
		repo := auth.NewMemoryUserRepository()
		user := newStoredUser(t, repo, "erin@example.com")

		user.SetReset("stored-hash", time.Now().Add(time.Hour))
		require.NoError(t, repo.Update(ctx, user))

		got, err := repo.GetByResetTokenHash(ctx, "stored-hash")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
	})

	t.Run("unknown hash returns ErrNotFound", func(t *testing.T) {
		repo := auth.NewMemoryUserRepository()
		newStoredUser(t, repo, "erin@example.com")

		_, err := repo.GetByResetTokenHash(ctx, "no-such-hash")
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("empty hash never matches", func(t *testing.T) {
		repo := auth.NewMemoryUserRepository()
		newStoredUser(t, repo, "erin@example.com")

		_, err := repo.GetByResetTokenHash(ctx, "")
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("expired reset state is still returned", func(t *testing.T) {
		repo := auth.NewMemoryUserRepository()
		user := newStoredUser(t, repo, "erin@example.com")

		user.SetReset("stale-hash", time.Now().Add(-time.Hour))
		require.NoError(t, repo.Update(ctx, user))

		got, err := repo.GetByResetTokenHash(ctx, "stale-hash")
		require.NoError(t, err)
		assert.False(t, got.HasActiveReset())
	})
}

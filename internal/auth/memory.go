// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// MemoryUserRepository is an in-memory UserRepository. It backs tests and
// database-less development runs. Safe for concurrent use.
type MemoryUserRepository struct {
	mu      sync.RWMutex
	byID    map[ulid.ULID]*User
	byEmail map[string]ulid.ULID
}

// NewMemoryUserRepository creates an empty in-memory repository.
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byID:    make(map[ulid.ULID]*User),
		byEmail: make(map[string]ulid.ULID),
	}
}

// Create stores a new user. Returns ErrAlreadyExists if the ID or email
// is already taken. Email uniqueness is case-insensitive.
func (r *MemoryUserRepository) Create(_ context.Context, user *User) error {
	key := emailKey(user.Email)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[user.ID]; ok {
		return oops.Code("USER_ALREADY_EXISTS").With("user_id", user.ID.String()).Wrap(ErrAlreadyExists)
	}
	if _, ok := r.byEmail[key]; ok {
		return oops.Code("USER_ALREADY_EXISTS").With("email", user.Email).Wrap(ErrAlreadyExists)
	}

	stored := *user
	r.byID[user.ID] = &stored
	r.byEmail[key] = user.ID

	return nil
}

// GetByID retrieves a user by ID. Returns ErrNotFound if absent.
func (r *MemoryUserRepository) GetByID(_ context.Context, id ulid.ULID) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byID[id]
	if !ok {
		return nil, oops.Code("USER_NOT_FOUND").With("user_id", id.String()).Wrap(ErrNotFound)
	}

	out := *user
	return &out, nil
}

// GetByEmail retrieves a user by email, case-insensitively. Returns
// ErrNotFound if absent.
func (r *MemoryUserRepository) GetByEmail(_ context.Context, email string) (*User, error) {
	key := emailKey(email)

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[key]
	if !ok {
		return nil, oops.Code("USER_NOT_FOUND").With("email", email).Wrap(ErrNotFound)
	}

	out := *r.byID[id]
	return &out, nil
}

// GetByResetTokenHash retrieves the user holding the given reset secret
// hash. Returns ErrNotFound if no user holds it. Expiry is the caller's
// concern.
func (r *MemoryUserRepository) GetByResetTokenHash(_ context.Context, tokenHash string) (*User, error) {
	if tokenHash == "" {
		return nil, oops.Code("USER_NOT_FOUND").Wrap(ErrNotFound)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, user := range r.byID {
		if user.ResetTokenHash == tokenHash {
			out := *user
			return &out, nil
		}
	}

	return nil, oops.Code("USER_NOT_FOUND").Wrap(ErrNotFound)
}

// Update replaces a stored user's mutable fields. Returns ErrNotFound if
// the user does not exist, and ErrAlreadyExists if an email change
// collides with another user.
func (r *MemoryUserRepository) Update(_ context.Context, user *User) error {
	newKey := emailKey(user.Email)

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[user.ID]
	if !ok {
		return oops.Code("USER_NOT_FOUND").With("user_id", user.ID.String()).Wrap(ErrNotFound)
	}

	oldKey := emailKey(current.Email)
	if newKey != oldKey {
		if _, taken := r.byEmail[newKey]; taken {
			return oops.Code("USER_ALREADY_EXISTS").With("email", user.Email).Wrap(ErrAlreadyExists)
		}
		delete(r.byEmail, oldKey)
		r.byEmail[newKey] = user.ID
	}

	stored := *user
	r.byID[user.ID] = &stored

	return nil
}

// emailKey normalizes an email for case-insensitive map lookup.
func emailKey(email string) string {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		// Invalid addresses can never collide with stored ones; key on
		// the raw string so lookups still miss deterministically.
		return email
	}
	return normalized
}

// Compile-time interface check.
var _ UserRepository = (*MemoryUserRepository)(nil)

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"context"
	"crypto/rand"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewUserID generates a new user ID. IDs are ULIDs: fixed-length, globally
// unique, and sort lexicographically in creation order.
func NewUserID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// ParseUserID parses a user ID string.
func ParseUserID(s string) (ulid.ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ulid.ULID{}, oops.Code("AUTH_INVALID_USER_ID").With("id", s).Wrap(err)
	}
	return id, nil
}

// User represents an account.
type User struct {
	ID           ulid.ULID
	Email        string
	Name         string
	PasswordHash string
	Active       bool

	// Pending password reset state. ResetTokenHash holds the SHA-256 of
	// the outstanding reset secret, empty when none is pending. At most
	// one secret is redeemable per user at a time.
	ResetTokenHash string
	ResetExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewUser creates a User with a fresh ID and normalized email.
// The password hash must already be computed; accounts start active.
func NewUser(email, name, passwordHash string) (*User, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if passwordHash == "" {
		return nil, oops.Code("AUTH_INVALID_USER").Errorf("password hash cannot be empty")
	}

	now := time.Now()
	return &User{
		ID:           NewUserID(),
		Email:        normalized,
		Name:         name,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// NormalizeEmail lowercases and trims an email address. All storage and
// lookups go through the normalized form, making emails case-insensitive.
func NormalizeEmail(email string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(normalized); err != nil {
		return "", oops.Code("AUTH_INVALID_EMAIL").With("email", email).Wrap(err)
	}
	return normalized, nil
}

// SetReset stores a new reset secret hash, replacing any prior one.
func (u *User) SetReset(hash string, expiresAt time.Time) {
	u.ResetTokenHash = hash
	u.ResetExpiresAt = &expiresAt
	u.UpdatedAt = time.Now()
}

// ClearReset removes any pending reset secret.
func (u *User) ClearReset() {
	u.ResetTokenHash = ""
	u.ResetExpiresAt = nil
	u.UpdatedAt = time.Now()
}

// HasActiveReset reports whether an unexpired reset secret is pending.
func (u *User) HasActiveReset() bool {
	return u.ResetTokenHash != "" && u.ResetExpiresAt != nil && time.Now().Before(*u.ResetExpiresAt)
}

// UserRepository manages user persistence.
type UserRepository interface {
	// Create stores a new user. Returns ErrAlreadyExists when the
	// normalized email is already taken.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*User, error)

	// GetByEmail retrieves a user by email (case-insensitive).
	GetByEmail(ctx context.Context, email string) (*User, error)

	// GetByResetTokenHash retrieves the user holding the given reset
	// secret hash. Expiry is the caller's concern.
	GetByResetTokenHash(ctx context.Context, hash string) (*User, error)

	// Update replaces an existing user's stored state.
	Update(ctx context.Context, user *User) error
}

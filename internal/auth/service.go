// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// TokenTypeBearer is the token type reported in every issued session.
const TokenTypeBearer = "bearer"

// Session is the result of a successful authentication: the user plus a
// freshly issued token pair.
type Session struct {
	User         *User
	AccessToken  string
	RefreshToken string

	// ExpiresIn is the access token lifetime in whole seconds.
	ExpiresIn int64

	// TokenType is always TokenTypeBearer.
	TokenType string
}

// Service provides the account and token lifecycle operations.
type Service struct {
	users    UserRepository
	hasher   PasswordHasher
	codec    *TokenCodec
	registry *RevocationRegistry
}

// NewService creates a new Service.
func NewService(users UserRepository, hasher PasswordHasher, codec *TokenCodec, registry *RevocationRegistry) *Service {
	return &Service{
		users:    users,
		hasher:   hasher,
		codec:    codec,
		registry: registry,
	}
}

// dummyPasswordHash is used when a user doesn't exist to prevent timing attacks.
// We still run password verification to make response time consistent.
// This is NOT a real credential - it's a fake hash that will never match any password.
//
//nolint:gosec // G101: This is an intentionally fake hash for timing attack prevention, not a credential.
const dummyPasswordHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoO5mZhGUS3vQXmWlgoLXWc0cvz0QyKMPm"

// Register creates a new account with the given credentials. The email is
// normalized before storage; the password is hashed and never stored in
// plaintext. Returns ErrAlreadyExists when the email is taken.
func (s *Service) Register(ctx context.Context, email, name, password string) (*User, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	user, err := NewUser(email, name, hash)
	if err != nil {
		return nil, err
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, oops.Code("AUTH_ALREADY_EXISTS").
				With("email", user.Email).
				Wrap(err)
		}
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "persist user").
			Wrap(err)
	}

	return user, nil
}

// Login authenticates a user by email and password and issues a session.
// Uses constant-time operations to prevent timing-based email enumeration.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	// Look up user by email
	user, lookupErr := s.users.GetByEmail(ctx, email)

	// Determine which hash to verify against (real or dummy for timing attack prevention)
	var targetHash string
	var userExists bool

	if lookupErr != nil {
		if errors.Is(lookupErr, ErrNotFound) {
			// Use dummy hash - still perform verification to maintain constant time
			targetHash = dummyPasswordHash
			userExists = false
		} else {
			RecordAuthAttempt("login", StatusError)
			return nil, oops.Code("AUTH_LOGIN_FAILED").
				With("operation", "get user by email").
				Wrap(lookupErr)
		}
	} else {
		targetHash = user.PasswordHash
		userExists = true
	}

	// Always verify password (constant-time operation for timing attack prevention)
	valid := s.hasher.Verify(password, targetHash)

	// If user doesn't exist OR password invalid, return same error
	if !userExists || !valid {
		RecordAuthAttempt("login", StatusInvalid)
		return nil, oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials)
	}

	// Check active status AFTER password verification to maintain constant time
	if !user.Active {
		RecordAuthAttempt("login", StatusInactive)
		return nil, oops.Code("AUTH_INACTIVE_USER").
			With("user_id", user.ID.String()).
			Wrap(ErrInactiveUser)
	}

	session, err := s.issueSession(user)
	if err != nil {
		RecordAuthAttempt("login", StatusError)
		return nil, err
	}

	RecordAuthAttempt("login", StatusSuccess)
	return session, nil
}

// Refresh exchanges a valid refresh token for a fresh session. The
// presented token is not revoked and stays usable until it expires.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	claims, err := s.codec.Verify(refreshToken)
	if err != nil {
		RecordAuthAttempt("refresh", StatusInvalid)
		return nil, err
	}
	if err := claims.RequireKind(TokenKindRefresh); err != nil {
		RecordAuthAttempt("refresh", StatusInvalid)
		return nil, err
	}

	userID, err := claims.SubjectID()
	if err != nil {
		RecordAuthAttempt("refresh", StatusInvalid)
		return nil, oops.Code("TOKEN_MALFORMED").
			With("subject", claims.Subject).
			Wrap(ErrMalformedToken)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			RecordAuthAttempt("refresh", StatusInvalid)
			return nil, oops.Code("AUTH_USER_NOT_FOUND").
				With("user_id", userID.String()).
				Wrap(ErrUserNotFound)
		}
		RecordAuthAttempt("refresh", StatusError)
		return nil, oops.Code("AUTH_REFRESH_FAILED").
			With("operation", "get user by id").
			Wrap(err)
	}

	if !user.Active {
		RecordAuthAttempt("refresh", StatusInactive)
		return nil, oops.Code("AUTH_INACTIVE_USER").
			With("user_id", user.ID.String()).
			Wrap(ErrInactiveUser)
	}

	session, err := s.issueSession(user)
	if err != nil {
		RecordAuthAttempt("refresh", StatusError)
		return nil, err
	}

	RecordAuthAttempt("refresh", StatusSuccess)
	return session, nil
}

// Logout revokes the presented access token. The token must still verify;
// revoking an already-revoked token surfaces as ErrRevokedToken.
func (s *Service) Logout(_ context.Context, accessToken string) error {
	claims, err := s.codec.Verify(accessToken)
	if err != nil {
		return err
	}
	if err := claims.RequireKind(TokenKindAccess); err != nil {
		return err
	}

	s.registry.Revoke(accessToken)
	return nil
}

// CurrentUser resolves a valid access token to its account.
func (s *Service) CurrentUser(ctx context.Context, accessToken string) (*User, error) {
	claims, err := s.codec.Verify(accessToken)
	if err != nil {
		return nil, err
	}
	if err := claims.RequireKind(TokenKindAccess); err != nil {
		return nil, err
	}

	userID, err := claims.SubjectID()
	if err != nil {
		return nil, oops.Code("TOKEN_MALFORMED").
			With("subject", claims.Subject).
			Wrap(ErrMalformedToken)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("AUTH_USER_NOT_FOUND").
				With("user_id", userID.String()).
				Wrap(ErrUserNotFound)
		}
		return nil, oops.Code("AUTH_CURRENT_USER_FAILED").
			With("operation", "get user by id").
			Wrap(err)
	}

	if !user.Active {
		return nil, oops.Code("AUTH_INACTIVE_USER").
			With("user_id", user.ID.String()).
			Wrap(ErrInactiveUser)
	}

	return user, nil
}

// RequestPasswordReset starts a password reset for the given email and
// returns the plaintext reset secret for delivery. A new secret replaces
// any prior one. Unknown and inactive emails return an empty secret with
// no error so callers can answer uniformly without leaking which emails
// have accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", oops.Code("RESET_REQUEST_FAILED").
			With("operation", "get user by email").
			Wrap(err)
	}

	if !user.Active {
		return "", nil
	}

	secret, hash, err := GenerateResetToken()
	if err != nil {
		return "", oops.Code("RESET_REQUEST_FAILED").
			With("operation", "generate reset secret").
			Wrap(err)
	}

	user.SetReset(hash, time.Now().Add(ResetTokenExpiry))
	if err := s.users.Update(ctx, user); err != nil {
		return "", oops.Code("RESET_REQUEST_FAILED").
			With("operation", "persist reset state").
			Wrap(err)
	}

	return secret, nil
}

// ResetPassword redeems a reset secret and sets a new password. The
// secret is single-use: redeeming it clears the stored reset state.
// Returns ErrInvalidResetToken for unknown, expired, or cleared secrets.
func (s *Service) ResetPassword(ctx context.Context, secret, newPassword string) error {
	if secret == "" {
		return oops.Code("RESET_TOKEN_INVALID").Wrap(ErrInvalidResetToken)
	}

	user, err := s.users.GetByResetTokenHash(ctx, hashResetToken(secret))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("RESET_TOKEN_INVALID").Wrap(ErrInvalidResetToken)
		}
		return oops.Code("RESET_FAILED").
			With("operation", "get user by reset hash").
			Wrap(err)
	}

	// Only active accounts redeem; the failure is indistinguishable from an
	// unknown secret.
	if !user.Active {
		return oops.Code("RESET_TOKEN_INVALID").Wrap(ErrInvalidResetToken)
	}
	if user.ResetExpiresAt == nil || time.Now().After(*user.ResetExpiresAt) {
		return oops.Code("RESET_TOKEN_INVALID").Wrap(ErrInvalidResetToken)
	}
	if !VerifyResetToken(secret, user.ResetTokenHash) {
		return oops.Code("RESET_TOKEN_INVALID").Wrap(ErrInvalidResetToken)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("RESET_FAILED").
			With("operation", "hash new password").
			Wrap(err)
	}

	user.PasswordHash = hash
	user.ClearReset()

	if err := s.users.Update(ctx, user); err != nil {
		return oops.Code("RESET_FAILED").
			With("operation", "persist new password").
			Wrap(err)
	}

	return nil
}

// ChangePassword sets a new password for an authenticated user after
// verifying the current one. Pending reset state is left untouched.
func (s *Service) ChangePassword(ctx context.Context, userID ulid.ULID, currentPassword, newPassword string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("AUTH_USER_NOT_FOUND").
				With("user_id", userID.String()).
				Wrap(ErrUserNotFound)
		}
		return oops.Code("CHANGE_PASSWORD_FAILED").
			With("operation", "get user by id").
			Wrap(err)
	}

	if !s.hasher.Verify(currentPassword, user.PasswordHash) {
		return oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("CHANGE_PASSWORD_FAILED").
			With("operation", "hash new password").
			Wrap(err)
	}

	user.PasswordHash = hash
	user.UpdatedAt = time.Now()

	if err := s.users.Update(ctx, user); err != nil {
		return oops.Code("CHANGE_PASSWORD_FAILED").
			With("operation", "persist new password").
			Wrap(err)
	}

	return nil
}

// FederatedLogin issues a session for an identity already verified by an
// external provider. First-time identities get an account with an
// unguessable random password; the provider's identity check stands in
// for local password verification.
func (s *Service) FederatedLogin(ctx context.Context, email, name string) (*Session, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			RecordAuthAttempt("federated", StatusError)
			return nil, oops.Code("AUTH_FEDERATED_FAILED").
				With("operation", "get user by email").
				Wrap(err)
		}
		user, err = s.createFederatedUser(ctx, email, name)
		if err != nil {
			RecordAuthAttempt("federated", StatusError)
			return nil, err
		}
	}

	if !user.Active {
		RecordAuthAttempt("federated", StatusInactive)
		return nil, oops.Code("AUTH_INACTIVE_USER").
			With("user_id", user.ID.String()).
			Wrap(ErrInactiveUser)
	}

	session, err := s.issueSession(user)
	if err != nil {
		RecordAuthAttempt("federated", StatusError)
		return nil, err
	}

	RecordAuthAttempt("federated", StatusSuccess)
	return session, nil
}

// createFederatedUser provisions an account for a federated identity.
// A concurrent provision of the same email resolves to the winner's row.
func (s *Service) createFederatedUser(ctx context.Context, email, name string) (*User, error) {
	password, err := randomPassword()
	if err != nil {
		return nil, oops.Code("AUTH_FEDERATED_FAILED").
			With("operation", "generate password").
			Wrap(err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, oops.Code("AUTH_FEDERATED_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	user, err := NewUser(email, name, hash)
	if err != nil {
		return nil, err
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return s.users.GetByEmail(ctx, email)
		}
		return nil, oops.Code("AUTH_FEDERATED_FAILED").
			With("operation", "persist user").
			Wrap(err)
	}

	return user, nil
}

// issueSession signs a fresh access/refresh pair for the user.
func (s *Service) issueSession(user *User) (*Session, error) {
	access, err := s.codec.IssueAccess(user.ID)
	if err != nil {
		return nil, oops.Code("AUTH_TOKEN_ISSUE_FAILED").
			With("kind", string(TokenKindAccess)).
			Wrap(err)
	}

	refresh, err := s.codec.IssueRefresh(user.ID)
	if err != nil {
		return nil, oops.Code("AUTH_TOKEN_ISSUE_FAILED").
			With("kind", string(TokenKindRefresh)).
			Wrap(err)
	}

	return &Session{
		User:         user,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.codec.AccessTTL().Seconds()),
		TokenType:    TokenTypeBearer,
	}, nil
}

// randomPassword generates an unguessable password for federated accounts.
func randomPassword() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

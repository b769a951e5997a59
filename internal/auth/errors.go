// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import "errors"

// Sentinel errors for account and token flows. Repositories and services
// wrap these with oops codes and context; callers branch with errors.Is.
// All of them describe recoverable conditions the API layer translates
// into client responses.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a create collides with an
	// existing account under the normalized email.
	ErrAlreadyExists = errors.New("account already exists")

	// ErrInvalidCredentials is returned for a failed password check. The
	// unknown-email and wrong-password cases are indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInactiveUser is returned when credentials or tokens are valid
	// but the account has been deactivated.
	ErrInactiveUser = errors.New("account is inactive")

	// ErrUserNotFound is returned when a token subject no longer exists.
	ErrUserNotFound = errors.New("user not found")

	// ErrExpiredToken is returned for a well-signed token past its expiry.
	ErrExpiredToken = errors.New("token has expired")

	// ErrRevokedToken is returned for a token in the revocation registry.
	ErrRevokedToken = errors.New("token has been revoked")

	// ErrMalformedToken is returned for tokens that fail signature or
	// structural checks, including a subject that is not a valid user ID.
	ErrMalformedToken = errors.New("token is malformed")

	// ErrWrongTokenKind is returned when a token verifies but carries a
	// different kind than the operation accepts.
	ErrWrongTokenKind = errors.New("wrong token kind")

	// ErrInvalidResetToken is returned when a reset secret matches no
	// user, has expired, or was already redeemed.
	ErrInvalidResetToken = errors.New("invalid or expired reset token")
)

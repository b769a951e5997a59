// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package auth provides the account and token lifecycle for Keyfold.
//
// # Domain Types
//
// Domain types should be created using their constructors:
//   - NewUser - creates a User with a fresh ID and normalized email
//   - NewTokenCodec - creates a TokenCodec with a validated signing setup
//   - NewRevocationRegistry - creates a registry with its sweep running
//
// Direct struct initialization bypasses validation and may create invalid state.
// Repository implementations receive pre-validated types from these constructors.
//
// # Services
//
// Service coordinates the lifecycle operations: registration, login,
// token refresh, logout, password reset and change, and federated login.
// It is created with NewService from a UserRepository, a PasswordHasher,
// a TokenCodec, and a RevocationRegistry.
package auth

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"context"
	"log/slog"
)

// ResetNotifier delivers a freshly minted reset secret to an account.
// Implementations own the delivery channel (email, SMS, log line).
type ResetNotifier interface {
	NotifyPasswordReset(ctx context.Context, email, secret string) error
}

// LogResetNotifier writes reset secrets to the process log. It is the
// development default; production deployments plug in a real channel.
type LogResetNotifier struct{}

// NotifyPasswordReset logs the reset secret for the operator to relay.
func (LogResetNotifier) NotifyPasswordReset(ctx context.Context, email, secret string) error {
	slog.InfoContext(ctx, "password reset requested",
		"email", email,
		"reset_secret", secret,
	)
	return nil
}

// Compile-time interface check.
var _ ResetNotifier = LogResetNotifier{}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Status constants for auth attempt metrics.
const (
	StatusSuccess  = "success"
	StatusInvalid  = "invalid"
	StatusInactive = "inactive"
	StatusError    = "error"
)

// AuthAttempts is the counter for authentication attempts.
// Use RegisterMetrics to register this with a Prometheus registry.
var AuthAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keyfold_auth_attempts_total",
		Help: "Total number of authentication attempts",
	},
	[]string{"operation", "status"},
)

// TokensIssued is the counter for issued tokens.
// Use RegisterMetrics to register this with a Prometheus registry.
var TokensIssued = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keyfold_tokens_issued_total",
		Help: "Total number of tokens issued",
	},
	[]string{"kind"},
)

// RegisterMetrics registers auth package metrics with the given Prometheus registry.
// This must be called at startup to make metrics available on /metrics.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AuthAttempts)
	reg.MustRegister(TokensIssued)
}

// RecordAuthAttempt increments the auth attempt counter with the given attributes.
// Parameters:
//   - operation: the operation attempted (e.g., "login", "refresh")
//   - status: attempt result (use Status* constants)
func RecordAuthAttempt(operation, status string) {
	AuthAttempts.WithLabelValues(operation, status).Inc()
}

// RecordTokenIssued increments the issued token counter.
// Parameters:
//   - kind: the kind of token issued ("access", "refresh", "password_reset")
func RecordTokenIssued(kind string) {
	TokensIssued.WithLabelValues(kind).Inc()
}

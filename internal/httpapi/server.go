// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package httpapi serves the public authentication API over HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/keyfold/keyfold/internal/auth"
)

// Server is the public API server. It owns the route table and the
// listener; the auth.Service owns all semantics.
type Server struct {
	addr       string
	svc        *auth.Service
	notifier   auth.ResetNotifier
	limiter    *RateLimiter
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// NewServer creates an API server.
// addr is the listen address in "host:port" format (e.g. ":8000").
// A nil notifier falls back to logging reset secrets; a nil limiter
// disables rate limiting.
func NewServer(addr string, svc *auth.Service, notifier auth.ResetNotifier, limiter *RateLimiter) *Server {
	if notifier == nil {
		notifier = auth.LogResetNotifier{}
	}
	return &Server{
		addr:     addr,
		svc:      svc,
		notifier: notifier,
		limiter:  limiter,
	}
}

// Handler returns the route table with all middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Unauthenticated endpoints are rate limited per client; they are the
	// brute-forceable surface.
	mux.HandleFunc("POST /auth/register", s.instrumented("register", s.limited("register", s.handleRegister)))
	mux.HandleFunc("POST /auth/login", s.instrumented("login", s.limited("login", s.handleLogin)))
	mux.HandleFunc("POST /auth/refresh", s.instrumented("refresh", s.limited("refresh", s.handleRefresh)))
	mux.HandleFunc("POST /auth/forgot-password", s.instrumented("forgot_password", s.limited("forgot_password", s.handleForgotPassword)))
	mux.HandleFunc("POST /auth/reset-password", s.instrumented("reset_password", s.limited("reset_password", s.handleResetPassword)))

	mux.HandleFunc("POST /auth/logout", s.instrumented("logout", s.requireAuth(s.handleLogout)))
	mux.HandleFunc("GET /auth/me", s.instrumented("me", s.requireAuth(s.handleMe)))
	mux.HandleFunc("POST /auth/change-password", s.instrumented("change_password", s.requireAuth(s.handleChangePassword)))

	return mux
}

// Start begins serving the API.
// It returns an error channel that will receive any errors from the HTTP
// server after it starts. The channel is closed when the server stops
// gracefully. Callers should monitor this channel to detect server failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	// Buffered so the goroutine never blocks on send.
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		// Use the local httpSrv to avoid a race with subsequent Start calls.
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("api server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("api server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the API server, waiting for in-flight
// requests up to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again.
			s.running.Store(true)
			return oops.With("operation", "shutdown_api_server").Wrap(err)
		}
	}

	slog.Info("api server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

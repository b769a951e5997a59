// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/pkg/errutil"
)

// maxBodyBytes caps request bodies. Auth payloads are tiny.
const maxBodyBytes = 1 << 20

// Password length rules shared by every password-carrying request.
const (
	minPasswordLength = 8
	maxPasswordLength = 100
)

// Request bodies. Field names follow the wire convention of the clients:
// camelCase keys.
type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// Response bodies.
type userPayload struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

type sessionPayload struct {
	User         userPayload `json:"user"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	TokenType    string      `json:"tokenType"`
	ExpiresIn    int64       `json:"expiresIn"`
}

type tokenPayload struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type messagePayload struct {
	Message string `json:"message"`
}

type errorPayload struct {
	Detail string `json:"detail"`
}

type healthPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func newUserPayload(u *auth.User) userPayload {
	return userPayload{
		ID:        u.ID.String(),
		Email:     u.Email,
		Name:      u.Name,
		IsActive:  u.Active,
		CreatedAt: u.CreatedAt,
	}
}

func newSessionPayload(session *auth.Session) sessionPayload {
	return sessionPayload{
		User:         newUserPayload(session.User),
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		TokenType:    session.TokenType,
		ExpiresIn:    session.ExpiresIn,
	}
}

func newTokenPayload(session *auth.Session) tokenPayload {
	return tokenPayload{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		TokenType:    session.TokenType,
		ExpiresIn:    session.ExpiresIn,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorPayload{Detail: detail})
}

// decodeJSON reads the request body into dst. On failure it writes a 400
// response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}

// statusFor maps service errors onto HTTP status codes via the sentinel
// taxonomy. Anything unmapped is a server fault.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidResetToken):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrRevokedToken),
		errors.Is(err, auth.ErrMalformedToken),
		errors.Is(err, auth.ErrWrongTokenKind):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrInactiveUser):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// detailFor returns the client-facing message for a service error. Internal
// detail stays in the logs.
func detailFor(err error) string {
	switch {
	case errors.Is(err, auth.ErrAlreadyExists):
		return "User with this email already exists"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "Invalid credentials"
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token has expired"
	case errors.Is(err, auth.ErrRevokedToken):
		return "Token has been revoked"
	case errors.Is(err, auth.ErrWrongTokenKind):
		return "Invalid token type"
	case errors.Is(err, auth.ErrMalformedToken):
		return "Invalid token"
	case errors.Is(err, auth.ErrInactiveUser):
		return "Inactive user"
	case errors.Is(err, auth.ErrUserNotFound):
		return "User not found"
	case errors.Is(err, auth.ErrInvalidResetToken):
		return "Invalid or expired reset token"
	default:
		return "Internal server error"
	}
}

// writeServiceError translates a service error into an HTTP response.
// Server faults are logged with their full context before the generic
// response goes out.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		errutil.LogError(slog.Default(), "request failed", err)
	}
	writeError(w, status, detailFor(err))
}

func validEmail(email string) bool {
	_, err := mail.ParseAddress(strings.TrimSpace(email))
	return err == nil
}

func validPassword(password string) bool {
	return len(password) >= minPasswordLength && len(password) <= maxPasswordLength
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthPayload{Status: "healthy", Message: "API is running"})
}

// handleRegister creates an account and signs the new user in, answering
// with a full session.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validEmail(req.Email) {
		writeError(w, http.StatusUnprocessableEntity, "Invalid email address")
		return
	}
	if !validPassword(req.Password) {
		writeError(w, http.StatusUnprocessableEntity, "Password must be between 8 and 100 characters")
		return
	}
	if len(req.Name) < 1 || len(req.Name) > 100 {
		writeError(w, http.StatusUnprocessableEntity, "Name must be between 1 and 100 characters")
		return
	}

	if _, err := s.svc.Register(r.Context(), req.Email, req.Name, req.Password); err != nil {
		s.writeServiceError(w, err)
		return
	}

	// The registration response carries a session, same as login.
	session, err := s.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newSessionPayload(session))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusUnprocessableEntity, "Email is required")
		return
	}
	if !validPassword(req.Password) {
		writeError(w, http.StatusUnprocessableEntity, "Password must be between 8 and 100 characters")
		return
	}

	session, err := s.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newSessionPayload(session))
}

// handleRefresh exchanges a refresh token for a fresh pair. The response
// carries tokens only, no user object.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusUnprocessableEntity, "refreshToken is required")
		return
	}

	session, err := s.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newTokenPayload(session))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := TokenFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if err := s.svc.Logout(r.Context(), token); err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messagePayload{Message: "Successfully logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, newUserPayload(user))
}

// handleForgotPassword starts a password reset. The response is identical
// whether or not the email has an account.
func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validEmail(req.Email) {
		writeError(w, http.StatusUnprocessableEntity, "Invalid email address")
		return
	}

	secret, err := s.svc.RequestPasswordReset(r.Context(), req.Email)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	if secret != "" {
		// Delivery failures must not change the response, or they would
		// reveal which emails have accounts.
		if err := s.notifier.NotifyPasswordReset(r.Context(), req.Email, secret); err != nil {
			errutil.LogError(slog.Default(), "reset notification failed", err)
		}
	}

	writeJSON(w, http.StatusOK, messagePayload{Message: "If the email exists, a password reset link has been sent"})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusUnprocessableEntity, "token is required")
		return
	}
	if !validPassword(req.NewPassword) {
		writeError(w, http.StatusUnprocessableEntity, "Password must be between 8 and 100 characters")
		return
	}

	if err := s.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messagePayload{Message: "Password has been successfully reset"})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CurrentPassword == "" {
		writeError(w, http.StatusUnprocessableEntity, "currentPassword is required")
		return
	}
	if !validPassword(req.NewPassword) {
		writeError(w, http.StatusUnprocessableEntity, "Password must be between 8 and 100 characters")
		return
	}

	err := s.svc.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "Current password is incorrect")
			return
		}
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messagePayload{Message: "Password has been successfully changed"})
}

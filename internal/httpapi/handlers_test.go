// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/httpapi"
)

// captureNotifier records the last delivered reset secret.
type captureNotifier struct {
	mu     sync.Mutex
	calls  int
	email  string
	secret string
}

func (n *captureNotifier) NotifyPasswordReset(_ context.Context, email, secret string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.email = email
	n.secret = secret
	return nil
}

func (n *captureNotifier) last() (int, string, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls, n.email, n.secret
}

type testAPI struct {
	t        *testing.T
	ts       *httptest.Server
	repo     *auth.MemoryUserRepository
	notifier *captureNotifier
}

func newTestAPI(t *testing.T) *testAPI {
	return newTestAPIWithLimiter(t, nil)
}

func newTestAPIWithLimiter(t *testing.T, limiter *httpapi.RateLimiter) *testAPI {
	t.Helper()

	repo := auth.NewMemoryUserRepository()
	registry := auth.NewRevocationRegistry(time.Hour)
	t.Cleanup(registry.Close)

	codec, err := auth.NewTokenCodec(auth.TokenCodecConfig{
		Secret:     "0123456789abcdefghijklmnopqrstuvwxyz",
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}, registry)
	require.NoError(t, err)

	// MinCost keeps the bcrypt work factor out of the test runtime.
	svc := auth.NewService(repo, auth.NewBcryptHasher(bcrypt.MinCost), codec, registry)
	notifier := &captureNotifier{}

	srv := httpapi.NewServer(":0", svc, notifier, limiter)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testAPI{t: t, ts: ts, repo: repo, notifier: notifier}
}

// doJSON sends a request with an optional JSON body and bearer token, and
// decodes the JSON response.
func (a *testAPI) doJSON(method, path string, body any, token string) (*http.Response, map[string]any) {
	a.t.Helper()

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(a.t, err)
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, a.ts.URL+path, rd)
	require.NoError(a.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.ts.Client().Do(req)
	require.NoError(a.t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)

	var decoded map[string]any
	if len(data) > 0 {
		require.NoError(a.t, json.Unmarshal(data, &decoded), "response body: %s", data)
	}
	return resp, decoded
}

// register creates an account and returns the session payload.
func (a *testAPI) register(email, password, name string) map[string]any {
	a.t.Helper()
	resp, body := a.doJSON(http.MethodPost, "/auth/register", map[string]string{
		"email":    email,
		"password": password,
		"name":     name,
	}, "")
	require.Equal(a.t, http.StatusCreated, resp.StatusCode, "register failed: %v", body)
	return body
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.doJSON(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestRegister(t *testing.T) {
	t.Run("creates account and returns session", func(t *testing.T) {
		api := newTestAPI(t)

		body := api.register("new@example.com", "password123", "New User")

		user, ok := body["user"].(map[string]any)
		require.True(t, ok, "expected user object, got %v", body)
		assert.Equal(t, "new@example.com", user["email"])
		assert.Equal(t, "New User", user["name"])
		assert.Equal(t, true, user["isActive"])
		assert.NotEmpty(t, user["id"])

		assert.NotEmpty(t, body["accessToken"])
		assert.NotEmpty(t, body["refreshToken"])
		assert.Equal(t, "bearer", body["tokenType"])
		assert.EqualValues(t, 1800, body["expiresIn"])
	})

	t.Run("normalizes email before storage", func(t *testing.T) {
		api := newTestAPI(t)

		body := api.register("  Mixed@Example.COM ", "password123", "Mixed Case")
		user := body["user"].(map[string]any)
		assert.Equal(t, "mixed@example.com", user["email"])
	})

	t.Run("duplicate email conflicts", func(t *testing.T) {
		api := newTestAPI(t)
		api.register("taken@example.com", "password123", "First")

		resp, body := api.doJSON(http.MethodPost, "/auth/register", map[string]string{
			"email":    "TAKEN@example.com",
			"password": "password456",
			"name":     "Second",
		}, "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "User with this email already exists", body["detail"])
	})

	t.Run("invalid email rejected", func(t *testing.T) {
		api := newTestAPI(t)

		resp, _ := api.doJSON(http.MethodPost, "/auth/register", map[string]string{
			"email":    "not-an-email",
			"password": "password123",
			"name":     "Someone",
		}, "")
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("short password rejected", func(t *testing.T) {
		api := newTestAPI(t)

		resp, _ := api.doJSON(http.MethodPost, "/auth/register", map[string]string{
			"email":    "short@example.com",
			"password": "short",
			"name":     "Someone",
		}, "")
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("missing name rejected", func(t *testing.T) {
		api := newTestAPI(t)

		resp, _ := api.doJSON(http.MethodPost, "/auth/register", map[string]string{
			"email":    "noname@example.com",
			"password": "password123",
		}, "")
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("malformed body rejected", func(t *testing.T) {
		api := newTestAPI(t)

		resp, err := api.ts.Client().Post(api.ts.URL+"/auth/register", "application/json", strings.NewReader("{not json"))
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestLogin(t *testing.T) {
	t.Run("returns session for valid credentials", func(t *testing.T) {
		api := newTestAPI(t)
		api.register("login@example.com", "password123", "Login User")

		resp, body := api.doJSON(http.MethodPost, "/auth/login", map[string]string{
			"email":    "login@example.com",
			"password": "password123",
		}, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, body["accessToken"])
		assert.NotEmpty(t, body["refreshToken"])

		user := body["user"].(map[string]any)
		assert.Equal(t, "login@example.com", user["email"])
	})

	t.Run("email is case-insensitive", func(t *testing.T) {
		api := newTestAPI(t)
		api.register("case@example.com", "password123", "Case User")

		resp, _ := api.doJSON(http.MethodPost, "/auth/login", map[string]string{
			"email":    "CASE@EXAMPLE.COM",
			"password": "password123",
		}, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("wrong password rejected", func(t *testing.T) {
		api := newTestAPI(t)
		api.register("wrongpw@example.com", "password123", "User")

		resp, body := api.doJSON(http.MethodPost, "/auth/login", map[string]string{
			"email":    "wrongpw@example.com",
			"password": "password456",
		}, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Invalid credentials", body["detail"])
	})

	t.Run("unknown email rejected with same error", func(t *testing.T) {
		api := newTestAPI(t)

		resp, body := api.doJSON(http.MethodPost, "/auth/login", map[string]string{
			"email":    "ghost@example.com",
			"password": "password123",
		}, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Invalid credentials", body["detail"])
	})

	t.Run("inactive account rejected", func(t *testing.T) {
		api := newTestAPI(t)
		api.register("inactive@example.com", "password123", "Inactive User")

		user, err := api.repo.GetByEmail(context.Background(), "inactive@example.com")
		require.NoError(t, err)
		user.Active = false
		require.NoError(t, api.repo.Update(context.Background(), user))

		resp, body := api.doJSON(http.MethodPost, "/auth/login", map[string]string{
			"email":    "inactive@example.com",
			"password": "password123",
		}, "")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "Inactive user", body["detail"])
	})
}

func TestRefresh(t *testing.T) {
	t.Run("exchanges refresh token for fresh pair", func(t *testing.T) {
		api := newTestAPI(t)
		session := api.register("refresh@example.com", "password123", "Refresh User")

		resp, body := api.doJSON(http.MethodPost, "/auth/refresh", map[string]string{
			"refreshToken": session["refreshToken"].(string),
		}, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, body["accessToken"])
		assert.NotEmpty(t, body["refreshToken"])
		assert.Equal(t, "bearer", body["tokenType"])

		// The refresh response carries tokens only.
		_, hasUser := body["user"]
		assert.False(t, hasUser)
	})

	t.Run("access token is not accepted", func(t *testing.T) {
		api := newTestAPI(t)
		session := api.register("kinds@example.com", "password123", "Kind User")

		resp, body := api.doJSON(http.MethodPost, "/auth/refresh", map[string]string{
			"refreshToken": session["accessToken"].(string),
		}, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Invalid token type", body["detail"])
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		api := newTestAPI(t)

		resp, body := api.doJSON(http.MethodPost, "/auth/refresh", map[string]string{
			"refreshToken": "not.a.token",
		}, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Invalid token", body["detail"])
	})

	t.Run("missing token rejected", func(t *testing.T) {
		api := newTestAPI(t)

		resp, _ := api.doJSON(http.MethodPost, "/auth/refresh", map[string]string{}, "")
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestLogout(t *testing.T) {
	t.Run("revokes the access token", func(t *testing.T) {
		api := newTestAPI(t)
		session := api.register("logout@example.com", "password123", "Logout User")
		token := session["accessToken"].(string)

		resp, body := api.doJSON(http.MethodPost, "/auth/logout", nil, token)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Successfully logged out", body["message"])

		// The revoked token no longer authenticates.
		resp2, body2 := api.doJSON(http.MethodGet, "/auth/me", nil, token)
		assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
		assert.Equal(t, "Token has been revoked", body2["detail"])
	})

	t.Run("second logout sees the revoked token", func(t *testing.T) {
		api := newTestAPI(t)
		session := api.register("twice@example.com", "password123", "Twice User")
		token := session["accessToken"].(string)

		resp, _ := api.doJSON(http.MethodPost, "/auth/logout", nil, token)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp2, body2 := api.doJSON(http.MethodPost, "/auth/logout", nil, token)
		assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
		assert.Equal(t, "Token has been revoked", body2["detail"])
	})

	t.Run("requires authentication", func(t *testing.T) {
		api := newTestAPI(t)

		resp, body := api.doJSON(http.MethodPost, "/auth/logout", nil, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Not authenticated", body["detail"])
	})
}

func TestMe(t *testing.T) {
	t.Run("returns the authenticated user", func(t *testing.T) {
		api := newTestAPI(t)
		session := api.register("me@example.com", "password123", "Me User")

		resp, body := api.doJSON(http.MethodGet, "/auth/me", nil, session["accessToken"].(string))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "me@example.com", body["email"])
		assert.Equal(t, "Me User", body["name"])
		assert.Equal(t, true, body["isActive"])

		createdAt, ok := body["createdAt"].(string)
		require.True(t, ok)
		_, err := time.Parse(time.RFC3339, createdAt)
		assert.NoError(t, err)
	})

	t.Run("missing header rejected", func(t *testing.T) {
		api := newTestAPI(t)

		resp, body := api.doJSON(http.MethodGet, "/auth/me", nil, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Not authenticated", body["detail"])
		assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		api := newTestAPI(t)

		resp, body := api.doJSON(http.MethodGet, "/auth/me", nil, "garbage")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Invalid token", body["detail"])
	})

	t.Run("refresh token is not accepted", func(t *testing.T) {
		api := newTestAPI(t)
		session := api.register("wrongkind@example.com", "password123", "Wrong Kind")

		resp, body := api.doJSON(http.MethodGet, "/auth/me", nil, session["refreshToken"].(string))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Invalid token type", body["detail"])
	})
}

func TestForgotPassword(t *testing.T) {
	const uniform = "If the email exists, a password reset link has been sent"

	t.Run("delivers a secret for known accounts", func(t *testing.T) {
		api := newTestAPI(t)
		api.register("forgot@example.com", "password123", "Forgot User")

		resp, body := api.doJSON(http.MethodPost, "/auth/forgot-password", map[string]string{
			"email": "forgot@example.com",
		}, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, uniform, body["message"])

		calls, email, secret := api.notifier.last()
		assert.Equal(t, 1, calls)
		assert.Equal(t, "forgot@example.com", email)
		assert.NotEmpty(t, secret)
	})

	t.Run("unknown email gets the same response without delivery", func(t *testing.T) {
		api := newTestAPI(t)

		resp, body := api.doJSON(http.MethodPost, "/auth/forgot-password", map[string]string{
			"email": "nobody@example.com",
		}, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, uniform, body["message"])

		calls, _, _ := api.notifier.last()
		assert.Equal(t, 0, calls)
	})

	t.Run("invalid email rejected", func(t *testing.T) {
		api := newTestAPI(t)

		resp, _ := api.doJSON(http.MethodPost, "/auth/forgot-password", map[string]string{
			"email": "not-an-email",
		}, "")
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestResetPassword(t *testing.T) {
	t.Run("redeems the secret and sets the new password", func(t *testing.T) {
		api := newTestAPI(t)
		api.register("reset@example.com", "oldpassword", "Reset User")

		resp, _ := api.doJSON(http.MethodPost, "/auth/forgot-password", map[string]string{
			"email": "reset@example.com",
		}, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_, _, secret := api.notifier.last()
		require.NotEmpty(t, secret)

		resp2, body2 := api.doJSON(http.MethodPost, "/auth/reset-password", map[string]string{
			"token":       secret,
			"newPassword": "newpassword",
		}, "")
		assert.Equal(t, http.StatusOK, resp2.StatusCode)
		assert.Equal(t, "Password has been successfully reset", body2["message"])

		// New password works, old one does not.
		resp3, _ := api.doJSON(http.MethodPost, "/auth/login", map[string]string{
			"email":    "reset@example.com",
			"password": "newpassword",
		}, "")
		assert.Equal(t, http.StatusOK, resp3.StatusCode)

		resp4, _ := api.doJSON(http.MethodPost, "/auth/login", map[string]string{
			"email":    "reset@example.com",
			"password": "oldpassword",
		}, "")
		assert.Equal(t, http.StatusUnauthorized, resp4.StatusCode)
	})

	t.Run("secret is single-use", func(t *testing.T) {
		api := newTestAPI(t)
		api.register("single@example.com", "oldpassword", "Single User")

		resp, _ := api.doJSON(http.MethodPost, "/auth/forgot-password", map[string]string{
			"email": "single@example.com",
		}, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_, _, secret := api.notifier.last()

		resp2, _ := api.doJSON(http.MethodPost, "/auth/reset-password", map[string]string{
			"token":       secret,
			"newPassword": "newpassword",
		}, "")
		require.Equal(t, http.StatusOK, resp2.StatusCode)

		resp3, body3 := api.doJSON(http.MethodPost, "/auth/reset-password", map[string]string{
			"token":       secret,
			"newPassword": "anotherpassword",
		}, "")
		assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
		assert.Equal(t, "Invalid or expired reset token", body3["detail"])
	})

	t.Run("unknown secret rejected", func(t *testing.T) {
		api := newTestAPI(t)

		resp, body := api.doJSON(http.MethodPost, "/auth/reset-password", map[string]string{
			"token":       "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			"newPassword": "newpassword",
		}, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "Invalid or expired reset token", body["detail"])
	})

	t.Run("short new password rejected", func(t *testing.T) {
		api := newTestAPI(t)

		resp, _ := api.doJSON(http.MethodPost, "/auth/reset-password", map[string]string{
			"token":       "whatever",
			"newPassword": "short",
		}, "")
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestChangePassword(t *testing.T) {
	t.Run("changes the password after verifying the current one", func(t *testing.T) {
		api := newTestAPI(t)
		session := api.register("change@example.com", "oldpassword", "Change User")
		token := session["accessToken"].(string)

		resp, body := api.doJSON(http.MethodPost, "/auth/change-password", map[string]string{
			"currentPassword": "oldpassword",
			"newPassword":     "newpassword",
		}, token)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Password has been successfully changed", body["message"])

		resp2, _ := api.doJSON(http.MethodPost, "/auth/login", map[string]string{
			"email":    "change@example.com",
			"password": "newpassword",
		}, "")
		assert.Equal(t, http.StatusOK, resp2.StatusCode)
	})

	t.Run("wrong current password rejected", func(t *testing.T) {
		api := newTestAPI(t)
		session := api.register("wrongcurrent@example.com", "oldpassword", "User")

		resp, body := api.doJSON(http.MethodPost, "/auth/change-password", map[string]string{
			"currentPassword": "notmypassword",
			"newPassword":     "newpassword",
		}, session["accessToken"].(string))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Current password is incorrect", body["detail"])
	})

	t.Run("requires authentication", func(t *testing.T) {
		api := newTestAPI(t)

		resp, _ := api.doJSON(http.MethodPost, "/auth/change-password", map[string]string{
			"currentPassword": "oldpassword",
			"newPassword":     "newpassword",
		}, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("short new password rejected", func(t *testing.T) {
		api := newTestAPI(t)
		session := api.register("changeshort@example.com", "oldpassword", "User")

		resp, _ := api.doJSON(http.MethodPost, "/auth/change-password", map[string]string{
			"currentPassword": "oldpassword",
			"newPassword":     "short",
		}, session["accessToken"].(string))
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestRateLimiting(t *testing.T) {
	limiter := httpapi.NewRateLimiter(httpapi.RateLimiterConfig{
		BurstCapacity: 2,
		SustainedRate: 0.1,
	})
	t.Cleanup(limiter.Close)
	api := newTestAPIWithLimiter(t, limiter)

	login := map[string]string{"email": "limited@example.com", "password": "password123"}

	// Burst capacity admits the first two requests.
	resp1, _ := api.doJSON(http.MethodPost, "/auth/login", login, "")
	assert.Equal(t, http.StatusUnauthorized, resp1.StatusCode)
	resp2, _ := api.doJSON(http.MethodPost, "/auth/login", login, "")
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	resp3, body3 := api.doJSON(http.MethodPost, "/auth/login", login, "")
	assert.Equal(t, http.StatusTooManyRequests, resp3.StatusCode)
	assert.Equal(t, "Rate limit exceeded", body3["detail"])
	assert.NotEmpty(t, resp3.Header.Get("Retry-After"))

	// Authenticated endpoints are not rate limited.
	resp4, _ := api.doJSON(http.MethodGet, "/auth/me", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp4.StatusCode)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// TokenKind identifies what a signed token may be used for. The kind is
// carried in the token itself as the "type" claim; handlers assert the
// kind they accept.
type TokenKind string

// Known token kinds.
const (
	TokenKindAccess        TokenKind = "access"
	TokenKindRefresh       TokenKind = "refresh"
	TokenKindPasswordReset TokenKind = "password_reset"
)

// Valid reports whether k is a known token kind.
func (k TokenKind) Valid() bool {
	switch k {
	case TokenKindAccess, TokenKindRefresh, TokenKindPasswordReset:
		return true
	}
	return false
}

// Claims is the signed payload of a token: the standard subject, issue,
// and expiry claims plus the kind tag.
type Claims struct {
	jwt.RegisteredClaims
	Kind TokenKind `json:"type"`
}

// SubjectID parses the subject claim as a user ID.
func (c *Claims) SubjectID() (ulid.ULID, error) {
	return ParseUserID(c.Subject)
}

// RequireKind returns ErrWrongTokenKind unless the claims carry the
// expected kind. The codec itself treats all kinds alike; each operation
// asserts the kind it accepts.
func (c *Claims) RequireKind(kind TokenKind) error {
	if c.Kind != kind {
		return oops.Code("TOKEN_WRONG_KIND").
			With("want", string(kind)).
			With("got", string(c.Kind)).
			Wrap(ErrWrongTokenKind)
	}
	return nil
}

// TokenRevocations is the codec's read view of the revocation registry.
type TokenRevocations interface {
	// IsRevoked reports whether the token has been revoked.
	IsRevoked(token string) bool
}

// TokenCodecConfig configures a TokenCodec.
type TokenCodecConfig struct {
	// Secret signs and verifies every token. Strength rules are enforced
	// by the configuration layer before the process starts.
	Secret string

	// Algorithm is the HMAC signing algorithm: HS256, HS384, or HS512.
	// Defaults to HS256 when empty.
	Algorithm string

	// AccessTTL is the access token lifetime.
	AccessTTL time.Duration

	// RefreshTTL is the refresh token lifetime.
	RefreshTTL time.Duration
}

// TokenCodec issues and verifies signed expiring tokens. A codec is
// immutable after construction and safe for concurrent use.
type TokenCodec struct {
	secret     []byte
	method     jwt.SigningMethod
	accessTTL  time.Duration
	refreshTTL time.Duration
	revoked    TokenRevocations
}

// NewTokenCodec creates a TokenCodec. The revocations view may be nil, in
// which case verification skips the revocation check.
func NewTokenCodec(cfg TokenCodecConfig, revoked TokenRevocations) (*TokenCodec, error) {
	if cfg.Secret == "" {
		return nil, oops.Code("TOKEN_CODEC_INVALID").Errorf("signing secret cannot be empty")
	}

	alg := cfg.Algorithm
	if alg == "" {
		alg = "HS256"
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, oops.Code("TOKEN_CODEC_INVALID").With("algorithm", alg).Errorf("unknown signing algorithm %q", alg)
	}
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, oops.Code("TOKEN_CODEC_INVALID").With("algorithm", alg).Errorf("signing algorithm %q is not an HMAC method", alg)
	}

	if cfg.AccessTTL <= 0 {
		return nil, oops.Code("TOKEN_CODEC_INVALID").Errorf("access token TTL must be positive")
	}
	if cfg.RefreshTTL <= 0 {
		return nil, oops.Code("TOKEN_CODEC_INVALID").Errorf("refresh token TTL must be positive")
	}

	return &TokenCodec{
		secret:     []byte(cfg.Secret),
		method:     method,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		revoked:    revoked,
	}, nil
}

// AccessTTL returns the configured access token lifetime.
func (c *TokenCodec) AccessTTL() time.Duration {
	return c.accessTTL
}

// RefreshTTL returns the configured refresh token lifetime.
func (c *TokenCodec) RefreshTTL() time.Duration {
	return c.refreshTTL
}

// IssueAccess signs a new access token for the subject.
func (c *TokenCodec) IssueAccess(subject ulid.ULID) (string, error) {
	return c.issue(TokenKindAccess, subject, c.accessTTL)
}

// IssueRefresh signs a new refresh token for the subject.
func (c *TokenCodec) IssueRefresh(subject ulid.ULID) (string, error) {
	return c.issue(TokenKindRefresh, subject, c.refreshTTL)
}

// IssueReset signs a new password-reset token for the subject. Reset
// tokens always live for ResetTokenExpiry regardless of other TTLs.
func (c *TokenCodec) IssueReset(subject ulid.ULID) (string, error) {
	return c.issue(TokenKindPasswordReset, subject, ResetTokenExpiry)
}

func (c *TokenCodec) issue(kind TokenKind, subject ulid.ULID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kind: kind,
	}

	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
	if err != nil {
		return "", oops.Code("TOKEN_SIGN_FAILED").With("kind", string(kind)).Wrap(err)
	}

	RecordTokenIssued(string(kind))
	return signed, nil
}

// Verify decodes a token string into its claims.
//
// Failures map onto the sentinel taxonomy, checked in order:
//   - ErrRevokedToken for tokens in the revocation registry
//   - ErrExpiredToken for well-signed tokens past expiry
//   - ErrMalformedToken for every other signature or structural failure,
//     including a subject that is not a valid user ID or an unknown kind
//
// Expiry is reported before structural detail so clients can distinguish
// "log in again" from "this token was never yours".
func (c *TokenCodec) Verify(token string) (*Claims, error) {
	if c.revoked != nil && c.revoked.IsRevoked(token) {
		return nil, oops.Code("TOKEN_REVOKED").Wrap(ErrRevokedToken)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, c.keyFunc,
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, oops.Code("TOKEN_EXPIRED").Wrap(ErrExpiredToken)
		}
		return nil, oops.Code("TOKEN_MALFORMED").Wrap(ErrMalformedToken)
	}

	if _, err := ulid.ParseStrict(claims.Subject); err != nil {
		return nil, oops.Code("TOKEN_MALFORMED").With("subject", claims.Subject).Wrap(ErrMalformedToken)
	}
	if !claims.Kind.Valid() {
		return nil, oops.Code("TOKEN_MALFORMED").With("kind", string(claims.Kind)).Wrap(ErrMalformedToken)
	}

	return claims, nil
}

func (c *TokenCodec) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
	}
	return c.secret, nil
}

// peekExpiry recovers the expiry claim from a token without verifying the
// signature. The revocation registry uses it to retain revoked tokens
// exactly as long as they could still be presented.
func peekExpiry(token string) (time.Time, bool) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Package token implements the Token Service (C1): mint/verify access and
// refresh credentials, backed by the Session Store for refresh revocation.
//
// Signing uses golang-jwt/jwt/v5 rather than the hand-rolled HMAC+base64
// claims codec this is grounded on, because spec §4.1 mandates standard
// claims (iss, aud, jti, iat, exp) that golang-jwt expresses directly.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fleetops/platform/internal/apperr"
	"github.com/fleetops/platform/internal/identity"
	"github.com/fleetops/platform/internal/session"
)

// CredentialType distinguishes access from refresh tokens inside the claims
// — Refresh rejects a credential whose type isn't "refresh", Verify rejects
// one whose type isn't "access".
type CredentialType string

const (
	TypeAccess  CredentialType = "access"
	TypeRefresh CredentialType = "refresh"
)

const clockSkew = 30 * time.Second

// claims is the JWT claim set. Mandatory registered claims (iss, aud, jti,
// iat, exp) come from jwt.RegisteredClaims; Type, Username and Role are the
// only platform-specific additions.
type claims struct {
	jwt.RegisteredClaims
	Type     CredentialType `json:"typ"`
	Username string         `json:"username,omitempty"`
	Role     string         `json:"role,omitempty"`
}

// CredentialVerifier hydrates a principal by id — the catalogclient.Client
// in production, a fake in tests.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, username, password string) (*identity.Principal, error)
	GetPrincipal(ctx context.Context, userID string) (*identity.Principal, error)
}

// Config carries the two distinct HMAC secrets and expiry durations. New
// rejects equal secrets and secrets shorter than 32 bytes per §4.1.
type Config struct {
	AccessSecret   []byte
	RefreshSecret  []byte
	AccessExpires  time.Duration
	RefreshExpires time.Duration
	Issuer         string
	Audience       string
}

type Service struct {
	cfg      Config
	catalog  CredentialVerifier
	sessions session.Store
}

func New(cfg Config, catalog CredentialVerifier, sessions session.Store) (*Service, error) {
	if len(cfg.AccessSecret) < 32 {
		return nil, errors.New("token: access secret must be at least 32 bytes")
	}
	if len(cfg.RefreshSecret) < 32 {
		return nil, errors.New("token: refresh secret must be at least 32 bytes")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("token: access and refresh secrets must differ")
	}
	if cfg.AccessExpires == 0 {
		cfg.AccessExpires = time.Hour
	}
	if cfg.RefreshExpires == 0 {
		cfg.RefreshExpires = 7 * 24 * time.Hour
	}
	return &Service{cfg: cfg, catalog: catalog, sessions: sessions}, nil
}

// LoginResult is returned on successful Login.
type LoginResult struct {
	Access    string
	Refresh   string
	ExpiresIn int // seconds
	Principal identity.Principal
}

// Login delegates credential verification to the catalog store, then mints
// one access and one refresh credential and records the session.
func (s *Service) Login(ctx context.Context, username, password, clientIP, userAgent string) (*LoginResult, error) {
	principal, err := s.catalog.VerifyCredentials(ctx, username, password)
	if err != nil {
		return nil, apperr.AuthenticationError("credential verification failed")
	}
	if principal == nil || !principal.IsActive {
		return nil, apperr.AuthenticationError("inactive or unknown user")
	}

	refreshID := newID()
	access, err := s.sign(principal, TypeAccess, s.cfg.AccessSecret, s.cfg.AccessExpires, "")
	if err != nil {
		return nil, apperr.Internal("sign access credential", err)
	}
	refresh, err := s.sign(principal, TypeRefresh, s.cfg.RefreshSecret, s.cfg.RefreshExpires, refreshID)
	if err != nil {
		return nil, apperr.Internal("sign refresh credential", err)
	}

	rec := session.Record{
		UserID:    principal.ID,
		RefreshID: refreshID,
		CreatedAt: time.Now().UTC(),
		IPAddress: clientIP,
		UserAgent: userAgent,
	}
	if err := s.sessions.SaveRefresh(ctx, refreshID, rec, s.cfg.RefreshExpires); err != nil {
		return nil, apperr.Internal("save session", err)
	}

	return &LoginResult{
		Access:    access,
		Refresh:   refresh,
		ExpiresIn: int(s.cfg.AccessExpires.Seconds()),
		Principal: *principal,
	}, nil
}

// Refresh verifies the refresh credential, checks its session still exists,
// re-hydrates the principal (rejecting if now inactive), and mints a new
// access credential only — the refresh itself is rotated solely on login.
func (s *Service) Refresh(ctx context.Context, refresh string) (string, int, error) {
	c, err := s.parse(refresh, s.cfg.RefreshSecret)
	if err != nil {
		return "", 0, apperr.InvalidToken()
	}
	if c.Type != TypeRefresh {
		return "", 0, apperr.InvalidToken()
	}

	refreshID := c.ID
	if _, err := s.sessions.LookupRefresh(ctx, refreshID); err != nil {
		return "", 0, apperr.InvalidToken()
	}

	principal, err := s.catalog.GetPrincipal(ctx, c.Subject)
	if err != nil || principal == nil || !principal.IsActive {
		return "", 0, apperr.InvalidToken()
	}

	access, err := s.sign(principal, TypeAccess, s.cfg.AccessSecret, s.cfg.AccessExpires, "")
	if err != nil {
		return "", 0, apperr.Internal("sign access credential", err)
	}
	return access, int(s.cfg.AccessExpires.Seconds()), nil
}

// Verify checks an access credential's signature, type, and that its
// principal still exists and is active.
func (s *Service) Verify(ctx context.Context, access string) (*identity.Principal, error) {
	c, err := s.parse(access, s.cfg.AccessSecret)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.TokenExpired()
		}
		return nil, apperr.InvalidToken()
	}
	if c.Type != TypeAccess {
		return nil, apperr.InvalidToken()
	}

	principal, err := s.catalog.GetPrincipal(ctx, c.Subject)
	if err != nil || principal == nil {
		return nil, apperr.InvalidToken()
	}
	if !principal.IsActive {
		return nil, apperr.New(apperr.KindAuthentication, "AUTHENTICATION_ERROR", "principal inactive")
	}
	return principal, nil
}

// Logout deletes the session (and so revokes the refresh credential).
// Idempotent: deleting an absent session is not an error.
func (s *Service) Logout(ctx context.Context, refreshID string) error {
	if refreshID == "" {
		return nil
	}
	return s.sessions.DeleteRefresh(ctx, refreshID)
}

// LogoutAll revokes every session for a user — used when the client's
// logout call carries only the access credential (no refresh token in the
// request body), so the specific refreshId to revoke isn't known.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	return s.sessions.DeleteAllForUser(ctx, userID)
}

// RefreshIDOf extracts the refreshId from a refresh credential without
// checking expiry strictness beyond the normal leeway — used by logout to
// revoke the specific session the caller named.
func (s *Service) RefreshIDOf(refresh string) (string, error) {
	c, err := s.parse(refresh, s.cfg.RefreshSecret)
	if err != nil {
		return "", apperr.InvalidToken()
	}
	if c.Type != TypeRefresh {
		return "", apperr.InvalidToken()
	}
	return c.ID, nil
}

func (s *Service) sign(p *identity.Principal, typ CredentialType, secret []byte, expires time.Duration, jti string) (string, error) {
	if jti == "" {
		jti = newID()
	}
	now := time.Now().UTC()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   p.ID,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(expires)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		Type:     typ,
		Username: p.Username,
		Role:     string(p.Role),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return t.SignedString(secret)
}

func (s *Service) parse(tokenStr string, secret []byte) (*claims, error) {
	var c claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuer(s.cfg.Issuer),
	)
	_, err := parser.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token: parse: %w", err)
	}
	return &c, nil
}

func newID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

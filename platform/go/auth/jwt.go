package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session token claim names beyond the registered ones.
const (
	ClaimScope    = "scope"
	ClaimTenantID = "tenantId"
	ClaimDatabase = "db"
	ClaimRoles    = "roles"
)

// Session is what a successful login hands to the token issuer.
type Session struct {
	UserID       string
	Email        string
	Scope        Scope
	TenantID     string
	DatabaseName string
	Roles        []string
}

type sessionClaims struct {
	Email    string   `json:"email"`
	Scope    Scope    `json:"scope"`
	TenantID string   `json:"tenantId,omitempty"`
	Database string   `json:"db,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

type IssuerConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// Issuer mints and verifies HS256 session tokens.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewIssuer(cfg IssuerConfig) *Issuer {
	if len(cfg.Secret) < 32 {
		panic("Issuer requires a secret of at least 32 bytes")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "palmyra-agency"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Issuer{secret: cfg.Secret, issuer: cfg.Issuer, ttl: cfg.TTL}
}

// TTL is the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs a token for s valid from now for the issuer TTL.
func (i *Issuer) Issue(s Session, now time.Time) (string, time.Time, error) {
	if s.UserID == "" {
		return "", time.Time{}, errors.New("session user id is required")
	}
	if now.IsZero() {
		now = time.Now()
	}
	expiresAt := now.Add(i.ttl)

	claims := sessionClaims{
		Email:    s.Email,
		Scope:    s.Scope,
		TenantID: s.TenantID,
		Database: s.DatabaseName,
		Roles:    s.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, issuer and expiry and returns the raw claims.
func (i *Issuer) Verify(ctx context.Context, token string) (map[string]interface{}, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	return claims, nil
}

// VerifyFunc adapts Verify to the JWT middleware.
func (i *Issuer) VerifyFunc() VerifyFunc {
	return i.Verify
}

func ExtractJWTToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	const prefix = "Bearer "
	// Case-insensitive prefix match.
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return "", false
	}

	return strings.TrimSpace(authHeader[len(prefix):]), true
}

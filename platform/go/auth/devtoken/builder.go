package devtoken

import (
	"errors"
	"strings"
	"time"

	"github.com/zenGate-Global/palmyra-agency/platform/go/auth"
)

// Params captures the claims required to mint a signed session token for local
// and CI environments. No environment variables are read so the builder stays
// deterministic for tooling.
type Params struct {
	Secret       string        // HS256 secret shared with the api (JWT_SECRET)
	Issuer       string        // optional override; defaults to the api issuer
	UserID       string        // sub (required)
	Email        string        // email claim (required)
	Platform     bool          // platform scope instead of tenant scope
	TenantID     string        // tenant scope only
	DatabaseName string        // tenant scope only (required there)
	Roles        []string      // platform or tenant roles
	ExpiresIn    time.Duration // relative expiry; default 1h if zero
}

// Build returns an HS256 token that the api JWT middleware accepts.
func Build(p Params, now time.Time) (string, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return "", errors.New("userID is required")
	}
	if strings.TrimSpace(p.Email) == "" {
		return "", errors.New("email is required")
	}

	scope := auth.ScopeTenant
	if p.Platform {
		scope = auth.ScopePlatform
		if len(p.Roles) == 0 {
			p.Roles = []string{auth.RoleSuperAdmin}
		}
	} else if strings.TrimSpace(p.DatabaseName) == "" {
		return "", errors.New("databaseName is required for tenant tokens")
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}

	expiresIn := p.ExpiresIn
	if expiresIn == 0 {
		expiresIn = time.Hour
	}

	if len(p.Secret) < 32 {
		return "", errors.New("secret must be at least 32 bytes")
	}

	issuer := auth.NewIssuer(auth.IssuerConfig{Secret: []byte(p.Secret), Issuer: p.Issuer, TTL: expiresIn})
	token, _, err := issuer.Issue(auth.Session{
		UserID:       p.UserID,
		Email:        p.Email,
		Scope:        scope,
		TenantID:     p.TenantID,
		DatabaseName: p.DatabaseName,
		Roles:        p.Roles,
	}, now)
	return token, err
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-agency/domains/auth/be/service"
	platformauth "github.com/zenGate-Global/palmyra-agency/platform/go/auth"
	platformlogging "github.com/zenGate-Global/palmyra-agency/platform/go/logging"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-agency/platform/go/problems"
	"github.com/zenGate-Global/palmyra-agency/platform/go/tenant"
)

// Authenticator resolves a login to an identity.
type Authenticator interface {
	Resolve(ctx context.Context, in service.LoginInput) (service.Identity, error)
}

// Handler exposes login and session endpoints.
type Handler struct {
	auth   Authenticator
	issuer *platformauth.Issuer
	logger *zap.Logger
	now    func() time.Time
}

// New constructs a Handler instance.
func New(auth Authenticator, issuer *platformauth.Issuer, logger *zap.Logger) *Handler {
	if auth == nil {
		panic("authenticator is required")
	}
	if issuer == nil {
		panic("token issuer is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{auth: auth, issuer: issuer, logger: logger, now: time.Now}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Domain   string `json:"domain"`
}

type loginResponse struct {
	AccessToken string        `json:"accessToken"`
	TokenType   string        `json:"tokenType"`
	ExpiresIn   int64         `json:"expiresIn"`
	Identity    loginIdentity `json:"identity"`
}

type sessionIdentity struct {
	UserID       string   `json:"userId"`
	Email        string   `json:"email"`
	Scope        string   `json:"scope"`
	TenantID     string   `json:"tenantId,omitempty"`
	Domain       string   `json:"domain,omitempty"`
	DatabaseName string   `json:"databaseName,omitempty"`
	Roles        []string `json:"roles"`
}

type loginIdentity struct {
	sessionIdentity
	FullName         string                     `json:"fullName,omitempty"`
	TwoFactorEnabled bool                       `json:"twoFactorEnabled"`
	Profile          *persistence.TenantProfile `json:"profile,omitempty"`
}

// Login implements POST /api/v1/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problems.Write(w, problems.Validation("request body must be a JSON object", nil))
		return
	}

	id, err := h.auth.Resolve(r.Context(), service.LoginInput{
		Email:      body.Email,
		Password:   body.Password,
		Domain:     body.Domain,
		RemoteAddr: clientAddr(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	now := h.now()
	token, exp, err := h.issuer.Issue(id.Session(), now)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	roles := id.Roles
	if roles == nil {
		roles = []string{}
	}
	ident := loginIdentity{
		sessionIdentity: sessionIdentity{
			UserID: id.UserID.String(),
			Email:  id.Email,
			Scope:  string(id.Scope),
			Roles:  roles,
		},
		FullName:         id.FullName,
		TwoFactorEnabled: id.TwoFactorEnabled,
		Profile:          id.Profile,
	}
	if id.Scope == platformauth.ScopeTenant {
		ident.TenantID = id.TenantID.String()
		ident.Domain = id.Domain
		ident.DatabaseName = id.DatabaseName
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(exp.Sub(now).Seconds()),
		Identity:    ident,
	})
}

// Me implements GET /api/v1/me. Tenant sessions must pass through WithTenantSpace first.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	creds, ok := platformauth.UserFromContext(r.Context())
	if !ok || creds == nil {
		problems.Write(w, problems.New(http.StatusUnauthorized, problems.TypeUnauthorized, "Unauthorized", "missing session"))
		return
	}

	out := sessionIdentity{
		UserID: creds.Id,
		Email:  creds.Email,
		Scope:  string(creds.Scope),
		Roles:  creds.Roles,
	}
	if out.Roles == nil {
		out.Roles = []string{}
	}
	if creds.Scope == platformauth.ScopeTenant {
		space, ok := tenant.FromContext(r.Context())
		if !ok {
			problems.Write(w, problems.New(http.StatusUnauthorized, problems.TypeUnauthorized, "Unauthorized", "tenant session required"))
			return
		}
		out.TenantID = space.TenantID.String()
		out.Domain = space.Domain
		out.DatabaseName = space.DatabaseName
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		lockErr *service.LockoutError
		connErr *persistence.ConnectionError
	)
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		problems.Write(w, problems.New(http.StatusUnauthorized, problems.TypeUnauthorized, "Unauthorized", "invalid email or password"))
	case errors.As(err, &lockErr):
		p := problems.New(http.StatusLocked, problems.TypeLocked, "Account locked", lockErr.Error())
		minutes := lockErr.RetryAfterMinutes
		p.RetryAfterMinutes = &minutes
		problems.Write(w, p)
	case errors.As(err, &connErr):
		platformlogging.FromRequest(r, h.logger).Warn("login backend unavailable",
			zap.String("database", connErr.Database), zap.Error(err))
		problems.Write(w, problems.New(http.StatusServiceUnavailable, problems.TypeUnavailable, "Service unavailable", "please retry shortly"))
	default:
		platformlogging.FromRequest(r, h.logger).Error("login failed", zap.Error(err))
		problems.Write(w, problems.Internal())
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

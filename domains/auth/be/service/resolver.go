// Package service resolves a login to the single database holding the identity.
//
// The control plane is asked first. Only when it holds no platform identity for the email
// does the domain pick a tenant, and then exactly one tenant database is queried.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	platformauth "github.com/zenGate-Global/palmyra-agency/platform/go/auth"
	"github.com/zenGate-Global/palmyra-agency/platform/go/metrics"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
)

// ErrInvalidCredentials covers unknown email, wrong password and unknown tenant alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Attempt reasons stored in login_attempts.
const (
	reasonSuccess         = "success"
	reasonUnknownUser     = "unknown_user"
	reasonBadPassword     = "bad_password"
	reasonLocked          = "locked"
	reasonNoTenant        = "tenant_not_resolved"
	reasonPlatformInScope = "platform_role_in_tenant"
)

// LoginInput is one login attempt.
type LoginInput struct {
	Email      string
	Password   string
	Domain     string
	RemoteAddr string
}

// Identity is the resolved principal of a successful login.
type Identity struct {
	UserID           uuid.UUID
	Email            string
	FullName         string
	Scope            platformauth.Scope
	Roles            []string
	TenantID         uuid.UUID
	Domain           string
	DatabaseName     string
	TwoFactorEnabled bool
	Profile          *persistence.TenantProfile
}

// Session converts the identity into token claims.
func (i Identity) Session() platformauth.Session {
	s := platformauth.Session{
		UserID: i.UserID.String(),
		Email:  i.Email,
		Scope:  i.Scope,
		Roles:  i.Roles,
	}
	if i.Scope == platformauth.ScopeTenant {
		s.TenantID = i.TenantID.String()
		s.DatabaseName = i.DatabaseName
	}
	return s
}

// Repository reaches the control plane and tenant databases. database is
// persistence.ControlPlane or a tenant database name.
type Repository interface {
	FindPlatformUser(ctx context.Context, email string) (persistence.PlatformUser, error)
	FindLoginTenants(ctx context.Context, raw, bare string) ([]persistence.TenantRecord, error)
	FindTenantUser(ctx context.Context, database, email string, caps Capabilities) (persistence.TenantUser, error)
	TenantProfile(ctx context.Context, database string, userID uuid.UUID) (persistence.TenantProfile, error)
	// CompleteLogin stamps the sign-in, records the success and clears the failure counter in one transaction.
	CompleteLogin(ctx context.Context, database string, attempt persistence.LoginAttempt, userID uuid.UUID) error
	// RegisterFailure records the failed attempt and counts it against the subject in one transaction.
	RegisterFailure(ctx context.Context, database string, attempt persistence.LoginAttempt, w persistence.FailureWindow) (persistence.LockoutState, error)
	RecordAttempt(ctx context.Context, database string, attempt persistence.LoginAttempt) error
}

type ResolverConfig struct {
	Repo         Repository
	Capabilities *CapabilityCache
	Lockout      LockoutPolicy
	Logger       *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Resolver authenticates logins across the control plane and tenant databases.
type Resolver struct {
	repo   Repository
	caps   *CapabilityCache
	policy LockoutPolicy
	logger *zap.Logger
	now    func() time.Time
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Repo == nil {
		panic("auth resolver requires repository")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = NewCapabilityCache(nil, cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{
		repo:   cfg.Repo,
		caps:   cfg.Capabilities,
		policy: cfg.Lockout.normalized(),
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

// Resolve returns the identity for in, ErrInvalidCredentials, or a *LockoutError.
// Any other error is an infrastructure failure.
func (r *Resolver) Resolve(ctx context.Context, in LoginInput) (Identity, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || in.Password == "" {
		platformauth.EqualizeTiming(in.Password)
		return Identity{}, ErrInvalidCredentials
	}
	logger := r.logger.With(zap.String("remote_addr", in.RemoteAddr))

	user, err := r.repo.FindPlatformUser(ctx, email)
	switch {
	case err == nil:
		return r.platformLogin(ctx, logger, user, in.Password)
	case !errors.Is(err, persistence.ErrNotFound):
		return Identity{}, fmt.Errorf("lookup platform identity: %w", err)
	}

	domain := strings.TrimSpace(in.Domain)
	if domain == "" {
		r.reject(ctx, logger, persistence.ControlPlane, persistence.LoginAttempt{
			Scope: persistence.PlatformScope, Subject: email, Email: email, Reason: reasonUnknownUser,
		}, in.Password)
		return Identity{}, ErrInvalidCredentials
	}

	tenant, ok, err := r.resolveTenant(ctx, domain)
	if err != nil {
		return Identity{}, err
	}
	if !ok {
		r.reject(ctx, logger, persistence.ControlPlane, persistence.LoginAttempt{
			Scope: persistence.PlatformScope, Subject: email, Email: email, Reason: reasonNoTenant,
		}, in.Password)
		return Identity{}, ErrInvalidCredentials
	}

	return r.tenantLogin(ctx, logger.With(zap.String("database", tenant.DatabaseName)), tenant, email, in.Password)
}

func (r *Resolver) platformLogin(ctx context.Context, logger *zap.Logger, user persistence.PlatformUser, password string) (Identity, error) {
	now := r.now()
	attempt := persistence.LoginAttempt{Scope: persistence.PlatformScope, Subject: user.ID.String(), Email: user.Email}

	if locked(user.LockedUntil, now) {
		attempt.Reason = reasonLocked
		r.record(ctx, logger, persistence.ControlPlane, attempt)
		metrics.ObserveLogin(string(platformauth.ScopePlatform), "locked")
		return Identity{}, newLockoutError(*user.LockedUntil, now)
	}

	if !r.verify(logger, user.PasswordHash, password) {
		return Identity{}, r.failure(ctx, logger, persistence.ControlPlane, attempt, platformauth.ScopePlatform, now)
	}

	attempt.Success = true
	attempt.Reason = reasonSuccess
	if err := r.repo.CompleteLogin(ctx, persistence.ControlPlane, attempt, user.ID); err != nil {
		return Identity{}, fmt.Errorf("complete platform login: %w", err)
	}
	metrics.ObserveLogin(string(platformauth.ScopePlatform), "success")
	logger.Info("platform login succeeded", zap.String("user_id", user.ID.String()))

	return Identity{
		UserID:   user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Scope:    platformauth.ScopePlatform,
		Roles:    []string{user.PlatformRole},
	}, nil
}

// resolveTenant picks the only active tenant the domain can name.
func (r *Resolver) resolveTenant(ctx context.Context, domain string) (persistence.TenantRecord, bool, error) {
	bare, ok := persistence.BareSubdomain(domain)
	if !ok {
		r.logger.Info("login domain rejected", zap.String("domain", domain))
		return persistence.TenantRecord{}, false, nil
	}

	candidates, err := r.repo.FindLoginTenants(ctx, domain, bare)
	if err != nil {
		return persistence.TenantRecord{}, false, fmt.Errorf("resolve login tenant: %w", err)
	}

	distinct := make(map[uuid.UUID]persistence.TenantRecord, len(candidates))
	for _, c := range candidates {
		if c.IsEphemeral || !c.IsActive || c.Status != persistence.TenantActive {
			continue
		}
		distinct[c.ID] = c
	}
	if len(distinct) != 1 {
		r.logger.Info("login domain did not resolve to one tenant",
			zap.String("domain", domain), zap.Int("matches", len(distinct)))
		return persistence.TenantRecord{}, false, nil
	}
	for _, t := range distinct {
		return t, true, nil
	}
	return persistence.TenantRecord{}, false, nil
}

func (r *Resolver) tenantLogin(ctx context.Context, logger *zap.Logger, tenant persistence.TenantRecord, email, password string) (Identity, error) {
	db := tenant.DatabaseName
	caps := r.caps.Get(ctx, db, tenant.SchemaVersion)

	user, err := r.repo.FindTenantUser(ctx, db, email, caps)
	if errors.Is(err, persistence.ErrNotFound) {
		r.reject(ctx, logger, db, persistence.LoginAttempt{Scope: db, Subject: email, Email: email, Reason: reasonUnknownUser}, password)
		return Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup tenant identity: %w", err)
	}

	attempt := persistence.LoginAttempt{Scope: db, Subject: user.ID.String(), Email: user.Email}
	if platformauth.HasPlatformRole(user.Roles) {
		attempt.Reason = reasonPlatformInScope
		r.reject(ctx, logger, db, attempt, password)
		return Identity{}, ErrInvalidCredentials
	}

	now := r.now()
	if locked(user.LockedUntil, now) {
		attempt.Reason = reasonLocked
		r.record(ctx, logger, db, attempt)
		metrics.ObserveLogin(string(platformauth.ScopeTenant), "locked")
		return Identity{}, newLockoutError(*user.LockedUntil, now)
	}

	if !r.verify(logger, user.PasswordHash, password) {
		return Identity{}, r.failure(ctx, logger, db, attempt, platformauth.ScopeTenant, now)
	}

	attempt.Success = true
	attempt.Reason = reasonSuccess
	if err := r.repo.CompleteLogin(ctx, db, attempt, user.ID); err != nil {
		return Identity{}, fmt.Errorf("complete tenant login: %w", err)
	}
	profile, err := r.repo.TenantProfile(ctx, db, user.ID)
	if err != nil {
		return Identity{}, fmt.Errorf("load tenant profile: %w", err)
	}
	metrics.ObserveLogin(string(platformauth.ScopeTenant), "success")
	logger.Info("tenant login succeeded", zap.String("user_id", user.ID.String()))

	return Identity{
		UserID:           user.ID,
		Email:            user.Email,
		FullName:         user.FullName,
		Scope:            platformauth.ScopeTenant,
		Roles:            user.Roles,
		TenantID:         tenant.ID,
		Domain:           tenant.Domain,
		DatabaseName:     db,
		TwoFactorEnabled: caps.TwoFactor && user.TwoFactorEnabled,
		Profile:          &profile,
	}, nil
}

func (r *Resolver) verify(logger *zap.Logger, hash, password string) bool {
	ok, err := platformauth.VerifyPassword(hash, password)
	if err != nil {
		logger.Warn("stored password hash unreadable", zap.Error(err))
		return false
	}
	return ok
}

// failure counts a wrong password; the attempt that reaches the limit already reports the lockout.
func (r *Resolver) failure(ctx context.Context, logger *zap.Logger, database string, attempt persistence.LoginAttempt, scope platformauth.Scope, now time.Time) error {
	attempt.Reason = reasonBadPassword
	state, err := r.repo.RegisterFailure(ctx, database, attempt, r.policy.window(now))
	if err != nil {
		return fmt.Errorf("register login failure: %w", err)
	}
	if locked(state.LockedUntil, now) {
		metrics.ObserveLogin(string(scope), "locked")
		logger.Warn("identity locked after repeated failures",
			zap.String("subject", attempt.Subject), zap.Int("failed_count", state.FailedCount))
		return newLockoutError(*state.LockedUntil, now)
	}
	metrics.ObserveLogin(string(scope), "invalid")
	return ErrInvalidCredentials
}

// reject records an attempt that never reached a password comparison, paying for one anyway.
func (r *Resolver) reject(ctx context.Context, logger *zap.Logger, database string, attempt persistence.LoginAttempt, password string) {
	platformauth.EqualizeTiming(password)
	r.record(ctx, logger, database, attempt)
	metrics.ObserveLogin("unknown", "invalid")
}

func (r *Resolver) record(ctx context.Context, logger *zap.Logger, database string, attempt persistence.LoginAttempt) {
	if err := r.repo.RecordAttempt(ctx, database, attempt); err != nil {
		logger.Warn("record login attempt", zap.String("reason", attempt.Reason), zap.Error(err))
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	platformauth "github.com/zenGate-Global/palmyra-agency/platform/go/auth"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-agency/platform/go/queue"
	"github.com/zenGate-Global/palmyra-agency/platform/go/tenant"
)

// FieldErrors maps request fields to validation issues.
type FieldErrors map[string][]string

func (f FieldErrors) add(field, msg string) {
	f[field] = append(f[field], msg)
}

// ValidationError is returned when the input payload is invalid.
type ValidationError struct {
	Fields FieldErrors
}

func (v *ValidationError) Error() string {
	return "validation error"
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: FieldErrors{field: {msg}}}
}

// Domain sentinel errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrNotCancellable = errors.New("job can no longer be cancelled")
	ErrNotRequeueable = errors.New("job is not pending")
	ErrTenantInactive = errors.New("tenant not active")
	// ErrIdempotencyMismatch is returned when an idempotency key is replayed for a different subdomain.
	ErrIdempotencyMismatch = errors.New("idempotency key already used for another signup")
)

// Plans accepted at signup.
var Plans = []string{"trial", "starter", "professional", "enterprise"}

// reservedSubdomains cannot be claimed by a tenant.
var reservedSubdomains = map[string]struct{}{
	"www": {}, "api": {}, "app": {}, "admin": {}, "platform": {}, "control": {}, "mail": {}, "status": {},
}

const minPasswordLength = 8

// Tenant is the directory view of a tenant.
type Tenant struct {
	ID            uuid.UUID
	Domain        string
	DatabaseName  string
	CompanyName   string
	Status        persistence.TenantStatus
	Plan          string
	SchemaVersion int64
	CreatedAt     time.Time
}

// Job is the polling view of a provisioning job.
type Job struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	IdempotencyKey *string
	DatabaseName   string
	OwnerEmail     string
	Status         persistence.JobStatus
	Progress       int
	ErrorMessage   *string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// SignupInput is the validated-at-the-edge signup request.
type SignupInput struct {
	Subdomain      string
	CompanyName    string
	OwnerEmail     string
	OwnerFullName  string
	OwnerPassword  string
	Plan           string
	IdempotencyKey string
}

// SignupResult reports the tenant and job a signup produced or replayed.
type SignupResult struct {
	Tenant Tenant
	Job    Job
	// Replayed is true when the idempotency key matched a live job and nothing new was created.
	Replayed bool
}

// SignupRecord is everything written atomically for a new signup.
type SignupRecord struct {
	Tenant Tenant
	Job    Job
	Seed   persistence.OwnerSeed
}

// Repository abstracts control-plane persistence.
type Repository interface {
	CreateSignup(ctx context.Context, rec SignupRecord) (Tenant, Job, error)
	// RetrySignup records a new job and refreshed seed for a tenant that is still pending.
	RetrySignup(ctx context.Context, job Job, seed persistence.OwnerSeed) (Job, error)
	FindLiveJobByKey(ctx context.Context, key string) (Job, error)
	FindTenantByDomain(ctx context.Context, domain string) (Tenant, error)
	GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error)
	GetJob(ctx context.Context, id uuid.UUID) (Job, error)
	// CancelJob moves the job to cancelled and the tenant to cancelled in one transaction.
	CancelJob(ctx context.Context, id uuid.UUID) (Job, error)
	GetOwnerSeed(ctx context.Context, tenantID uuid.UUID) (persistence.OwnerSeed, error)
	TouchJob(ctx context.Context, id uuid.UUID) error
}

// Publisher hands jobs to the provisioning worker.
type Publisher interface {
	Enqueue(ctx context.Context, msg queue.JobMessage) error
}

// Config wires a Service.
type Config struct {
	Repo      Repository
	Publisher Publisher
	// BaseDomain, when set, makes tenant domains "<subdomain>.<BaseDomain>".
	BaseDomain string
	// HashPassword defaults to argon2id via platform/go/auth.
	HashPassword func(plain string) (string, error)
	Logger       *zap.Logger
}

// Service orchestrates signups and job control.
type Service struct {
	repo       Repository
	publisher  Publisher
	baseDomain string
	hash       func(string) (string, error)
	logger     *zap.Logger
}

// New constructs a Service with required dependencies.
func New(cfg Config) *Service {
	if cfg.Repo == nil {
		panic("tenants repo is required")
	}
	if cfg.Publisher == nil {
		panic("job publisher is required")
	}
	if cfg.HashPassword == nil {
		cfg.HashPassword = platformauth.HashPassword
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		repo:       cfg.Repo,
		publisher:  cfg.Publisher,
		baseDomain: strings.Trim(strings.ToLower(cfg.BaseDomain), "."),
		hash:       cfg.HashPassword,
		logger:     cfg.Logger,
	}
}

// Signup registers a pending tenant and its provisioning job, then enqueues the job.
// The request is accepted once the control-plane rows are committed; an enqueue failure
// is logged and left to the watchdog, which re-enqueues pending jobs.
func (s *Service) Signup(ctx context.Context, input SignupInput) (SignupResult, error) {
	sub, fields := s.validateSignup(input)
	if len(fields) > 0 {
		return SignupResult{}, &ValidationError{Fields: fields}
	}

	dbName, err := persistence.DatabaseNameForSubdomain(sub)
	if err != nil {
		return SignupResult{}, newValidationError("subdomain", err.Error())
	}
	domain := s.domainFor(sub)

	key := strings.TrimSpace(input.IdempotencyKey)
	if key == "" {
		key = "signup:" + sub
	}

	if res, ok, err := s.replay(ctx, key, domain); ok || err != nil {
		return res, err
	}

	existing, err := s.repo.FindTenantByDomain(ctx, domain)
	switch {
	case err == nil && existing.Status != persistence.TenantPending:
		return SignupResult{}, newValidationError("subdomain", "subdomain is already taken")
	case err != nil && !errors.Is(err, ErrNotFound):
		return SignupResult{}, fmt.Errorf("lookup tenant domain: %w", err)
	}
	retry := err == nil

	hash, err := s.hash(input.OwnerPassword)
	if err != nil {
		return SignupResult{}, fmt.Errorf("hash owner password: %w", err)
	}

	email := strings.ToLower(strings.TrimSpace(input.OwnerEmail))
	fullName := strings.TrimSpace(input.OwnerFullName)

	var (
		t   Tenant
		job Job
	)
	if retry {
		// A pending tenant whose previous job ended without success: start a new job for it.
		t = existing
		job, err = s.repo.RetrySignup(ctx, Job{
			ID:             uuid.New(),
			TenantID:       existing.ID,
			IdempotencyKey: &key,
			DatabaseName:   existing.DatabaseName,
			OwnerEmail:     email,
		}, persistence.OwnerSeed{TenantID: existing.ID, Email: email, FullName: fullName, PasswordHash: hash})
	} else {
		tenantID := uuid.New()
		t, job, err = s.repo.CreateSignup(ctx, SignupRecord{
			Tenant: Tenant{
				ID:           tenantID,
				Domain:       domain,
				DatabaseName: dbName,
				CompanyName:  strings.TrimSpace(input.CompanyName),
				Status:       persistence.TenantPending,
				Plan:         planOrDefault(input.Plan),
			},
			Job: Job{
				ID:             uuid.New(),
				TenantID:       tenantID,
				IdempotencyKey: &key,
				DatabaseName:   dbName,
				OwnerEmail:     email,
			},
			Seed: persistence.OwnerSeed{TenantID: tenantID, Email: email, FullName: fullName, PasswordHash: hash},
		})
	}
	if err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			// Lost a race with a concurrent signup for the same key or subdomain.
			if res, ok, rerr := s.replay(ctx, key, domain); ok || rerr != nil {
				return res, rerr
			}
			return SignupResult{}, newValidationError("subdomain", "subdomain is already taken")
		}
		return SignupResult{}, fmt.Errorf("record signup: %w", err)
	}

	msg := queue.JobMessage{
		JobID:             job.ID,
		TenantID:          t.ID,
		DatabaseName:      t.DatabaseName,
		OwnerEmail:        email,
		OwnerFullName:     fullName,
		OwnerPasswordHash: hash,
		IdempotencyKey:    &key,
	}
	if err := s.publisher.Enqueue(ctx, msg); err != nil {
		s.logger.Warn("enqueue provisioning job failed; watchdog will requeue",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	s.logger.Info("signup accepted",
		zap.String("tenant_id", t.ID.String()),
		zap.String("job_id", job.ID.String()),
		zap.String("domain", t.Domain))
	return SignupResult{Tenant: t, Job: job}, nil
}

// replay returns the live job for key. ok is false when no live job holds it.
func (s *Service) replay(ctx context.Context, key, domain string) (SignupResult, bool, error) {
	job, err := s.repo.FindLiveJobByKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return SignupResult{}, false, nil
	}
	if err != nil {
		return SignupResult{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}

	t, err := s.repo.GetTenant(ctx, job.TenantID)
	if err != nil {
		return SignupResult{}, false, fmt.Errorf("load tenant for replayed job: %w", err)
	}
	if !strings.EqualFold(t.Domain, domain) {
		return SignupResult{}, false, ErrIdempotencyMismatch
	}
	return SignupResult{Tenant: t, Job: job, Replayed: true}, true, nil
}

func (s *Service) validateSignup(input SignupInput) (string, FieldErrors) {
	fields := FieldErrors{}

	sub, err := persistence.NormalizeSubdomain(input.Subdomain)
	if err != nil {
		fields.add("subdomain", err.Error())
	} else if _, reserved := reservedSubdomains[sub]; reserved {
		fields.add("subdomain", "subdomain is reserved")
	}

	if strings.TrimSpace(input.CompanyName) == "" {
		fields.add("companyName", "companyName is required")
	}

	email := strings.TrimSpace(input.OwnerEmail)
	if email == "" {
		fields.add("ownerEmail", "ownerEmail is required")
	} else if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		fields.add("ownerEmail", "ownerEmail must be a valid address")
	}

	if len(input.OwnerPassword) < minPasswordLength {
		fields.add("ownerPassword", fmt.Sprintf("ownerPassword must be at least %d characters", minPasswordLength))
	}

	if input.Plan != "" && !validPlan(input.Plan) {
		fields.add("plan", "plan must be one of "+strings.Join(Plans, ", "))
	}

	return sub, fields
}

func (s *Service) domainFor(sub string) string {
	if s.baseDomain == "" {
		return sub
	}
	return sub + "." + s.baseDomain
}

// GetJob returns the current status of a provisioning job.
func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (Job, error) {
	return s.repo.GetJob(ctx, id)
}

// CancelJob stops a job that has not started creating its database.
func (s *Service) CancelJob(ctx context.Context, id uuid.UUID) (Job, error) {
	job, err := s.repo.CancelJob(ctx, id)
	if errors.Is(err, persistence.ErrInvalidTransition) {
		return Job{}, ErrNotCancellable
	}
	if err != nil {
		return Job{}, err
	}
	s.logger.Info("provisioning job cancelled", zap.String("job_id", id.String()))
	return job, nil
}

// JobMessage rebuilds the queue message of a job from its stored owner seed.
func (s *Service) JobMessage(ctx context.Context, id uuid.UUID) (queue.JobMessage, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return queue.JobMessage{}, err
	}
	seed, err := s.repo.GetOwnerSeed(ctx, job.TenantID)
	if err != nil {
		return queue.JobMessage{}, fmt.Errorf("owner seed for job %s: %w", id, err)
	}
	return queue.JobMessage{
		JobID:             job.ID,
		TenantID:          job.TenantID,
		DatabaseName:      job.DatabaseName,
		OwnerEmail:        seed.Email,
		OwnerFullName:     seed.FullName,
		OwnerPasswordHash: seed.PasswordHash,
		IdempotencyKey:    job.IdempotencyKey,
	}, nil
}

// Requeue publishes a pending job again.
func (s *Service) Requeue(ctx context.Context, id uuid.UUID) error {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != persistence.JobPending {
		return ErrNotRequeueable
	}
	msg, err := s.JobMessage(ctx, id)
	if err != nil {
		return err
	}
	if err := s.publisher.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	return s.repo.TouchJob(ctx, id)
}

// ResolveTenantSpace returns the directory entry a tenant session is bound to.
func (s *Service) ResolveTenantSpace(ctx context.Context, id uuid.UUID) (tenant.Space, error) {
	t, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		return tenant.Space{}, err
	}
	if t.Status != persistence.TenantActive {
		return tenant.Space{}, ErrTenantInactive
	}
	return tenant.Space{TenantID: t.ID, Domain: t.Domain, DatabaseName: t.DatabaseName}, nil
}

func validPlan(plan string) bool {
	for _, p := range Plans {
		if p == plan {
			return true
		}
	}
	return false
}

func planOrDefault(plan string) string {
	if plan == "" {
		return Plans[0]
	}
	return plan
}

package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/palmyra-agency/domains/tenants/be/service"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
)

// PostgresRepository implements the tenants repository on the control-plane database.
type PostgresRepository struct {
	exec *persistence.Executor
}

// NewPostgresRepository constructs a repository that runs every call through exec.
func NewPostgresRepository(exec *persistence.Executor) *PostgresRepository {
	if exec == nil {
		panic("executor is required")
	}
	return &PostgresRepository{exec: exec}
}

// signupPayload is the job payload kept for operators; credentials never land here.
type signupPayload struct {
	Domain      string `json:"domain"`
	CompanyName string `json:"companyName"`
	Plan        string `json:"plan"`
	OwnerEmail  string `json:"ownerEmail"`
}

func (r *PostgresRepository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.exec.WithTx(ctx, persistence.ControlPlane, persistence.ExecOptions{}, fn)
}

func (r *PostgresRepository) withDB(ctx context.Context, fn func(db persistence.DB) error) error {
	return r.exec.WithDB(ctx, persistence.ControlPlane, fn)
}

func (r *PostgresRepository) CreateSignup(ctx context.Context, rec service.SignupRecord) (service.Tenant, service.Job, error) {
	payload, err := json.Marshal(signupPayload{
		Domain:      rec.Tenant.Domain,
		CompanyName: rec.Tenant.CompanyName,
		Plan:        rec.Tenant.Plan,
		OwnerEmail:  rec.Job.OwnerEmail,
	})
	if err != nil {
		return service.Tenant{}, service.Job{}, fmt.Errorf("encode job payload: %w", err)
	}

	var (
		tenantRec persistence.TenantRecord
		jobRec    persistence.ProvisioningJob
	)
	err = r.withTx(ctx, func(tx pgx.Tx) error {
		tenants := persistence.NewTenantStore(tx)
		jobs := persistence.NewJobStore(tx)

		var err error
		tenantRec, err = tenants.Create(ctx, persistence.TenantRecord{
			ID:               rec.Tenant.ID,
			Domain:           rec.Tenant.Domain,
			DatabaseName:     rec.Tenant.DatabaseName,
			CompanyName:      rec.Tenant.CompanyName,
			Status:           persistence.TenantPending,
			SubscriptionPlan: rec.Tenant.Plan,
		})
		if err != nil {
			return err
		}
		if err := tenants.PutOwnerSeed(ctx, rec.Seed); err != nil {
			return err
		}
		jobRec, err = jobs.Create(ctx, persistence.ProvisioningJob{
			ID:             rec.Job.ID,
			IdempotencyKey: rec.Job.IdempotencyKey,
			TenantID:       tenantRec.ID,
			DatabaseName:   tenantRec.DatabaseName,
			OwnerEmail:     rec.Job.OwnerEmail,
			Payload:        payload,
		})
		return err
	})
	if err != nil {
		return service.Tenant{}, service.Job{}, mapError(err)
	}
	return toServiceTenant(tenantRec), toServiceJob(jobRec), nil
}

func (r *PostgresRepository) RetrySignup(ctx context.Context, job service.Job, seed persistence.OwnerSeed) (service.Job, error) {
	var jobRec persistence.ProvisioningJob
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		tenants := persistence.NewTenantStore(tx)
		jobs := persistence.NewJobStore(tx)

		t, err := tenants.Get(ctx, job.TenantID)
		if err != nil {
			return err
		}
		if t.Status != persistence.TenantPending {
			return fmt.Errorf("%w: tenant %s is %s", persistence.ErrConflict, t.ID, t.Status)
		}
		if _, err := jobs.GetLiveByTenant(ctx, t.ID); err == nil {
			return fmt.Errorf("%w: tenant %s already has a live job", persistence.ErrConflict, t.ID)
		} else if !errors.Is(err, persistence.ErrNotFound) {
			return err
		}

		if err := tenants.PutOwnerSeed(ctx, seed); err != nil {
			return err
		}

		payload, err := json.Marshal(signupPayload{
			Domain:      t.Domain,
			CompanyName: t.CompanyName,
			Plan:        t.SubscriptionPlan,
			OwnerEmail:  job.OwnerEmail,
		})
		if err != nil {
			return fmt.Errorf("encode job payload: %w", err)
		}
		jobRec, err = jobs.Create(ctx, persistence.ProvisioningJob{
			ID:             job.ID,
			IdempotencyKey: job.IdempotencyKey,
			TenantID:       t.ID,
			DatabaseName:   t.DatabaseName,
			OwnerEmail:     job.OwnerEmail,
			Payload:        payload,
		})
		return err
	})
	if err != nil {
		return service.Job{}, mapError(err)
	}
	return toServiceJob(jobRec), nil
}

func (r *PostgresRepository) FindLiveJobByKey(ctx context.Context, key string) (service.Job, error) {
	var rec persistence.ProvisioningJob
	err := r.withDB(ctx, func(db persistence.DB) error {
		var err error
		rec, err = persistence.NewJobStore(db).GetLiveByIdempotencyKey(ctx, key)
		return err
	})
	if err != nil {
		return service.Job{}, mapError(err)
	}
	return toServiceJob(rec), nil
}

func (r *PostgresRepository) FindTenantByDomain(ctx context.Context, domain string) (service.Tenant, error) {
	var rec persistence.TenantRecord
	err := r.withDB(ctx, func(db persistence.DB) error {
		var err error
		rec, err = persistence.NewTenantStore(db).GetByDomain(ctx, domain)
		return err
	})
	if err != nil {
		return service.Tenant{}, mapError(err)
	}
	return toServiceTenant(rec), nil
}

func (r *PostgresRepository) GetTenant(ctx context.Context, id uuid.UUID) (service.Tenant, error) {
	var rec persistence.TenantRecord
	err := r.withDB(ctx, func(db persistence.DB) error {
		var err error
		rec, err = persistence.NewTenantStore(db).Get(ctx, id)
		return err
	})
	if err != nil {
		return service.Tenant{}, mapError(err)
	}
	return toServiceTenant(rec), nil
}

func (r *PostgresRepository) GetJob(ctx context.Context, id uuid.UUID) (service.Job, error) {
	var rec persistence.ProvisioningJob
	err := r.withDB(ctx, func(db persistence.DB) error {
		var err error
		rec, err = persistence.NewJobStore(db).Get(ctx, id)
		return err
	})
	if err != nil {
		return service.Job{}, mapError(err)
	}
	return toServiceJob(rec), nil
}

func (r *PostgresRepository) CancelJob(ctx context.Context, id uuid.UUID) (service.Job, error) {
	var rec persistence.ProvisioningJob
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		tenants := persistence.NewTenantStore(tx)

		var err error
		rec, err = persistence.NewJobStore(tx).UpdateStatus(ctx, id, persistence.JobCancelled)
		if err != nil {
			return err
		}
		if err := tenants.UpdateStatus(ctx, rec.TenantID, persistence.TenantCancelled); err != nil {
			return err
		}
		return tenants.DeleteOwnerSeed(ctx, rec.TenantID)
	})
	if err != nil {
		return service.Job{}, mapError(err)
	}
	return toServiceJob(rec), nil
}

func (r *PostgresRepository) GetOwnerSeed(ctx context.Context, tenantID uuid.UUID) (persistence.OwnerSeed, error) {
	var seed persistence.OwnerSeed
	err := r.withDB(ctx, func(db persistence.DB) error {
		var err error
		seed, err = persistence.NewTenantStore(db).GetOwnerSeed(ctx, tenantID)
		return err
	})
	if err != nil {
		return persistence.OwnerSeed{}, mapError(err)
	}
	return seed, nil
}

func (r *PostgresRepository) TouchJob(ctx context.Context, id uuid.UUID) error {
	return r.withDB(ctx, func(db persistence.DB) error {
		return persistence.NewJobStore(db).Touch(ctx, id)
	})
}

// mapError converts persistence lookups to the service sentinel; conflicts and transition errors pass through.
func mapError(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return service.ErrNotFound
	}
	return err
}

func toServiceTenant(rec persistence.TenantRecord) service.Tenant {
	return service.Tenant{
		ID:            rec.ID,
		Domain:        rec.Domain,
		DatabaseName:  rec.DatabaseName,
		CompanyName:   rec.CompanyName,
		Status:        rec.Status,
		Plan:          rec.SubscriptionPlan,
		SchemaVersion: rec.SchemaVersion,
		CreatedAt:     rec.CreatedAt,
	}
}

func toServiceJob(rec persistence.ProvisioningJob) service.Job {
	return service.Job{
		ID:             rec.ID,
		TenantID:       rec.TenantID,
		IdempotencyKey: rec.IdempotencyKey,
		DatabaseName:   rec.DatabaseName,
		OwnerEmail:     rec.OwnerEmail,
		Status:         rec.Status,
		Progress:       rec.ProgressPercentage,
		ErrorMessage:   rec.ErrorMessage,
		CreatedAt:      rec.CreatedAt,
		CompletedAt:    rec.CompletedAt,
	}
}

var _ service.Repository = (*PostgresRepository)(nil)

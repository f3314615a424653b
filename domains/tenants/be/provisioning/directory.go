package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-agency/platform/go/requesttrace"
)

// Directory is the control-plane state the orchestrator reads and advances.
type Directory interface {
	GetJob(ctx context.Context, id uuid.UUID) (persistence.ProvisioningJob, error)
	GetTenant(ctx context.Context, id uuid.UUID) (persistence.TenantRecord, error)
	Transition(ctx context.Context, id uuid.UUID, status persistence.JobStatus, opts ...persistence.JobUpdateOption) (persistence.ProvisioningJob, error)
	// ActiveDomainHolder returns another active tenant the domain would resolve to, if any.
	ActiveDomainHolder(ctx context.Context, self uuid.UUID, domain string) (*persistence.TenantRecord, error)
	Finalize(ctx context.Context, job persistence.ProvisioningJob, schemaVersion int64, result any) error
	Fail(ctx context.Context, id uuid.UUID, message string, details any) error
}

// JobSweeper is the control-plane view the watchdog scans.
type JobSweeper interface {
	ListCreatedBefore(ctx context.Context, statuses []persistence.JobStatus, before time.Time, limit int) ([]persistence.ProvisioningJob, error)
	ListStale(ctx context.Context, statuses []persistence.JobStatus, before time.Time, limit int) ([]persistence.ProvisioningJob, error)
	Timeout(ctx context.Context, id uuid.UUID) error
}

// ControlPlaneDirectory implements Directory and JobSweeper on the control-plane database.
type ControlPlaneDirectory struct {
	exec *persistence.Executor
	opts persistence.ExecOptions
}

// NewControlPlaneDirectory binds the directory to an executor. Writes are audited as the provisioner.
func NewControlPlaneDirectory(exec *persistence.Executor) *ControlPlaneDirectory {
	if exec == nil {
		panic("control plane directory requires executor")
	}
	return &ControlPlaneDirectory{
		exec: exec,
		opts: persistence.ExecOptions{UserContext: requesttrace.System("provisioner").ActedBy()},
	}
}

func (d *ControlPlaneDirectory) GetJob(ctx context.Context, id uuid.UUID) (persistence.ProvisioningJob, error) {
	var job persistence.ProvisioningJob
	err := d.exec.WithDB(ctx, persistence.ControlPlane, func(db persistence.DB) error {
		var err error
		job, err = persistence.NewJobStore(db).Get(ctx, id)
		return err
	})
	return job, err
}

func (d *ControlPlaneDirectory) GetTenant(ctx context.Context, id uuid.UUID) (persistence.TenantRecord, error) {
	var rec persistence.TenantRecord
	err := d.exec.WithDB(ctx, persistence.ControlPlane, func(db persistence.DB) error {
		var err error
		rec, err = persistence.NewTenantStore(db).Get(ctx, id)
		return err
	})
	return rec, err
}

func (d *ControlPlaneDirectory) Transition(ctx context.Context, id uuid.UUID, status persistence.JobStatus, opts ...persistence.JobUpdateOption) (persistence.ProvisioningJob, error) {
	var job persistence.ProvisioningJob
	err := d.exec.WithTx(ctx, persistence.ControlPlane, d.opts, func(tx pgx.Tx) error {
		var err error
		job, err = persistence.NewJobStore(tx).UpdateStatus(ctx, id, status, opts...)
		return err
	})
	return job, err
}

func (d *ControlPlaneDirectory) ActiveDomainHolder(ctx context.Context, self uuid.UUID, domain string) (*persistence.TenantRecord, error) {
	bare, ok := persistence.BareSubdomain(domain)
	if !ok {
		return nil, fmt.Errorf("domain %q has no valid subdomain", domain)
	}

	var holder *persistence.TenantRecord
	err := d.exec.WithDB(ctx, persistence.ControlPlane, func(db persistence.DB) error {
		candidates, err := persistence.NewTenantStore(db).FindLoginCandidates(ctx, domain, bare)
		if err != nil {
			return err
		}
		for _, c := range candidates {
			if c.ID != self {
				holder = &c
				return nil
			}
		}
		return nil
	})
	return holder, err
}

// Finalize activates the tenant, drops its owner seed and completes the job in one transaction.
func (d *ControlPlaneDirectory) Finalize(ctx context.Context, job persistence.ProvisioningJob, schemaVersion int64, result any) error {
	return d.exec.WithTx(ctx, persistence.ControlPlane, d.opts, func(tx pgx.Tx) error {
		if _, err := persistence.NewJobStore(tx).UpdateStatus(ctx, job.ID, persistence.JobCompleted, persistence.WithResult(result)); err != nil {
			return err
		}
		tenants := persistence.NewTenantStore(tx)
		if err := tenants.Activate(ctx, job.TenantID, schemaVersion); err != nil {
			return fmt.Errorf("activate tenant %s: %w", job.TenantID, err)
		}
		return tenants.DeleteOwnerSeed(ctx, job.TenantID)
	})
}

// Fail marks the job failed; a job that already reached a terminal state is left as is.
func (d *ControlPlaneDirectory) Fail(ctx context.Context, id uuid.UUID, message string, details any) error {
	_, err := d.Transition(ctx, id, persistence.JobFailed, persistence.WithFailure(message, details))
	if errors.Is(err, persistence.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (d *ControlPlaneDirectory) ListCreatedBefore(ctx context.Context, statuses []persistence.JobStatus, before time.Time, limit int) ([]persistence.ProvisioningJob, error) {
	var jobs []persistence.ProvisioningJob
	err := d.exec.WithDB(ctx, persistence.ControlPlane, func(db persistence.DB) error {
		var err error
		jobs, err = persistence.NewJobStore(db).ListCreatedBefore(ctx, statuses, before, limit)
		return err
	})
	return jobs, err
}

func (d *ControlPlaneDirectory) ListStale(ctx context.Context, statuses []persistence.JobStatus, before time.Time, limit int) ([]persistence.ProvisioningJob, error) {
	var jobs []persistence.ProvisioningJob
	err := d.exec.WithDB(ctx, persistence.ControlPlane, func(db persistence.DB) error {
		var err error
		jobs, err = persistence.NewJobStore(db).ListStale(ctx, statuses, before, limit)
		return err
	})
	return jobs, err
}

// Timeout closes a job that never left the queue or validation. The tenant stays pending.
func (d *ControlPlaneDirectory) Timeout(ctx context.Context, id uuid.UUID) error {
	_, err := d.Transition(ctx, id, persistence.JobTimeout,
		persistence.WithFailure("provisioning timed out", map[string]string{"stage": "watchdog"}))
	return err
}

var (
	_ Directory  = (*ControlPlaneDirectory)(nil)
	_ JobSweeper = (*ControlPlaneDirectory)(nil)
)

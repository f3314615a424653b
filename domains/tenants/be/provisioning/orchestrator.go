// Package provisioning creates and seeds tenant databases from provisioning jobs.
//
// Every stage is idempotent, so a job can be re-run from the top after a crash at any
// point. A message for a job that is already terminal is a no-op.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-agency/domains/tenants/be/service"
	"github.com/zenGate-Global/palmyra-agency/platform/go/metrics"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-agency/platform/go/queue"
)

// Stage names recorded in error details and metrics.
const (
	StageValidate          = "validate"
	StageCreateDatabase    = "create_database"
	StageSeedSchema        = "seed_schema"
	StageSeedIdentity      = "seed_identity"
	StageAssignPermissions = "assign_permissions"
	StageFinalize          = "finalize"
)

var (
	// ErrUnknownJob is returned for a message whose job is not in the directory.
	ErrUnknownJob = errors.New("unknown provisioning job")
	// ErrSuperseded is returned when another actor moved the job to a state this run cannot leave.
	ErrSuperseded = errors.New("provisioning job superseded")
)

// ProvisioningError reports the stage a job failed in. The job is already marked failed.
type ProvisioningError struct {
	Stage    string
	TraceRef uuid.UUID
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning stage %s failed (ref %s): %v", e.Stage, e.TraceRef, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// DatabaseCreator creates a database when it does not exist yet.
type DatabaseCreator interface {
	Ensure(ctx context.Context, name string) (bool, error)
}

// Migrator applies the tenant schema and reports the resulting version.
type Migrator interface {
	Up(ctx context.Context, database string) (int64, error)
}

// IdentitySeeder writes the owner identity into a tenant database.
type IdentitySeeder interface {
	SeedOwner(ctx context.Context, database string, owner Owner) (uuid.UUID, error)
	AssignPermissions(ctx context.Context, database string, userID uuid.UUID) error
}

// Invalidator drops cached per-tenant state once a tenant schema changes.
type Invalidator interface {
	Invalidate(database string)
}

type OrchestratorConfig struct {
	Directory Directory
	Databases DatabaseCreator
	Migrator  Migrator
	Identity  IdentitySeeder
	// Invalidator is optional.
	Invalidator Invalidator
	// WorkerID defaults to hostname:pid.
	WorkerID string
	Logger   *zap.Logger
}

// Orchestrator runs provisioning jobs through their stages.
type Orchestrator struct {
	dir         Directory
	databases   DatabaseCreator
	migrator    Migrator
	identity    IdentitySeeder
	invalidator Invalidator
	workerID    string
	logger      *zap.Logger
	now         func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Directory == nil || cfg.Databases == nil || cfg.Migrator == nil || cfg.Identity == nil {
		panic("orchestrator requires directory, database creator, migrator and identity seeder")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = DefaultWorkerID()
	}
	return &Orchestrator{
		dir:         cfg.Directory,
		databases:   cfg.Databases,
		migrator:    cfg.Migrator,
		identity:    cfg.Identity,
		invalidator: cfg.Invalidator,
		workerID:    workerID,
		logger:      logger,
		now:         time.Now,
	}
}

// DefaultWorkerID identifies this process as hostname:pid.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// run carries the state one job accumulates across stages.
type run struct {
	msg     queue.JobMessage
	job     persistence.ProvisioningJob
	tenant  persistence.TenantRecord
	version int64
	ownerID uuid.UUID
	logger  *zap.Logger
}

type stage struct {
	name string
	// enter is the job status recorded before the stage runs; empty keeps the current one.
	enter persistence.JobStatus
	exec  func(ctx context.Context, r *run) error
}

// Run drives the job named by msg to completed or failed.
//
// Any stage error, a tenant database that stays unreachable included, marks the job failed and
// comes back as a *ProvisioningError. ErrUnknownJob and ErrSuperseded mean there is nothing left
// to do for this message. Any other error comes from the control plane before or between stages
// and leaves the job where it stopped so a redelivery can pick it up.
func (o *Orchestrator) Run(ctx context.Context, msg queue.JobMessage) error {
	logger := o.logger.With(
		zap.String("job_id", msg.JobID.String()),
		zap.String("tenant_id", msg.TenantID.String()),
		zap.String("database", msg.DatabaseName),
		zap.String("worker_id", o.workerID),
	)

	job, err := o.dir.GetJob(ctx, msg.JobID)
	if errors.Is(err, persistence.ErrNotFound) {
		logger.Warn("dropping message for unknown provisioning job")
		return ErrUnknownJob
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", msg.JobID, err)
	}
	if job.Status.IsTerminal() {
		logger.Info("provisioning job already finished", zap.String("status", string(job.Status)))
		return nil
	}
	if job.Status != persistence.JobPending {
		logger.Info("restarting interrupted provisioning job", zap.String("status", string(job.Status)))
	}

	job, err = o.dir.Transition(ctx, job.ID, persistence.JobValidating, persistence.WithWorker(o.workerID))
	if err != nil {
		return o.transitionError(msg.JobID, persistence.JobValidating, err)
	}

	r := &run{msg: msg, job: job, logger: logger}
	started := o.now()

	for _, st := range o.stages() {
		if st.enter != "" && st.enter != r.job.Status {
			next, err := o.dir.Transition(ctx, r.job.ID, st.enter)
			if err != nil {
				return o.transitionError(r.job.ID, st.enter, err)
			}
			r.job = next
		}

		begin := o.now()
		if err := st.exec(ctx, r); err != nil {
			metrics.ObserveProvisioningStage(st.name, "error", time.Since(begin))
			return o.fail(ctx, r, st.name, err)
		}
		metrics.ObserveProvisioningStage(st.name, "ok", time.Since(begin))
	}

	metrics.ObserveProvisioningJob(string(persistence.JobCompleted))
	logger.Info("tenant provisioned",
		zap.Int64("schema_version", r.version),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		{name: StageValidate, exec: o.validate},
		{name: StageCreateDatabase, enter: persistence.JobCreatingDatabase, exec: o.createDatabase},
		{name: StageSeedSchema, enter: persistence.JobSeedingData, exec: o.seedSchema},
		{name: StageSeedIdentity, exec: o.seedIdentity},
		{name: StageAssignPermissions, enter: persistence.JobAssigningPermissions, exec: o.assignPermissions},
		{name: StageFinalize, exec: o.finalize},
	}
}

func (o *Orchestrator) validate(ctx context.Context, r *run) error {
	tenant, err := o.dir.GetTenant(ctx, r.job.TenantID)
	if err != nil {
		return fmt.Errorf("load tenant %s: %w", r.job.TenantID, err)
	}
	r.tenant = tenant

	fields := service.FieldErrors{}
	if r.msg.TenantID != r.job.TenantID || r.msg.DatabaseName != r.job.DatabaseName {
		fields["message"] = append(fields["message"], "does not match the stored job")
	}
	if tenant.Status != persistence.TenantPending {
		fields["tenant"] = append(fields["tenant"], fmt.Sprintf("is %s, not pending", tenant.Status))
	}

	sub, ok := persistence.BareSubdomain(tenant.Domain)
	if !ok {
		fields["subdomain"] = append(fields["subdomain"], "must match [a-z0-9-]+")
	} else if want, err := persistence.DatabaseNameForSubdomain(sub); err != nil {
		fields["subdomain"] = append(fields["subdomain"], err.Error())
	} else if want != r.job.DatabaseName {
		fields["databaseName"] = append(fields["databaseName"], "does not match the subdomain")
	}
	if err := persistence.ValidateDatabaseName(r.job.DatabaseName); err != nil {
		fields["databaseName"] = append(fields["databaseName"], err.Error())
	}
	if len(fields) > 0 {
		return &service.ValidationError{Fields: fields}
	}

	holder, err := o.dir.ActiveDomainHolder(ctx, tenant.ID, tenant.Domain)
	if err != nil {
		return fmt.Errorf("check domain %s: %w", tenant.Domain, err)
	}
	if holder != nil {
		return &service.ValidationError{Fields: service.FieldErrors{
			"subdomain": {"is already taken"},
		}}
	}
	return nil
}

func (o *Orchestrator) createDatabase(ctx context.Context, r *run) error {
	created, err := o.databases.Ensure(ctx, r.job.DatabaseName)
	if err != nil {
		return err
	}
	if !created {
		r.logger.Info("tenant database already exists")
	}
	return nil
}

func (o *Orchestrator) seedSchema(ctx context.Context, r *run) error {
	version, err := o.migrator.Up(ctx, r.job.DatabaseName)
	if err != nil {
		return err
	}
	r.version = version
	return nil
}

func (o *Orchestrator) seedIdentity(ctx context.Context, r *run) error {
	id, err := o.identity.SeedOwner(ctx, r.job.DatabaseName, Owner{
		Email:        r.msg.OwnerEmail,
		FullName:     r.msg.OwnerFullName,
		PasswordHash: r.msg.OwnerPasswordHash,
	})
	if err != nil {
		return err
	}
	r.ownerID = id
	return nil
}

func (o *Orchestrator) assignPermissions(ctx context.Context, r *run) error {
	return o.identity.AssignPermissions(ctx, r.job.DatabaseName, r.ownerID)
}

func (o *Orchestrator) finalize(ctx context.Context, r *run) error {
	result := map[string]any{
		"tenantId":      r.tenant.ID,
		"domain":        r.tenant.Domain,
		"databaseName":  r.job.DatabaseName,
		"schemaVersion": r.version,
		"ownerUserId":   r.ownerID,
	}
	if err := o.dir.Finalize(ctx, r.job, r.version, result); err != nil {
		return err
	}
	if o.invalidator != nil {
		o.invalidator.Invalidate(r.job.DatabaseName)
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, r *run, stageName string, cause error) error {
	traceRef := uuid.New()
	r.logger.Error("provisioning stage failed",
		zap.String("stage", stageName),
		zap.String("trace_ref", traceRef.String()),
		zap.Error(cause),
		zap.Stack("stack"),
	)

	details := map[string]string{
		"stage":    stageName,
		"error":    cause.Error(),
		"traceRef": traceRef.String(),
	}
	if err := o.dir.Fail(ctx, r.job.ID, failureMessage(stageName, cause), details); err != nil {
		return fmt.Errorf("record failure of job %s: %w", r.job.ID, err)
	}
	metrics.ObserveProvisioningJob(string(persistence.JobFailed))
	return &ProvisioningError{Stage: stageName, TraceRef: traceRef, Err: cause}
}

func (o *Orchestrator) transitionError(id uuid.UUID, to persistence.JobStatus, err error) error {
	if errors.Is(err, persistence.ErrInvalidTransition) || errors.Is(err, persistence.ErrNotFound) {
		o.logger.Info("provisioning job moved on without this run",
			zap.String("job_id", id.String()), zap.String("target", string(to)), zap.Error(err))
		return ErrSuperseded
	}
	return fmt.Errorf("move job %s to %s: %w", id, to, err)
}

// failureMessage is the text a polling caller sees; internal errors stay in error_details.
func failureMessage(stageName string, err error) string {
	var verr *service.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Sprintf("provisioning failed during %s", stageName)
	}

	fields := make([]string, 0, len(verr.Fields))
	for f := range verr.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+" "+strings.Join(verr.Fields[f], ", "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

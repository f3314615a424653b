package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// JobStatus is a provisioning job state.
type JobStatus string

const (
	JobPending              JobStatus = "pending"
	JobValidating           JobStatus = "validating"
	JobCreatingDatabase     JobStatus = "creating_database"
	JobSeedingData          JobStatus = "seeding_data"
	JobAssigningPermissions JobStatus = "assigning_permissions"
	JobCompleted            JobStatus = "completed"
	JobFailed               JobStatus = "failed"
	JobCancelled            JobStatus = "cancelled"
	JobTimeout              JobStatus = "timeout"
)

// IsTerminal reports whether no further transition may leave s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTimeout:
		return true
	}
	return false
}

// Progress is the completion percentage recorded when a job enters s.
// Terminal failure states keep the progress already reached.
func (s JobStatus) Progress() (int, bool) {
	switch s {
	case JobPending:
		return 0, true
	case JobValidating:
		return 10, true
	case JobCreatingDatabase:
		return 30, true
	case JobSeedingData:
		return 50, true
	case JobAssigningPermissions:
		return 70, true
	case JobCompleted:
		return 100, true
	}
	return 0, false
}

// NextProgress is the percentage a job at current shows once it enters s. A restarted job
// re-enters earlier states, so the value never drops below what a poller already saw.
func NextProgress(current int, s JobStatus) int {
	if p, ok := s.Progress(); ok && p > current {
		return p
	}
	return current
}

// validTransitions lists the forward path plus the exits every in-flight job has.
// Moving back to validating restarts a re-delivered job from the top.
var validTransitions = map[JobStatus][]JobStatus{
	JobPending:              {JobValidating, JobFailed, JobCancelled, JobTimeout},
	JobValidating:           {JobValidating, JobCreatingDatabase, JobFailed, JobCancelled, JobTimeout},
	JobCreatingDatabase:     {JobValidating, JobSeedingData, JobFailed},
	JobSeedingData:          {JobValidating, JobAssigningPermissions, JobFailed},
	JobAssigningPermissions: {JobValidating, JobCompleted, JobFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to JobStatus) bool {
	return slices.Contains(validTransitions[from], to)
}

// ErrInvalidTransition is returned for a status change outside validTransitions.
var ErrInvalidTransition = errors.New("invalid job status transition")

// ProvisioningJob is a row of provisioning_jobs.
type ProvisioningJob struct {
	ID                 uuid.UUID       `db:"id"`
	IdempotencyKey     *string         `db:"idempotency_key"`
	Status             JobStatus       `db:"status"`
	TenantID           uuid.UUID       `db:"tenant_id"`
	DatabaseName       string          `db:"database_name"`
	OwnerEmail         string          `db:"owner_email"`
	Payload            json.RawMessage `db:"payload"`
	Result             json.RawMessage `db:"result"`
	ErrorMessage       *string         `db:"error_message"`
	ErrorDetails       json.RawMessage `db:"error_details"`
	ProgressPercentage int             `db:"progress_percentage"`
	WorkerID           *string         `db:"worker_id"`
	CreatedAt          time.Time       `db:"created_at"`
	StartedAt          *time.Time      `db:"started_at"`
	CompletedAt        *time.Time      `db:"completed_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

// JobTransition is one entry of the job state history.
type JobTransition struct {
	Status             JobStatus `db:"status"`
	ProgressPercentage int       `db:"progress_percentage"`
	RecordedAt         time.Time `db:"recorded_at"`
}

const jobColumns = `id, idempotency_key, status, tenant_id, database_name, owner_email, payload, result,
        error_message, error_details, progress_percentage, worker_id, created_at, started_at, completed_at, updated_at`

// JobStore provides access to provisioning_jobs and provisioning_job_transitions.
type JobStore struct {
	q Querier
}

// NewJobStore binds a store to a pool or an open transaction.
func NewJobStore(q Querier) *JobStore {
	if q == nil {
		panic("JobStore requires querier")
	}
	return &JobStore{q: q}
}

// Create inserts a pending job and its first transition. A live job holding the
// same idempotency key maps to ErrConflict.
func (s *JobStore) Create(ctx context.Context, job ProvisioningJob) (ProvisioningJob, error) {
	if job.ID == uuid.Nil {
		return ProvisioningJob{}, errors.New("job id is required")
	}
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage(`{}`)
	}

	row := s.q.QueryRow(ctx, `
        INSERT INTO provisioning_jobs (id, idempotency_key, status, tenant_id, database_name, owner_email, payload, progress_percentage)
        VALUES ($1, $2, 'pending', $3, $4, $5, $6, 0)
        RETURNING `+jobColumns,
		job.ID, job.IdempotencyKey, job.TenantID, job.DatabaseName, job.OwnerEmail, job.Payload,
	)
	out, err := scanJob(row)
	if err != nil {
		return ProvisioningJob{}, mapConflict(err)
	}

	if err := s.appendTransition(ctx, out.ID, JobPending, 0); err != nil {
		return ProvisioningJob{}, err
	}
	return out, nil
}

// Get fetches a job by id.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (ProvisioningJob, error) {
	return scanJob(s.q.QueryRow(ctx, `SELECT `+jobColumns+` FROM provisioning_jobs WHERE id = $1`, id))
}

// GetLiveByIdempotencyKey returns the non-failed job holding key, if any.
func (s *JobStore) GetLiveByIdempotencyKey(ctx context.Context, key string) (ProvisioningJob, error) {
	return scanJob(s.q.QueryRow(ctx, `
        SELECT `+jobColumns+` FROM provisioning_jobs
        WHERE idempotency_key = $1 AND status NOT IN ('failed', 'cancelled', 'timeout')`, key))
}

// GetLiveByTenant returns the most recent non-failed job of a tenant, if any.
func (s *JobStore) GetLiveByTenant(ctx context.Context, tenantID uuid.UUID) (ProvisioningJob, error) {
	return scanJob(s.q.QueryRow(ctx, `
        SELECT `+jobColumns+` FROM provisioning_jobs
        WHERE tenant_id = $1 AND status NOT IN ('failed', 'cancelled', 'timeout')
        ORDER BY created_at DESC
        LIMIT 1`, tenantID))
}

// ListStale returns jobs in any of statuses whose last update is older than before.
func (s *JobStore) ListStale(ctx context.Context, statuses []JobStatus, before time.Time, limit int) ([]ProvisioningJob, error) {
	return s.listBefore(ctx, "updated_at", statuses, before, limit)
}

// ListCreatedBefore returns jobs in any of statuses created before the cutoff.
func (s *JobStore) ListCreatedBefore(ctx context.Context, statuses []JobStatus, before time.Time, limit int) ([]ProvisioningJob, error) {
	return s.listBefore(ctx, "created_at", statuses, before, limit)
}

// listBefore only receives the column names hard-coded by its callers.
func (s *JobStore) listBefore(ctx context.Context, column string, statuses []JobStatus, before time.Time, limit int) ([]ProvisioningJob, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}

	query := fmt.Sprintf(`
        SELECT %s FROM provisioning_jobs
        WHERE status = ANY($1) AND %s < $2
        ORDER BY %s
        LIMIT $3`, jobColumns, column, column)

	rows, err := s.q.Query(ctx, query, names, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by %s: %w", column, err)
	}
	defer rows.Close()

	var jobs []ProvisioningJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Transitions returns the recorded state history of a job, oldest first.
func (s *JobStore) Transitions(ctx context.Context, id uuid.UUID) ([]JobTransition, error) {
	rows, err := s.q.Query(ctx, `
        SELECT status, progress_percentage, recorded_at
        FROM provisioning_job_transitions WHERE job_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list job transitions: %w", err)
	}
	defer rows.Close()

	var out []JobTransition
	for rows.Next() {
		var tr JobTransition
		if err := rows.Scan(&tr.Status, &tr.ProgressPercentage, &tr.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

type jobUpdateParams struct {
	workerID     *string
	errorMessage *string
	errorDetails any
	result       any
}

// JobUpdateOption sets optional columns on a status change.
type JobUpdateOption func(*jobUpdateParams)

// WithWorker records the worker claiming the job; started_at is set alongside.
func WithWorker(id string) JobUpdateOption {
	return func(p *jobUpdateParams) { p.workerID = &id }
}

// WithFailure records the error message and structured details of a failed job.
func WithFailure(message string, details any) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.errorMessage = &message
		p.errorDetails = details
	}
}

// WithResult records the result payload of a completed job.
func WithResult(result any) JobUpdateOption {
	return func(p *jobUpdateParams) { p.result = result }
}

// UpdateStatus moves a job to status after checking validTransitions against the
// locked current row, and appends the transition history entry. Callers run it in
// a transaction so both writes land together.
func (s *JobStore) UpdateStatus(ctx context.Context, id uuid.UUID, status JobStatus, opts ...JobUpdateOption) (ProvisioningJob, error) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var (
		current  JobStatus
		progress int
	)
	err := s.q.QueryRow(ctx, `SELECT status, progress_percentage FROM provisioning_jobs WHERE id = $1 FOR UPDATE`, id).
		Scan(&current, &progress)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProvisioningJob{}, ErrNotFound
	}
	if err != nil {
		return ProvisioningJob{}, fmt.Errorf("get job status: %w", err)
	}

	if !CanTransition(current, status) {
		return ProvisioningJob{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	progress = NextProgress(progress, status)

	query := `UPDATE provisioning_jobs SET status = $2, progress_percentage = $3, updated_at = NOW()`
	args := []any{id, status, progress}
	argIdx := 4

	if params.workerID != nil {
		query += fmt.Sprintf(", worker_id = $%d, started_at = NOW()", argIdx)
		args = append(args, *params.workerID)
		argIdx++
	}
	if status.IsTerminal() {
		query += ", completed_at = NOW()"
	}
	if params.errorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.errorMessage)
		argIdx++
	}
	if params.errorDetails != nil {
		raw, err := json.Marshal(params.errorDetails)
		if err != nil {
			return ProvisioningJob{}, fmt.Errorf("encode error details: %w", err)
		}
		query += fmt.Sprintf(", error_details = $%d", argIdx)
		args = append(args, raw)
		argIdx++
	}
	if params.result != nil {
		raw, err := json.Marshal(params.result)
		if err != nil {
			return ProvisioningJob{}, fmt.Errorf("encode result: %w", err)
		}
		query += fmt.Sprintf(", result = $%d", argIdx)
		args = append(args, raw)
	}

	query += " WHERE id = $1 RETURNING " + jobColumns

	out, err := scanJob(s.q.QueryRow(ctx, query, args...))
	if err != nil {
		return ProvisioningJob{}, fmt.Errorf("update job status: %w", err)
	}

	if err := s.appendTransition(ctx, id, status, progress); err != nil {
		return ProvisioningJob{}, err
	}
	return out, nil
}

// Touch bumps updated_at so the watchdog does not requeue a job that was just re-enqueued.
func (s *JobStore) Touch(ctx context.Context, id uuid.UUID) error {
	if _, err := s.q.Exec(ctx, `UPDATE provisioning_jobs SET updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return nil
}

func (s *JobStore) appendTransition(ctx context.Context, id uuid.UUID, status JobStatus, progress int) error {
	_, err := s.q.Exec(ctx, `
        INSERT INTO provisioning_job_transitions (job_id, status, progress_percentage) VALUES ($1, $2, $3)`,
		id, status, progress)
	if err != nil {
		return fmt.Errorf("record job transition: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (ProvisioningJob, error) {
	var job ProvisioningJob
	var payload, result, details []byte
	if err := row.Scan(&job.ID, &job.IdempotencyKey, &job.Status, &job.TenantID, &job.DatabaseName, &job.OwnerEmail,
		&payload, &result, &job.ErrorMessage, &details, &job.ProgressPercentage, &job.WorkerID,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProvisioningJob{}, ErrNotFound
		}
		return ProvisioningJob{}, err
	}
	job.Payload = payload
	job.Result = result
	job.ErrorDetails = details
	return job, nil
}

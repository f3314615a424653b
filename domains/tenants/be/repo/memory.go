package repo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/palmyra-agency/domains/tenants/be/service"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
)

// MemoryRepository is an in-memory implementation for tests and local development.
// It enforces the same uniqueness rules as the control-plane schema.
type MemoryRepository struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]service.Tenant
	jobs    map[uuid.UUID]service.Job
	seeds   map[uuid.UUID]persistence.OwnerSeed
	now     func() time.Time
}

// NewMemoryRepository constructs a MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tenants: make(map[uuid.UUID]service.Tenant),
		jobs:    make(map[uuid.UUID]service.Job),
		seeds:   make(map[uuid.UUID]persistence.OwnerSeed),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) CreateSignup(ctx context.Context, rec service.SignupRecord) (service.Tenant, service.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tenants {
		if strings.EqualFold(t.Domain, rec.Tenant.Domain) || t.DatabaseName == rec.Tenant.DatabaseName {
			return service.Tenant{}, service.Job{}, persistence.ErrConflict
		}
	}
	if rec.Job.IdempotencyKey != nil {
		if _, ok := r.liveByKeyLocked(*rec.Job.IdempotencyKey); ok {
			return service.Tenant{}, service.Job{}, persistence.ErrConflict
		}
	}

	t := rec.Tenant
	t.Status = persistence.TenantPending
	t.CreatedAt = r.now()
	job := r.newJobLocked(rec.Job)

	r.tenants[t.ID] = t
	r.jobs[job.ID] = job
	r.seeds[t.ID] = rec.Seed
	return t, job, nil
}

func (r *MemoryRepository) RetrySignup(ctx context.Context, job service.Job, seed persistence.OwnerSeed) (service.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tenants[job.TenantID]
	if !ok {
		return service.Job{}, service.ErrNotFound
	}
	if t.Status != persistence.TenantPending {
		return service.Job{}, persistence.ErrConflict
	}
	for _, j := range r.jobs {
		if j.TenantID == t.ID && isLive(j.Status) {
			return service.Job{}, persistence.ErrConflict
		}
	}
	if job.IdempotencyKey != nil {
		if _, ok := r.liveByKeyLocked(*job.IdempotencyKey); ok {
			return service.Job{}, persistence.ErrConflict
		}
	}

	created := r.newJobLocked(job)
	r.jobs[created.ID] = created
	r.seeds[t.ID] = seed
	return created, nil
}

func (r *MemoryRepository) FindLiveJobByKey(ctx context.Context, key string) (service.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if job, ok := r.liveByKeyLocked(key); ok {
		return job, nil
	}
	return service.Job{}, service.ErrNotFound
}

func (r *MemoryRepository) FindTenantByDomain(ctx context.Context, domain string) (service.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tenants {
		if strings.EqualFold(t.Domain, strings.TrimSpace(domain)) {
			return t, nil
		}
	}
	return service.Tenant{}, service.ErrNotFound
}

func (r *MemoryRepository) GetTenant(ctx context.Context, id uuid.UUID) (service.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return service.Tenant{}, service.ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepository) GetJob(ctx context.Context, id uuid.UUID) (service.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return service.Job{}, service.ErrNotFound
	}
	return job, nil
}

func (r *MemoryRepository) CancelJob(ctx context.Context, id uuid.UUID) (service.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return service.Job{}, service.ErrNotFound
	}
	if !persistence.CanTransition(job.Status, persistence.JobCancelled) {
		return service.Job{}, fmt.Errorf("%w: %s -> %s", persistence.ErrInvalidTransition, job.Status, persistence.JobCancelled)
	}

	now := r.now()
	job.Status = persistence.JobCancelled
	job.CompletedAt = &now
	r.jobs[id] = job

	if t, ok := r.tenants[job.TenantID]; ok {
		t.Status = persistence.TenantCancelled
		r.tenants[t.ID] = t
	}
	delete(r.seeds, job.TenantID)
	return job, nil
}

func (r *MemoryRepository) GetOwnerSeed(ctx context.Context, tenantID uuid.UUID) (persistence.OwnerSeed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seed, ok := r.seeds[tenantID]
	if !ok {
		return persistence.OwnerSeed{}, service.ErrNotFound
	}
	return seed, nil
}

func (r *MemoryRepository) TouchJob(ctx context.Context, id uuid.UUID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.jobs[id]; !ok {
		return service.ErrNotFound
	}
	return nil
}

// SetJobStatus forces a job status, standing in for the worker in tests.
func (r *MemoryRepository) SetJobStatus(id uuid.UUID, status persistence.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job := r.jobs[id]
	job.Status = status
	if p, ok := status.Progress(); ok {
		job.Progress = p
	}
	r.jobs[id] = job
}

// SetTenantStatus forces a tenant status.
func (r *MemoryRepository) SetTenantStatus(id uuid.UUID, status persistence.TenantStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenants[id]
	t.Status = status
	r.tenants[id] = t
}

func (r *MemoryRepository) liveByKeyLocked(key string) (service.Job, bool) {
	for _, j := range r.jobs {
		if j.IdempotencyKey != nil && *j.IdempotencyKey == key && isLive(j.Status) {
			return j, true
		}
	}
	return service.Job{}, false
}

func (r *MemoryRepository) newJobLocked(job service.Job) service.Job {
	job.Status = persistence.JobPending
	job.Progress = 0
	job.CreatedAt = r.now()
	job.CompletedAt = nil
	job.ErrorMessage = nil
	return job
}

func isLive(status persistence.JobStatus) bool {
	switch status {
	case persistence.JobFailed, persistence.JobCancelled, persistence.JobTimeout:
		return false
	}
	return true
}

var _ service.Repository = (*MemoryRepository)(nil)

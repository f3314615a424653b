package provisioning_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/palmyra-agency/domains/tenants/be/provisioning"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-agency/platform/go/queue"
)

type transition struct {
	Status   persistence.JobStatus
	Progress int
}

// fakeDirectory enforces the same transition table as the job store.
type fakeDirectory struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]persistence.ProvisioningJob
	tenants     map[uuid.UUID]persistence.TenantRecord
	seeds       map[uuid.UUID]bool
	history     map[uuid.UUID][]transition
	holder      *persistence.TenantRecord
	afterChange func(id uuid.UUID, status persistence.JobStatus)
	getErr      error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		jobs:    map[uuid.UUID]persistence.ProvisioningJob{},
		tenants: map[uuid.UUID]persistence.TenantRecord{},
		seeds:   map[uuid.UUID]bool{},
		history: map[uuid.UUID][]transition{},
	}
}

// addSignup stores a pending tenant and job for subdomain and returns the queue message.
func (d *fakeDirectory) addSignup(sub string) queue.JobMessage {
	d.mu.Lock()
	defer d.mu.Unlock()

	dbName, err := persistence.DatabaseNameForSubdomain(sub)
	if err != nil {
		panic(err)
	}
	tenant := persistence.TenantRecord{
		ID:           uuid.New(),
		Domain:       sub + ".erp.test",
		DatabaseName: dbName,
		Status:       persistence.TenantPending,
		CreatedAt:    time.Now(),
	}
	job := persistence.ProvisioningJob{
		ID:           uuid.New(),
		Status:       persistence.JobPending,
		TenantID:     tenant.ID,
		DatabaseName: dbName,
		OwnerEmail:   "a@" + sub + ".test",
		CreatedAt:    time.Now(),
	}
	d.tenants[tenant.ID] = tenant
	d.jobs[job.ID] = job
	d.seeds[tenant.ID] = true
	d.history[job.ID] = []transition{{Status: persistence.JobPending}}

	return queue.JobMessage{
		JobID:             job.ID,
		TenantID:          tenant.ID,
		DatabaseName:      dbName,
		OwnerEmail:        job.OwnerEmail,
		OwnerFullName:     "Ada Owner",
		OwnerPasswordHash: "$argon2id$stub",
	}
}

func (d *fakeDirectory) GetJob(_ context.Context, id uuid.UUID) (persistence.ProvisioningJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.getErr != nil {
		return persistence.ProvisioningJob{}, d.getErr
	}
	job, ok := d.jobs[id]
	if !ok {
		return persistence.ProvisioningJob{}, persistence.ErrNotFound
	}
	return job, nil
}

func (d *fakeDirectory) GetTenant(_ context.Context, id uuid.UUID) (persistence.TenantRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[id]
	if !ok {
		return persistence.TenantRecord{}, persistence.ErrNotFound
	}
	return t, nil
}

func (d *fakeDirectory) Transition(_ context.Context, id uuid.UUID, status persistence.JobStatus, opts ...persistence.JobUpdateOption) (persistence.ProvisioningJob, error) {
	d.mu.Lock()
	job, err := d.transitionLocked(id, status)
	d.mu.Unlock()
	if err == nil && d.afterChange != nil {
		d.afterChange(id, status)
	}
	return job, err
}

func (d *fakeDirectory) transitionLocked(id uuid.UUID, status persistence.JobStatus) (persistence.ProvisioningJob, error) {
	job, ok := d.jobs[id]
	if !ok {
		return persistence.ProvisioningJob{}, persistence.ErrNotFound
	}
	if !persistence.CanTransition(job.Status, status) {
		return persistence.ProvisioningJob{}, fmt.Errorf("%w: %s -> %s", persistence.ErrInvalidTransition, job.Status, status)
	}
	job.Status = status
	job.ProgressPercentage = persistence.NextProgress(job.ProgressPercentage, status)
	d.jobs[id] = job
	d.history[id] = append(d.history[id], transition{Status: status, Progress: job.ProgressPercentage})
	return job, nil
}

func (d *fakeDirectory) ActiveDomainHolder(_ context.Context, self uuid.UUID, _ string) (*persistence.TenantRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.holder != nil && d.holder.ID != self {
		h := *d.holder
		return &h, nil
	}
	return nil, nil
}

func (d *fakeDirectory) Finalize(_ context.Context, job persistence.ProvisioningJob, schemaVersion int64, result any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	updated, err := d.transitionLocked(job.ID, persistence.JobCompleted)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	updated.Result = raw
	d.jobs[job.ID] = updated

	t := d.tenants[job.TenantID]
	t.Status = persistence.TenantActive
	t.IsActive = true
	t.SchemaVersion = schemaVersion
	d.tenants[job.TenantID] = t
	delete(d.seeds, job.TenantID)
	return nil
}

func (d *fakeDirectory) Fail(_ context.Context, id uuid.UUID, message string, details any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, err := d.transitionLocked(id, persistence.JobFailed)
	if err != nil {
		return nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return err
	}
	job.ErrorMessage = &message
	job.ErrorDetails = raw
	d.jobs[id] = job
	return nil
}

func (d *fakeDirectory) statuses(id uuid.UUID) []persistence.JobStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]persistence.JobStatus, 0, len(d.history[id]))
	for _, tr := range d.history[id] {
		out = append(out, tr.Status)
	}
	return out
}

func (d *fakeDirectory) job(id uuid.UUID) persistence.ProvisioningJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jobs[id]
}

func (d *fakeDirectory) tenant(id uuid.UUID) persistence.TenantRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tenants[id]
}

// fakeDatabases counts CREATE DATABASE executions per name.
type fakeDatabases struct {
	mu      sync.Mutex
	created map[string]int
	calls   int
	err     error
}

func (f *fakeDatabases) Ensure(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	if f.created == nil {
		f.created = map[string]int{}
	}
	if f.created[name] > 0 {
		return false, nil
	}
	f.created[name]++
	return true, nil
}

// fakeMigrator fails with the queued errors first, then succeeds.
type fakeMigrator struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	version int64
}

func (f *fakeMigrator) Up(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return 0, err
	}
	if f.version == 0 {
		f.version = 2
	}
	return f.version, nil
}

type fakeIdentity struct {
	mu        sync.Mutex
	users     map[string]map[string]uuid.UUID
	hashes    map[uuid.UUID]string
	roles     map[uuid.UUID][]string
	confirmed map[uuid.UUID]bool
	seedErr   error
	grantErr  error
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		users:     map[string]map[string]uuid.UUID{},
		hashes:    map[uuid.UUID]string{},
		roles:     map[uuid.UUID][]string{},
		confirmed: map[uuid.UUID]bool{},
	}
}

func (f *fakeIdentity) SeedOwner(_ context.Context, database string, owner provisioning.Owner) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seedErr != nil {
		return uuid.Nil, f.seedErr
	}
	if f.users[database] == nil {
		f.users[database] = map[string]uuid.UUID{}
	}
	if id, ok := f.users[database][owner.Email]; ok {
		return id, nil
	}
	id := uuid.New()
	f.users[database][owner.Email] = id
	f.hashes[id] = owner.PasswordHash
	return id, nil
}

func (f *fakeIdentity) AssignPermissions(_ context.Context, _ string, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grantErr != nil {
		return f.grantErr
	}
	for _, r := range f.roles[userID] {
		if r == provisioning.OwnerRole {
			f.confirmed[userID] = true
			return nil
		}
	}
	f.roles[userID] = append(f.roles[userID], provisioning.OwnerRole)
	f.confirmed[userID] = true
	return nil
}

func (f *fakeIdentity) userCount(database string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users[database])
}

type fakeInvalidator struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeInvalidator) Invalidate(database string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, database)
}

package persistence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestControlPlaneStoresLifecycle(t *testing.T) {
	exec := mustTestExecutor(t)
	ctx := context.Background()

	// Bootstrapping twice is a no-op.
	require.NoError(t, BootstrapControlPlane(ctx, exec))

	tenantID := uuid.New()
	jobID := uuid.New()
	domain := "acme-" + uuid.NewString()[:8]
	dbName, err := DatabaseNameForSubdomain(domain)
	require.NoError(t, err)
	key := "signup:" + domain

	err = exec.WithTx(ctx, ControlPlane, ExecOptions{}, func(tx pgx.Tx) error {
		rec, err := NewTenantStore(tx).Create(ctx, TenantRecord{
			ID:           tenantID,
			Domain:       domain,
			DatabaseName: dbName,
			CompanyName:  "Acme",
		})
		if err != nil {
			return err
		}
		require.Equal(t, TenantPending, rec.Status)
		require.False(t, rec.IsActive)

		if err := NewTenantStore(tx).PutOwnerSeed(ctx, OwnerSeed{
			TenantID: tenantID, Email: "a@acme.test", PasswordHash: "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		}); err != nil {
			return err
		}

		_, err = NewJobStore(tx).Create(ctx, ProvisioningJob{
			ID: jobID, IdempotencyKey: &key, TenantID: tenantID, DatabaseName: dbName, OwnerEmail: "a@acme.test",
		})
		return err
	})
	require.NoError(t, err)

	err = exec.WithDB(ctx, ControlPlane, func(db DB) error {
		tenants := NewTenantStore(db)
		jobs := NewJobStore(db)

		_, err := tenants.Create(ctx, TenantRecord{ID: uuid.New(), Domain: domain, DatabaseName: "tenant_other_" + uuid.NewString()[:4]})
		require.ErrorIs(t, err, ErrConflict)

		_, err = jobs.Create(ctx, ProvisioningJob{
			ID: uuid.New(), IdempotencyKey: &key, TenantID: tenantID, DatabaseName: dbName, OwnerEmail: "a@acme.test",
		})
		require.ErrorIs(t, err, ErrConflict, "a live job already holds the key")

		live, err := jobs.GetLiveByIdempotencyKey(ctx, key)
		require.NoError(t, err)
		require.Equal(t, jobID, live.ID)

		for _, status := range []JobStatus{JobValidating, JobCreatingDatabase, JobSeedingData, JobAssigningPermissions} {
			_, err := jobs.UpdateStatus(ctx, jobID, status, WithWorker("host:1"))
			require.NoError(t, err)
		}

		_, err = jobs.UpdateStatus(ctx, jobID, JobPending)
		require.ErrorIs(t, err, ErrInvalidTransition)

		done, err := jobs.UpdateStatus(ctx, jobID, JobCompleted, WithResult(map[string]any{"databaseName": dbName}))
		require.NoError(t, err)
		require.Equal(t, 100, done.ProgressPercentage)
		require.NotNil(t, done.CompletedAt)
		require.NotNil(t, done.StartedAt)
		var result map[string]any
		require.NoError(t, json.Unmarshal(done.Result, &result))
		require.Equal(t, dbName, result["databaseName"])

		history, err := jobs.Transitions(ctx, jobID)
		require.NoError(t, err)
		var statuses []JobStatus
		var progress []int
		for _, tr := range history {
			statuses = append(statuses, tr.Status)
			progress = append(progress, tr.ProgressPercentage)
		}
		require.Equal(t, []JobStatus{JobPending, JobValidating, JobCreatingDatabase, JobSeedingData, JobAssigningPermissions, JobCompleted}, statuses)
		require.Equal(t, []int{0, 10, 30, 50, 70, 100}, progress)

		require.NoError(t, tenants.Activate(ctx, tenantID, 2))
		require.NoError(t, tenants.DeleteOwnerSeed(ctx, tenantID))
		_, err = tenants.GetOwnerSeed(ctx, tenantID)
		require.ErrorIs(t, err, ErrNotFound)

		candidates, err := tenants.FindLoginCandidates(ctx, domain+".erp.test", domain)
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		require.Equal(t, int64(2), candidates[0].SchemaVersion)
		return nil
	})
	require.NoError(t, err)
}

func TestJobStoreRestartKeepsProgress(t *testing.T) {
	exec := mustTestExecutor(t)
	ctx := context.Background()

	tenantID := uuid.New()
	jobID := uuid.New()
	domain := "restart-" + uuid.NewString()[:8]
	dbName, err := DatabaseNameForSubdomain(domain)
	require.NoError(t, err)

	err = exec.WithTx(ctx, ControlPlane, ExecOptions{}, func(tx pgx.Tx) error {
		if _, err := NewTenantStore(tx).Create(ctx, TenantRecord{ID: tenantID, Domain: domain, DatabaseName: dbName}); err != nil {
			return err
		}
		_, err := NewJobStore(tx).Create(ctx, ProvisioningJob{ID: jobID, TenantID: tenantID, DatabaseName: dbName, OwnerEmail: "a@restart.test"})
		return err
	})
	require.NoError(t, err)

	err = exec.WithDB(ctx, ControlPlane, func(db DB) error {
		jobs := NewJobStore(db)
		for _, status := range []JobStatus{JobValidating, JobCreatingDatabase, JobSeedingData} {
			_, err := jobs.UpdateStatus(ctx, jobID, status)
			require.NoError(t, err)
		}

		// A redelivered message restarts the job from validating.
		restarted, err := jobs.UpdateStatus(ctx, jobID, JobValidating)
		require.NoError(t, err)
		require.Equal(t, JobValidating, restarted.Status)
		require.Equal(t, 50, restarted.ProgressPercentage)

		again, err := jobs.UpdateStatus(ctx, jobID, JobCreatingDatabase)
		require.NoError(t, err)
		require.Equal(t, 50, again.ProgressPercentage)

		history, err := jobs.Transitions(ctx, jobID)
		require.NoError(t, err)
		var progress []int
		for _, tr := range history {
			progress = append(progress, tr.ProgressPercentage)
		}
		require.Equal(t, []int{0, 10, 30, 50, 50, 50}, progress)
		return nil
	})
	require.NoError(t, err)
}

func TestLockoutStoreCountsInsideWindow(t *testing.T) {
	exec := mustTestExecutor(t)
	ctx := context.Background()
	subject := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Second)

	window := func(at time.Time) FailureWindow {
		return FailureWindow{Now: at, WindowStart: at.Add(-15 * time.Minute), LockUntil: at.Add(15 * time.Minute), MaxFailures: 3}
	}

	err := exec.WithDB(ctx, ControlPlane, func(db DB) error {
		store := NewLockoutStore(db)

		st, err := store.RegisterFailure(ctx, PlatformScope, subject, window(now))
		require.NoError(t, err)
		require.Equal(t, 1, st.FailedCount)
		require.Nil(t, st.LockedUntil)

		_, err = store.RegisterFailure(ctx, PlatformScope, subject, window(now.Add(time.Minute)))
		require.NoError(t, err)
		st, err = store.RegisterFailure(ctx, PlatformScope, subject, window(now.Add(2*time.Minute)))
		require.NoError(t, err)
		require.Equal(t, 3, st.FailedCount)
		require.NotNil(t, st.LockedUntil)
		require.WithinDuration(t, now.Add(17*time.Minute), *st.LockedUntil, time.Second)

		// A failure after the window restarts the count.
		st, err = store.RegisterFailure(ctx, PlatformScope, subject, window(now.Add(40*time.Minute)))
		require.NoError(t, err)
		require.Equal(t, 1, st.FailedCount)

		require.NoError(t, store.RecordAttempt(ctx, LoginAttempt{Scope: PlatformScope, Subject: subject, Email: "x@y.z", Reason: "bad_password"}))
		require.NoError(t, store.Reset(ctx, PlatformScope, subject))
		return nil
	})
	require.NoError(t, err)
}

func TestPlatformUserStoreFindByEmail(t *testing.T) {
	exec := mustTestExecutor(t)
	ctx := context.Background()
	email := "ops-" + uuid.NewString()[:8] + "@palmyra.test"

	err := exec.WithDB(ctx, ControlPlane, func(db DB) error {
		store := NewPlatformUserStore(db)
		created, err := store.Create(ctx, CreatePlatformUserParams{Email: email, PasswordHash: "hash", PlatformRole: "super_admin"})
		require.NoError(t, err)

		_, err = store.Create(ctx, CreatePlatformUserParams{Email: email, PasswordHash: "hash", PlatformRole: "super_admin"})
		require.ErrorIs(t, err, ErrConflict)

		found, err := store.FindByEmail(ctx, "  "+email)
		require.NoError(t, err)
		require.Equal(t, created.ID, found.ID)
		require.Nil(t, found.LockedUntil)

		require.NoError(t, store.MarkSignIn(ctx, found.ID))

		_, err = store.FindByEmail(ctx, "nobody@palmyra.test")
		require.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

package provisioning_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/palmyra-agency/domains/tenants/be/provisioning"
	"github.com/zenGate-Global/palmyra-agency/domains/tenants/be/repo"
	"github.com/zenGate-Global/palmyra-agency/domains/tenants/be/service"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence/pgtest"
	"github.com/zenGate-Global/palmyra-agency/platform/go/queue"
)

func TestProvisioningAgainstPostgres(t *testing.T) {
	exec := pgtest.Executor(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	pub := &capturePublisher{}
	svc := service.New(service.Config{
		Repo:       repo.NewPostgresRepository(exec),
		Publisher:  pub,
		BaseDomain: "erp.test",
		Logger:     logger,
	})

	sub := pgtest.Subdomain("acme")
	res, err := svc.Signup(ctx, service.SignupInput{
		Subdomain:     sub,
		CompanyName:   "Acme",
		OwnerEmail:    "a@acme.test",
		OwnerFullName: "Ada Owner",
		OwnerPassword: "correct horse battery",
		Plan:          "trial",
	})
	require.NoError(t, err)
	require.Equal(t, persistence.TenantPending, res.Tenant.Status)
	require.Equal(t, persistence.JobPending, res.Job.Status)
	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]

	dbName := res.Tenant.DatabaseName
	t.Cleanup(func() {
		exec.Registry().Evict(dbName)
		stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", pgx.Identifier{dbName}.Sanitize())
		_ = exec.WithDB(context.Background(), persistence.ControlPlane, func(db persistence.DB) error {
			_, err := db.Exec(context.Background(), stmt)
			return err
		})
	})

	orch := provisioning.NewOrchestrator(provisioning.OrchestratorConfig{
		Directory: provisioning.NewControlPlaneDirectory(exec),
		Databases: provisioning.NewDBProvisioner(exec, logger),
		Migrator:  provisioning.NewSchemaMigrator(exec.Registry().ConnConfig, logger),
		Identity:  provisioning.NewTenantIdentitySeeder(exec),
		Logger:    logger,
	})

	// A previous worker died right after creating the database.
	dir := provisioning.NewControlPlaneDirectory(exec)
	_, err = dir.Transition(ctx, msg.JobID, persistence.JobValidating, persistence.WithWorker("dead-host:7"))
	require.NoError(t, err)
	_, err = dir.Transition(ctx, msg.JobID, persistence.JobCreatingDatabase)
	require.NoError(t, err)
	created, err := provisioning.NewDBProvisioner(exec, logger).Ensure(ctx, dbName)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, orch.Run(ctx, msg))
	require.NoError(t, orch.Run(ctx, msg), "redelivery of a completed job is a no-op")

	job, err := svc.GetJob(ctx, res.Job.ID)
	require.NoError(t, err)
	require.Equal(t, persistence.JobCompleted, job.Status)
	require.Equal(t, 100, job.Progress)

	tenant, err := svc.ResolveTenantSpace(ctx, res.Tenant.ID)
	require.NoError(t, err, "tenant must be active")
	require.Equal(t, dbName, tenant.DatabaseName)

	var (
		databases int
		seeds     int
		version   int64
		history   []persistence.JobTransition
	)
	require.NoError(t, exec.WithDB(ctx, persistence.ControlPlane, func(db persistence.DB) error {
		if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM pg_database WHERE datname = $1`, dbName).Scan(&databases); err != nil {
			return err
		}
		if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM tenant_owner_seeds WHERE tenant_id = $1`, res.Tenant.ID).Scan(&seeds); err != nil {
			return err
		}
		if err := db.QueryRow(ctx, `SELECT schema_version FROM tenants WHERE id = $1`, res.Tenant.ID).Scan(&version); err != nil {
			return err
		}
		var err error
		history, err = persistence.NewJobStore(db).Transitions(ctx, res.Job.ID)
		return err
	}))
	require.Equal(t, 1, databases)
	require.Zero(t, seeds, "owner seed is purged once the tenant is active")
	require.Equal(t, int64(2), version)
	require.Equal(t, persistence.JobCompleted, history[len(history)-1].Status)
	last := -1
	for _, tr := range history {
		require.GreaterOrEqual(t, tr.ProgressPercentage, last)
		last = tr.ProgressPercentage
	}

	var (
		users     int
		confirmed bool
		roles     []string
	)
	require.NoError(t, exec.WithDB(ctx, dbName, func(db persistence.DB) error {
		if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE LOWER(email) = 'a@acme.test'`).Scan(&users); err != nil {
			return err
		}
		u, err := persistence.NewTenantUserStore(db).FindByEmail(ctx, "a@acme.test", dbName, true)
		if err != nil {
			return err
		}
		confirmed, roles = u.EmailConfirmed, u.Roles
		return nil
	}))
	require.Equal(t, 1, users)
	require.True(t, confirmed)
	require.Equal(t, []string{provisioning.OwnerRole}, roles)
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []queue.JobMessage
}

func (p *capturePublisher) Enqueue(_ context.Context, msg queue.JobMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestSchemaMigratorRecoversDirtyVersion(t *testing.T) {
	exec := pgtest.Executor(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	dbName := migratedTenantDatabase(t, exec, "dirty")
	migrator := provisioning.NewSchemaMigrator(exec.Registry().ConnConfig, logger)

	for _, dirtyAt := range []int64{2, 1} {
		// A crashed run leaves the version it was applying marked dirty.
		require.NoError(t, exec.WithDB(ctx, dbName, func(db persistence.DB) error {
			_, err := db.Exec(ctx, `UPDATE schema_migrations SET version = $1, dirty = TRUE`, dirtyAt)
			return err
		}))

		version, err := migrator.Up(ctx, dbName)
		require.NoError(t, err, "dirty at %d", dirtyAt)
		require.Equal(t, int64(2), version)

		var dirty bool
		require.NoError(t, exec.WithDB(ctx, dbName, func(db persistence.DB) error {
			return db.QueryRow(ctx, `SELECT dirty FROM schema_migrations`).Scan(&dirty)
		}))
		require.False(t, dirty)
	}

	current, err := migrator.Version(ctx, dbName)
	require.NoError(t, err)
	require.Equal(t, int64(2), current)
}

func TestSeedOwnerRefreshesCredentialsUntilFirstSignIn(t *testing.T) {
	exec := pgtest.Executor(t)
	ctx := context.Background()

	dbName := migratedTenantDatabase(t, exec, "reseed")

	seed := func(hash string) uuid.UUID {
		t.Helper()
		var id uuid.UUID
		require.NoError(t, exec.WithDB(ctx, dbName, func(db persistence.DB) error {
			var err error
			id, err = persistence.NewTenantUserStore(db).SeedOwner(ctx, persistence.SeedOwnerParams{
				Email:        "Owner@Example.com",
				FullName:     "Owner",
				PasswordHash: hash,
			})
			return err
		}))
		return id
	}
	storedHash := func() string {
		t.Helper()
		var hash string
		require.NoError(t, exec.WithDB(ctx, dbName, func(db persistence.DB) error {
			return db.QueryRow(ctx, `SELECT password_hash FROM users WHERE LOWER(email) = 'owner@example.com'`).Scan(&hash)
		}))
		return hash
	}

	first := seed("hash-a")
	require.Equal(t, "hash-a", storedHash())

	// A retried signup carries a fresh hash; the unused row takes it.
	require.Equal(t, first, seed("hash-b"))
	require.Equal(t, "hash-b", storedHash())

	require.NoError(t, exec.WithDB(ctx, dbName, func(db persistence.DB) error {
		return persistence.NewTenantUserStore(db).MarkSignIn(ctx, first)
	}))

	require.Equal(t, first, seed("hash-c"))
	require.Equal(t, "hash-b", storedHash())
}

// migratedTenantDatabase creates a tenant database at the latest schema and drops it on cleanup.
func migratedTenantDatabase(t *testing.T, exec *persistence.Executor, label string) string {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	dbName, err := persistence.DatabaseNameForSubdomain(pgtest.Subdomain(label))
	require.NoError(t, err)
	t.Cleanup(func() {
		exec.Registry().Evict(dbName)
		stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", pgx.Identifier{dbName}.Sanitize())
		_ = exec.WithDB(context.Background(), persistence.ControlPlane, func(db persistence.DB) error {
			_, err := db.Exec(context.Background(), stmt)
			return err
		})
	})

	_, err = provisioning.NewDBProvisioner(exec, logger).Ensure(ctx, dbName)
	require.NoError(t, err)

	version, err := provisioning.NewSchemaMigrator(exec.Registry().ConnConfig, logger).Up(ctx, dbName)
	require.NoError(t, err)
	require.Equal(t, int64(2), version)
	return dbName
}

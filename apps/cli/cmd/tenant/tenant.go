package tenantcmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-agency/apps/cli/cmd/cmdutil"
	"github.com/zenGate-Global/palmyra-agency/domains/tenants/be/provisioning"
	tenantsrepo "github.com/zenGate-Global/palmyra-agency/domains/tenants/be/repo"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-agency/platform/go/queue"
	"github.com/zenGate-Global/palmyra-agency/platform/go/requesttrace"
)

// Command groups tenant-related helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant utilities (provision a job inline, migrate a tenant database)",
	}

	cmd.AddCommand(provisionCommand())
	cmd.AddCommand(migrateCommand())
	return cmd
}

// provisionCommand runs one provisioning job in-process, bypassing the queue.
// The job state machine still guards against a worker picking the same job.
func provisionCommand() *cobra.Command {
	var (
		databaseURL string
		logLevel    string
		jobID       string
	)

	c := &cobra.Command{
		Use:   "provision",
		Short: "Run a pending provisioning job to completion in this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			id, err := uuid.Parse(jobID)
			if err != nil {
				return fmt.Errorf("invalid --job-id: %w", err)
			}

			logger, err := cmdutil.Logger(logLevel)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			exec, err := cmdutil.OpenExecutor(ctx, databaseURL, logger)
			if err != nil {
				return fmt.Errorf("init pool registry: %w", err)
			}
			registry := exec.Registry()
			defer registry.CloseAll()

			msg, err := jobMessage(ctx, tenantsrepo.NewPostgresRepository(exec), id)
			if err != nil {
				return err
			}

			orchestrator := provisioning.NewOrchestrator(provisioning.OrchestratorConfig{
				Directory: provisioning.NewControlPlaneDirectory(exec),
				Databases: provisioning.NewDBProvisioner(exec, logger.Named("databases")),
				Migrator:  provisioning.NewSchemaMigrator(registry.ConnConfig, logger.Named("migrate")),
				Identity:  provisioning.NewTenantIdentitySeeder(exec),
				WorkerID:  "cli:" + provisioning.DefaultWorkerID(),
				Logger:    logger.Named("orchestrator"),
			})
			if err := orchestrator.Run(ctx, msg); err != nil {
				return fmt.Errorf("provision job %s: %w", id, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Job %s finished for database %s\n", id, msg.DatabaseName)
			return nil
		},
	}

	cmdutil.DatabaseURLFlag(c, &databaseURL)
	c.Flags().StringVar(&logLevel, "log-level", "info", "log level for diagnostics on stderr")
	c.Flags().StringVar(&jobID, "job-id", "", "provisioning job id")
	_ = c.MarkFlagRequired("job-id")

	return c
}

func jobMessage(ctx context.Context, repo *tenantsrepo.PostgresRepository, id uuid.UUID) (queue.JobMessage, error) {
	job, err := repo.GetJob(ctx, id)
	if err != nil {
		return queue.JobMessage{}, fmt.Errorf("load job %s: %w", id, err)
	}
	seed, err := repo.GetOwnerSeed(ctx, job.TenantID)
	if err != nil {
		return queue.JobMessage{}, fmt.Errorf("owner seed for tenant %s: %w", job.TenantID, err)
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

func migrateCommand() *cobra.Command {
	var (
		databaseURL string
		logLevel    string
		tenantID    string
		force       bool
	)

	c := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending tenant schema migrations and record the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			id, err := uuid.Parse(tenantID)
			if err != nil {
				return fmt.Errorf("invalid --tenant-id: %w", err)
			}

			logger, err := cmdutil.Logger(logLevel)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			exec, err := cmdutil.OpenExecutor(ctx, databaseURL, logger)
			if err != nil {
				return fmt.Errorf("init pool registry: %w", err)
			}
			registry := exec.Registry()
			defer registry.CloseAll()

			var rec persistence.TenantRecord
			err = exec.WithDB(ctx, persistence.ControlPlane, func(db persistence.DB) error {
				var getErr error
				rec, getErr = persistence.NewTenantStore(db).Get(ctx, id)
				return getErr
			})
			if errors.Is(err, persistence.ErrNotFound) {
				return fmt.Errorf("tenant %s not found", id)
			}
			if err != nil {
				return fmt.Errorf("load tenant %s: %w", id, err)
			}
			if rec.Status != persistence.TenantActive && !force {
				return fmt.Errorf("tenant %s is %s; pass --force to migrate anyway", id, rec.Status)
			}

			migrator := provisioning.NewSchemaMigrator(registry.ConnConfig, logger.Named("migrate"))
			version, err := migrator.Up(ctx, rec.DatabaseName)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", rec.DatabaseName, err)
			}

			opts := persistence.ExecOptions{UserContext: requesttrace.System("cli").ActedBy()}
			err = exec.WithTx(ctx, persistence.ControlPlane, opts, func(tx pgx.Tx) error {
				return persistence.NewTenantStore(tx).SetSchemaVersion(ctx, id, version)
			})
			if err != nil {
				return fmt.Errorf("record schema version: %w", err)
			}

			logger.Info("tenant schema migrated",
				zap.String("tenant_id", id.String()),
				zap.Int64("from", rec.SchemaVersion),
				zap.Int64("to", version))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d -> %d\n", rec.DatabaseName, rec.SchemaVersion, version)
			return nil
		},
	}

	cmdutil.DatabaseURLFlag(c, &databaseURL)
	c.Flags().StringVar(&logLevel, "log-level", "info", "log level for diagnostics on stderr")
	c.Flags().StringVar(&tenantID, "tenant-id", "", "tenant id")
	c.Flags().BoolVar(&force, "force", false, "migrate even when the tenant is not active")
	_ = c.MarkFlagRequired("tenant-id")

	return c
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

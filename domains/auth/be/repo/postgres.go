package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zenGate-Global/palmyra-agency/domains/auth/be/service"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
)

// PostgresRepository serves the resolver from the control plane and tenant databases.
// Lockout rows live in the same database as the identity they count.
type PostgresRepository struct {
	exec *persistence.Executor
}

func NewPostgresRepository(exec *persistence.Executor) *PostgresRepository {
	if exec == nil {
		panic("auth repository requires executor")
	}
	return &PostgresRepository{exec: exec}
}

func (r *PostgresRepository) FindPlatformUser(ctx context.Context, email string) (persistence.PlatformUser, error) {
	var user persistence.PlatformUser
	err := r.exec.WithDB(ctx, persistence.ControlPlane, func(db persistence.DB) error {
		var err error
		user, err = persistence.NewPlatformUserStore(db).FindByEmail(ctx, email)
		return err
	})
	return user, err
}

func (r *PostgresRepository) FindLoginTenants(ctx context.Context, raw, bare string) ([]persistence.TenantRecord, error) {
	var tenants []persistence.TenantRecord
	err := r.exec.WithDB(ctx, persistence.ControlPlane, func(db persistence.DB) error {
		var err error
		tenants, err = persistence.NewTenantStore(db).FindLoginCandidates(ctx, raw, bare)
		return err
	})
	return tenants, err
}

func (r *PostgresRepository) FindTenantUser(ctx context.Context, database, email string, caps service.Capabilities) (persistence.TenantUser, error) {
	var user persistence.TenantUser
	err := r.exec.WithDB(ctx, database, func(db persistence.DB) error {
		var err error
		user, err = persistence.NewTenantUserStore(db).FindByEmail(ctx, email, database, caps.TwoFactor)
		return err
	})
	return user, err
}

func (r *PostgresRepository) TenantProfile(ctx context.Context, database string, userID uuid.UUID) (persistence.TenantProfile, error) {
	var profile persistence.TenantProfile
	err := r.exec.WithDB(ctx, database, func(db persistence.DB) error {
		var err error
		profile, err = persistence.NewTenantUserStore(db).Profile(ctx, userID)
		return err
	})
	return profile, err
}

func (r *PostgresRepository) CompleteLogin(ctx context.Context, database string, attempt persistence.LoginAttempt, userID uuid.UUID) error {
	opts := persistence.ExecOptions{UserContext: userID.String()}
	return r.exec.WithTx(ctx, database, opts, func(tx pgx.Tx) error {
		var err error
		if database == persistence.ControlPlane {
			err = persistence.NewPlatformUserStore(tx).MarkSignIn(ctx, userID)
		} else {
			err = persistence.NewTenantUserStore(tx).MarkSignIn(ctx, userID)
		}
		if err != nil {
			return err
		}
		lockouts := persistence.NewLockoutStore(tx)
		if err := lockouts.RecordAttempt(ctx, attempt); err != nil {
			return err
		}
		return lockouts.Reset(ctx, attempt.Scope, attempt.Subject)
	})
}

func (r *PostgresRepository) RegisterFailure(ctx context.Context, database string, attempt persistence.LoginAttempt, w persistence.FailureWindow) (persistence.LockoutState, error) {
	var state persistence.LockoutState
	err := r.exec.WithTx(ctx, database, persistence.ExecOptions{}, func(tx pgx.Tx) error {
		lockouts := persistence.NewLockoutStore(tx)
		if err := lockouts.RecordAttempt(ctx, attempt); err != nil {
			return err
		}
		var err error
		state, err = lockouts.RegisterFailure(ctx, attempt.Scope, attempt.Subject, w)
		return err
	})
	return state, err
}

func (r *PostgresRepository) RecordAttempt(ctx context.Context, database string, attempt persistence.LoginAttempt) error {
	return r.exec.WithDB(ctx, database, func(db persistence.DB) error {
		return persistence.NewLockoutStore(db).RecordAttempt(ctx, attempt)
	})
}

// ProbeSchemaVersion reads golang-migrate's bookkeeping table; a database without it is at version 0.
func (r *PostgresRepository) ProbeSchemaVersion(ctx context.Context, database string) (int64, error) {
	var version int64
	err := r.exec.WithDB(ctx, database, func(db persistence.DB) error {
		var dirty bool
		err := db.QueryRow(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
		if errors.Is(err, pgx.ErrNoRows) || isUndefinedTable(err) {
			version = 0
			return nil
		}
		if err != nil {
			return fmt.Errorf("probe schema version: %w", err)
		}
		if dirty {
			// The dirty migration may be half applied.
			version--
		}
		return nil
	})
	return version, err
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

var _ service.Repository = (*PostgresRepository)(nil)

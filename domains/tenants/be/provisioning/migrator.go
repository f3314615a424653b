package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	sqlassets "github.com/zenGate-Global/palmyra-agency/database"
)

// ConnConfigFunc derives the connection config of a database; the registry provides it.
type ConnConfigFunc func(database string) (*pgx.ConnConfig, error)

// SchemaMigrator applies the embedded tenant migrations with golang-migrate.
type SchemaMigrator struct {
	connConfig ConnConfigFunc
	logger     *zap.Logger
}

// NewSchemaMigrator builds a SchemaMigrator.
func NewSchemaMigrator(connConfig ConnConfigFunc, logger *zap.Logger) *SchemaMigrator {
	if connConfig == nil {
		panic("schema migrator requires conn config func")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaMigrator{connConfig: connConfig, logger: logger}
}

// Up migrates database to the latest version and returns it. A dirty version left by a crashed
// run is forced back one step and retried once; every migration file is safe to re-apply.
func (m *SchemaMigrator) Up(ctx context.Context, database string) (int64, error) {
	var version int64
	err := m.withMigrate(ctx, database, func(mg *migrate.Migrate) error {
		err := mg.Up()
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			m.logger.Warn("tenant schema dirty; re-applying migration",
				zap.String("database", database), zap.Int("version", dirty.Version))
			prev := forceTarget(dirty.Version)
			if ferr := mg.Force(prev); ferr != nil {
				return fmt.Errorf("force version %d: %w", prev, ferr)
			}
			err = mg.Up()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}

		v, isDirty, err := mg.Version()
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if isDirty {
			return fmt.Errorf("schema version %d left dirty", v)
		}
		version = int64(v)
		return nil
	})
	return version, err
}

// forceTarget is the version a dirty schema is forced back to before re-applying it.
func forceTarget(dirtyVersion int) int {
	if dirtyVersion <= 1 {
		return migratedb.NilVersion
	}
	return dirtyVersion - 1
}

// Version reports the applied version, or zero when no migration ran yet.
func (m *SchemaMigrator) Version(ctx context.Context, database string) (int64, error) {
	var version int64
	err := m.withMigrate(ctx, database, func(mg *migrate.Migrate) error {
		v, _, err := mg.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		if err != nil {
			return err
		}
		version = int64(v)
		return nil
	})
	return version, err
}

func (m *SchemaMigrator) withMigrate(ctx context.Context, database string, fn func(*migrate.Migrate) error) error {
	connCfg, err := m.connConfig(database)
	if err != nil {
		return err
	}

	src, err := iofs.New(sqlassets.TenantMigrations, sqlassets.TenantMigrationsDir)
	if err != nil {
		return fmt.Errorf("open tenant migrations: %w", err)
	}

	db := stdlib.OpenDB(*connCfg)
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{DatabaseName: database})
	if err != nil {
		_ = db.Close()
		_ = src.Close()
		return fmt.Errorf("open migrate driver for %s: %w", database, err)
	}

	mg, err := migrate.NewWithInstance("iofs", src, database, driver)
	if err != nil {
		_ = driver.Close()
		_ = src.Close()
		return fmt.Errorf("init migrate for %s: %w", database, err)
	}
	defer func() {
		if srcErr, dbErr := mg.Close(); srcErr != nil || dbErr != nil {
			m.logger.Warn("close migrate", zap.String("database", database), zap.NamedError("source", srcErr), zap.NamedError("database_err", dbErr))
		}
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			mg.GracefulStop <- true
		case <-stop:
		}
	}()

	return fn(mg)
}

var _ Migrator = (*SchemaMigrator)(nil)

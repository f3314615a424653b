package provisioning

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
)

// DBProvisioner creates tenant databases from the control-plane connection.
type DBProvisioner struct {
	exec   *persistence.Executor
	logger *zap.Logger
}

// NewDBProvisioner builds a DBProvisioner. CREATE DATABASE runs outside any transaction.
func NewDBProvisioner(exec *persistence.Executor, logger *zap.Logger) *DBProvisioner {
	if exec == nil {
		panic("db provisioner requires executor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DBProvisioner{exec: exec, logger: logger}
}

// Ensure creates name unless it already exists. A concurrent creator winning the race counts as success.
func (p *DBProvisioner) Ensure(ctx context.Context, name string) (bool, error) {
	stmt, err := persistence.CreateDatabaseStatement(name)
	if err != nil {
		return false, err
	}

	created := false
	err = p.exec.WithDB(ctx, persistence.ControlPlane, func(db persistence.DB) error {
		exists, err := p.exists(ctx, db, name)
		if err != nil || exists {
			return err
		}
		if _, err := db.Exec(ctx, stmt); err != nil {
			if persistence.IsDuplicateDatabase(err) {
				return nil
			}
			return fmt.Errorf("create database %s: %w", name, err)
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if created {
		p.logger.Info("tenant database created", zap.String("database", name))
	}
	return created, nil
}

// Check reports whether name exists.
func (p *DBProvisioner) Check(ctx context.Context, name string) (bool, error) {
	if err := persistence.ValidateDatabaseName(name); err != nil {
		return false, err
	}
	var exists bool
	err := p.exec.WithDB(ctx, persistence.ControlPlane, func(db persistence.DB) error {
		var err error
		exists, err = p.exists(ctx, db, name)
		return err
	})
	return exists, err
}

func (p *DBProvisioner) exists(ctx context.Context, db persistence.DB, name string) (bool, error) {
	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check database %s: %w", name, err)
	}
	return exists, nil
}

var _ DatabaseCreator = (*DBProvisioner)(nil)

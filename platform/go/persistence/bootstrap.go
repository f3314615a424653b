package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	sqlassets "github.com/zenGate-Global/palmyra-agency/database"
)

// BootstrapControlPlane applies the platform DDL in a single transaction, in this order:
//  1. platform/tenants.sql
//  2. platform/provisioning_jobs.sql
//  3. platform/platform_users.sql
//  4. platform/login_attempts.sql
//
// SQL is embedded at build time so binaries stay self-contained. Every statement is
// idempotent; the helper backs the cli bootstrap command and integration tests.
func BootstrapControlPlane(ctx context.Context, exec *Executor) error {
	if exec == nil {
		return fmt.Errorf("bootstrap control plane: executor is required")
	}

	var statements []string
	statements = append(statements, splitStatements(sqlassets.TenantsSQL)...)
	statements = append(statements, splitStatements(sqlassets.ProvisioningJobsSQL)...)
	statements = append(statements, splitStatements(sqlassets.PlatformUsersSQL)...)
	statements = append(statements, splitStatements(sqlassets.LoginAttemptsSQL)...)

	return exec.WithTx(ctx, ControlPlane, ExecOptions{}, func(tx pgx.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply ddl: %w", err)
			}
		}
		return nil
	})
}

// splitStatements breaks a DDL file on semicolons. The platform files carry no
// function bodies, so a plain split is enough.
func splitStatements(sql string) []string {
	raw := strings.Split(sql, ";")
	out := make([]string, 0, len(raw))
	for _, part := range raw {
		stmt := strings.TrimSpace(part)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

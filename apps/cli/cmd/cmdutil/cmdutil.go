// Package cmdutil opens the shared resources CLI commands run against.
package cmdutil

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	platformlogging "github.com/zenGate-Global/palmyra-agency/platform/go/logging"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-agency/platform/go/setups"
)

// DatabaseURLFlag registers --database-url, defaulting to $DATABASE_URL.
func DatabaseURLFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "database-url", os.Getenv("DATABASE_URL"), "control-plane PostgreSQL connection string (defaults to $DATABASE_URL)")
}

// Logger writes to stderr so command output on stdout stays machine readable.
func Logger(level string) (*zap.Logger, error) {
	return platformlogging.NewLogger(platformlogging.Config{
		Component: "cli",
		Level:     level,
		Output:    os.Stderr,
	})
}

// OpenExecutor opens the pool registry with POOL_* settings. Close it with exec.Registry().CloseAll().
func OpenExecutor(ctx context.Context, databaseURL string, logger *zap.Logger) (*persistence.Executor, error) {
	if databaseURL == "" {
		return nil, errors.New("--database-url or DATABASE_URL is required")
	}
	pool, err := setups.PoolFromEnv()
	if err != nil {
		return nil, err
	}
	return setups.OpenExecutor(ctx, databaseURL, pool, logger)
}

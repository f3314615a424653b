// Package pgtest starts a throwaway PostgreSQL for integration tests.
package pgtest

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
)

// ConnString returns TEST_DATABASE_URL when set, otherwise the DSN of a postgres
// container terminated at test cleanup. Short mode skips the calling test.
func ConnString(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	if url, ok := os.LookupEnv("TEST_DATABASE_URL"); ok && strings.TrimSpace(url) != "" {
		return url
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("palmyra"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pgContainer.Terminate(context.Background())
	})

	connString, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connString
}

// Executor opens a registry on a bootstrapped control plane and closes it at cleanup.
func Executor(t *testing.T) *persistence.Executor {
	t.Helper()

	connString := ConnString(t)
	logger := zaptest.NewLogger(t)

	registry, err := persistence.NewRegistry(context.Background(), persistence.RegistryConfig{
		ControlPlane: persistence.PoolConfig{ConnString: connString, MaxConns: 8},
		Tenant:       persistence.TenantPoolConfig{MaxConns: 2},
		Logger:       logger,
	})
	require.NoError(t, err)
	t.Cleanup(registry.CloseAll)

	exec := persistence.NewExecutor(persistence.ExecutorConfig{Registry: registry, Logger: logger})
	require.NoError(t, persistence.BootstrapControlPlane(context.Background(), exec))
	return exec
}

// Subdomain returns a unique subdomain so tests sharing TEST_DATABASE_URL do not collide.
func Subdomain(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
}

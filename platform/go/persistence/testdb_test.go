package persistence

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

// mustTestExecutor opens a registry against TEST_DATABASE_URL or a postgres container
// and applies the control-plane DDL. pgtest can not be used here without an import cycle.
func mustTestExecutor(t *testing.T) *Executor {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping persistence integration test in short mode")
	}

	ctx := context.Background()
	registry, err := NewRegistry(ctx, RegistryConfig{
		ControlPlane: PoolConfig{ConnString: testDatabaseURL(t), MaxConns: 8},
		Tenant:       TenantPoolConfig{MaxConns: 2},
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(registry.CloseAll)

	exec := NewExecutor(ExecutorConfig{Registry: registry, Logger: zaptest.NewLogger(t)})
	require.NoError(t, BootstrapControlPlane(ctx, exec))
	return exec
}

// testDatabaseURL reads TEST_DATABASE_URL or starts a postgres container for the test.
func testDatabaseURL(t *testing.T) string {
	t.Helper()

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

package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestExecutor(t *testing.T, opener *fakeOpener) (*Executor, *Registry) {
	t.Helper()
	registry := newTestRegistry(t, opener)
	exec := NewExecutor(ExecutorConfig{
		Registry: registry,
		Retry:    &RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond},
		Logger:   zaptest.NewLogger(t),
	})
	return exec, registry
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

func TestExecuteWithUserContextRunsInTransaction(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	exec, _ := newTestExecutor(t, opener)

	tag, err := exec.Execute(context.Background(), "tenant_acme",
		Statement{SQL: "UPDATE users SET full_name = $1 WHERE id = $2", Args: []any{"Ana", "u-1"}},
		ExecOptions{UserContext: "user-42"},
	)
	require.NoError(t, err)
	require.Equal(t, int64(1), tag.RowsAffected())

	db := opener.last("tenant_acme")
	require.Equal(t, int32(0), db.execs.Load())
	require.Equal(t, int32(1), db.begins.Load())
	require.Equal(t, []string{
		`SELECT set_config('app.current_user_id', $1, true)`,
		"UPDATE users SET full_name = $1 WHERE id = $2",
	}, db.tx.stmts)
	require.Equal(t, []any{"user-42"}, db.tx.args[0])
	require.True(t, db.tx.committed)
}

func TestExecuteWithoutUserContextUsesPool(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	exec, _ := newTestExecutor(t, opener)

	_, err := exec.Execute(context.Background(), ControlPlane, Statement{SQL: "INSERT INTO t VALUES (1)"}, ExecOptions{})
	require.NoError(t, err)

	db := opener.last(ControlPlane)
	require.Equal(t, int32(1), db.execs.Load())
	require.Equal(t, int32(0), db.begins.Load())
}

func TestExecuteTransactionRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.prepare = func(db *fakeDB) {
		db.tx = &fakeTx{execErr: func(sql string) error {
			if sql == "INSERT INTO b VALUES (2)" {
				return &pgconn.PgError{Code: "23505", Message: "duplicate key"}
			}
			return nil
		}}
	}
	exec, _ := newTestExecutor(t, opener)

	err := exec.ExecuteTransaction(context.Background(), "tenant_acme", []Statement{
		{SQL: "INSERT INTO a VALUES (1)"},
		{SQL: "INSERT INTO b VALUES (2)"},
		{SQL: "INSERT INTO c VALUES (3)"},
	}, ExecOptions{})
	require.Error(t, err)
	require.True(t, isUniqueViolation(err))

	db := opener.last("tenant_acme")
	require.Equal(t, int32(1), db.begins.Load(), "non-transient errors must not retry")
	require.False(t, db.tx.committed)
	require.True(t, db.tx.rolledBack)
	require.Len(t, db.tx.stmts, 2)
}

func TestExecutorRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.prepare = func(db *fakeDB) {
		db.failWith = &pgconn.PgError{Code: "57P01", Message: "terminating connection due to administrator command"}
		db.failures.Store(2)
	}
	exec, registry := newTestExecutor(t, opener)

	_, err := exec.Execute(context.Background(), "tenant_acme", Statement{SQL: "SELECT 1"}, ExecOptions{})
	require.NoError(t, err)

	require.Equal(t, int32(3), opener.last("tenant_acme").execs.Load())
	require.Equal(t, 1, registry.Len())
}

func TestExecutorEvictsTenantPoolWhenRetriesRunOut(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.prepare = func(db *fakeDB) {
		if db.name == "tenant_acme" {
			db.failWith = refused()
			db.failures.Store(100)
		}
	}
	exec, registry := newTestExecutor(t, opener)

	err := exec.WithTx(context.Background(), "tenant_acme", ExecOptions{}, func(tx pgx.Tx) error {
		t.Fatal("fn must not run without a transaction")
		return nil
	})

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "tenant_acme", connErr.Database)
	require.Equal(t, 3, connErr.Attempts)
	require.ErrorIs(t, err, syscall.ECONNREFUSED)

	require.Equal(t, 0, registry.Len())
	evicted := opener.dbs["tenant_acme"][0]
	require.Eventually(t, evicted.closed.Load, time.Second, 5*time.Millisecond)

	_, err = registry.Get(context.Background(), "tenant_acme")
	require.NoError(t, err)
	require.Equal(t, 2, opener.count("tenant_acme"))
}

func TestExecutorNeverEvictsControlPlane(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.prepare = func(db *fakeDB) {
		if db.name == ControlPlane {
			db.failWith = io.ErrUnexpectedEOF
			db.failures.Store(100)
		}
	}
	exec, registry := newTestExecutor(t, opener)

	_, err := exec.Execute(context.Background(), ControlPlane, Statement{SQL: "SELECT 1"}, ExecOptions{})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)

	h, err := registry.Get(context.Background(), ControlPlane)
	require.NoError(t, err)
	require.False(t, h.DB().(*fakeDB).closed.Load())
}

func TestExecutorStopsRetryingWhenContextEnds(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.prepare = func(db *fakeDB) {
		db.failWith = refused()
		db.failures.Store(100)
	}
	registry := newTestRegistry(t, opener)
	exec := NewExecutor(ExecutorConfig{Registry: registry, Retry: &RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := exec.Execute(ctx, "tenant_acme", Statement{SQL: "SELECT 1"}, ExecOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int32(1), opener.last("tenant_acme").execs.Load())
	require.Equal(t, 1, registry.Len())
}

func TestExecutorWithTxRetriesFnAsUnit(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	exec, _ := newTestExecutor(t, opener)

	calls := 0
	err := exec.WithTx(context.Background(), "tenant_acme", ExecOptions{}, func(tx pgx.Tx) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("read: %w", io.EOF)
		}
		_, err := tx.Exec(context.Background(), "UPDATE x SET y = 1")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, int32(2), opener.last("tenant_acme").begins.Load())
}

func TestExecutorPropagatesRegistryErrors(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	exec, registry := newTestExecutor(t, opener)

	_, err := exec.Execute(context.Background(), "Robert'); DROP TABLE", Statement{SQL: "SELECT 1"}, ExecOptions{})
	require.ErrorIs(t, err, ErrInvalidDatabaseName)

	registry.CloseAll()
	_, err = exec.Execute(context.Background(), "tenant_acme", Statement{SQL: "SELECT 1"}, ExecOptions{})
	require.ErrorIs(t, err, ErrRegistryClosed)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connection refused", err: refused(), want: true},
		{name: "reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "connection exception class", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: true},
		{name: "cannot connect now", err: &pgconn.PgError{Code: "57P03"}, want: true},
		{name: "too many connections", err: &pgconn.PgError{Code: "53300"}, want: true},
		{name: "closed pool", err: errors.New("closed pool"), want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "syntax error", err: &pgconn.PgError{Code: "42601"}, want: false},
		{name: "no rows", err: pgx.ErrNoRows, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-agency/platform/go/metrics"
)

// Statement is one parameterized SQL statement.
type Statement struct {
	SQL  string
	Args []any
}

// ExecOptions tune a single executor call.
type ExecOptions struct {
	// UserContext is the acting user id exposed to triggers as app.current_user_id.
	UserContext string
	TxOptions   pgx.TxOptions
}

// RetryPolicy bounds retries of transient connection errors. Delay grows linearly per attempt.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy retries twice with 100ms, then 200ms waits.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 2, BaseDelay: 100 * time.Millisecond}

type ExecutorConfig struct {
	Registry *Registry
	Retry    *RetryPolicy
	Logger   *zap.Logger
}

// Executor runs statements against registry pools with retry and eviction.
type Executor struct {
	registry *Registry
	retry    RetryPolicy
	logger   *zap.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Registry == nil {
		panic("Executor requires registry")
	}

	retry := DefaultRetryPolicy
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{registry: cfg.Registry, retry: retry, logger: logger}
}

// Registry exposes the underlying pool registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs one statement. With a user context it runs in its own transaction
// so the audit setting stays local to it.
func (e *Executor) Execute(ctx context.Context, database string, stmt Statement, opts ExecOptions) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag

	if opts.UserContext == "" {
		err := e.WithDB(ctx, database, func(db DB) error {
			var err error
			tag, err = db.Exec(ctx, stmt.SQL, stmt.Args...)
			return err
		})
		return tag, err
	}

	err := e.WithTx(ctx, database, opts, func(tx pgx.Tx) error {
		var err error
		tag, err = tx.Exec(ctx, stmt.SQL, stmt.Args...)
		return err
	})
	return tag, err
}

// ExecuteTransaction runs statements in order inside one transaction.
func (e *Executor) ExecuteTransaction(ctx context.Context, database string, stmts []Statement, opts ExecOptions) error {
	return e.WithTx(ctx, database, opts, func(tx pgx.Tx) error {
		for i, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt.SQL, stmt.Args...); err != nil {
				return fmt.Errorf("statement %d: %w", i, err)
			}
		}
		return nil
	})
}

// WithTx executes fn inside a transaction on database. fn is retried as a whole
// on transient connection errors, so it must not keep side effects outside tx.
func (e *Executor) WithTx(ctx context.Context, database string, opts ExecOptions, fn func(tx pgx.Tx) error) error {
	return e.run(ctx, database, func(db DB) error {
		tx, err := db.BeginTx(ctx, opts.TxOptions)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx) // nolint:errcheck

		if opts.UserContext != "" {
			if _, err := tx.Exec(ctx, `SELECT set_config('app.current_user_id', $1, true)`, opts.UserContext); err != nil {
				return fmt.Errorf("set audit context: %w", err)
			}
		}

		if err := fn(tx); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
}

// WithDB runs fn against the pool directly, for work that cannot run in a transaction.
func (e *Executor) WithDB(ctx context.Context, database string, fn func(db DB) error) error {
	return e.run(ctx, database, fn)
}

func (e *Executor) run(ctx context.Context, database string, fn func(db DB) error) error {
	target := metrics.TargetTenant
	if database == ControlPlane {
		target = metrics.TargetControlPlane
	}

	var (
		handle  *PoolHandle
		lastErr error
	)

	for attempt := 1; ; attempt++ {
		h, err := e.registry.Get(ctx, database)
		if err != nil {
			if errors.Is(err, ErrRegistryClosed) || errors.Is(err, ErrInvalidDatabaseName) {
				return err
			}
		} else {
			handle = h
			err = fn(h.DB())
		}

		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt > e.retry.MaxRetries {
			metrics.ObserveRetriesExhausted(target)
			if handle != nil {
				e.registry.evict(database, handle)
			}
			e.logger.Error("database unreachable",
				zap.String("database", database),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return &ConnectionError{Database: database, Attempts: attempt, Err: err}
		}

		delay := e.retry.BaseDelay * time.Duration(attempt)
		metrics.ObserveRetry(target)
		e.logger.Warn("transient database error, retrying",
			zap.String("database", database),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", e.retry.MaxRetries),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
}

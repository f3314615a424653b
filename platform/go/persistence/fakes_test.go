package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeTx satisfies pgx.Tx and records Exec statements invoked.
type fakeTx struct {
	mu         sync.Mutex
	stmts      []string
	args       [][]any
	execErr    func(sql string) error
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeTx) Commit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.rolledBack {
		f.committed = true
	}
	return nil
}
func (f *fakeTx) Rollback(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.committed {
		return pgx.ErrTxClosed
	}
	f.rolledBack = true
	return nil
}
func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (f *fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return &pgconn.StatementDescription{}, errors.New("not implemented")
}
func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (f *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	f.stmts = append(f.stmts, sql)
	f.args = append(f.args, args)
	f.mu.Unlock()
	if f.execErr != nil {
		if err := f.execErr(sql); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}
func (f *fakeTx) Conn() *pgx.Conn { return nil }

// fakeDB satisfies DB. Exec and BeginTx fail while failures remain.
type fakeDB struct {
	name     string
	tx       *fakeTx
	failures atomic.Int32
	failWith error
	execs    atomic.Int32
	begins   atomic.Int32
	closed   atomic.Bool
}

func (d *fakeDB) nextErr() error {
	if d.failures.Load() > 0 {
		d.failures.Add(-1)
		return d.failWith
	}
	return nil
}

func (d *fakeDB) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	d.begins.Add(1)
	if err := d.nextErr(); err != nil {
		return nil, err
	}
	if d.tx == nil {
		d.tx = &fakeTx{}
	}
	return d.tx, nil
}

func (d *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.execs.Add(1)
	if err := d.nextErr(); err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (d *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (d *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (d *fakeDB) Ping(context.Context) error { return d.nextErr() }

func (d *fakeDB) Close() { d.closed.Store(true) }

// fakeOpener hands out fakeDBs and counts opens per database.
type fakeOpener struct {
	mu      sync.Mutex
	opens   map[string]int
	dbs     map[string][]*fakeDB
	hook    func(cfg PoolConfig)
	wait    func(ctx context.Context, cfg PoolConfig) error
	openErr error
	prepare func(db *fakeDB)
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{opens: map[string]int{}, dbs: map[string][]*fakeDB{}}
}

func (o *fakeOpener) Open(ctx context.Context, cfg PoolConfig) (DB, error) {
	if o.hook != nil {
		o.hook(cfg)
	}
	if o.wait != nil {
		if err := o.wait(ctx, cfg); err != nil {
			return nil, err
		}
	}
	key := cfg.Database
	if key == "" {
		key = ControlPlane
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens[key]++
	if o.openErr != nil {
		return nil, o.openErr
	}
	db := &fakeDB{name: key}
	if o.prepare != nil {
		o.prepare(db)
	}
	o.dbs[key] = append(o.dbs[key], db)
	return db, nil
}

func (o *fakeOpener) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[key]
}

func (o *fakeOpener) last(key string) *fakeDB {
	o.mu.Lock()
	defer o.mu.Unlock()
	dbs := o.dbs[key]
	if len(dbs) == 0 {
		return nil
	}
	return dbs[len(dbs)-1]
}

package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zenGate-Global/palmyra-agency/platform/go/metrics"
)

// Opener opens one pool for cfg. Tests inject fakes; production uses OpenPool.
type Opener func(ctx context.Context, cfg PoolConfig) (DB, error)

// TenantPoolConfig bounds every tenant pool. MaxConns must stay below the control-plane cap.
type TenantPoolConfig struct {
	MaxConns            int32
	MinConns            int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
}

type RegistryConfig struct {
	ControlPlane PoolConfig
	Tenant       TenantPoolConfig
	Opener       Opener
	// OpenTimeout bounds one tenant pool open. It defaults to 10s.
	OpenTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultControlPlaneMaxConns = 10
	defaultTenantMaxConns       = 4
	defaultOpenTimeout          = 10 * time.Second
)

// PoolHandle is the registry entry for one database.
type PoolHandle struct {
	Name   string
	Config PoolConfig
	db     DB
}

// DB returns the pool behind the handle.
func (h *PoolHandle) DB() DB { return h.db }

// Registry owns the control-plane pool and one lazily opened pool per tenant database.
type Registry struct {
	base        PoolConfig
	tenant      TenantPoolConfig
	opener      Opener
	openTimeout time.Duration
	logger      *zap.Logger

	control *PoolHandle
	group   singleflight.Group

	mu     sync.RWMutex
	pools  map[string]*PoolHandle
	closed bool

	closing sync.WaitGroup
}

// NewRegistry opens and verifies the control-plane pool.
func NewRegistry(ctx context.Context, cfg RegistryConfig) (*Registry, error) {
	if cfg.ControlPlane.ConnString == "" {
		return nil, errors.New("control plane conn string is required")
	}
	if cfg.ControlPlane.Database != "" {
		return nil, errors.New("control plane database comes from the conn string")
	}

	if cfg.ControlPlane.MaxConns <= 0 {
		cfg.ControlPlane.MaxConns = defaultControlPlaneMaxConns
	}
	if cfg.Tenant.MaxConns <= 0 {
		cfg.Tenant.MaxConns = min(defaultTenantMaxConns, cfg.ControlPlane.MaxConns-1)
	}
	if cfg.Tenant.MaxConns < 1 || cfg.Tenant.MaxConns >= cfg.ControlPlane.MaxConns {
		return nil, fmt.Errorf("tenant max conns %d must be between 1 and control plane max conns %d (exclusive)",
			cfg.Tenant.MaxConns, cfg.ControlPlane.MaxConns)
	}
	if cfg.Opener == nil {
		cfg.Opener = OpenPool
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	db, err := cfg.Opener(ctx, cfg.ControlPlane)
	if err != nil {
		return nil, fmt.Errorf("open control plane pool: %w", err)
	}

	return &Registry{
		base:        cfg.ControlPlane,
		tenant:      cfg.Tenant,
		opener:      cfg.Opener,
		openTimeout: cfg.OpenTimeout,
		logger:      cfg.Logger,
		control:     &PoolHandle{Name: ControlPlane, Config: cfg.ControlPlane, db: db},
		pools:       make(map[string]*PoolHandle),
	}, nil
}

// Get returns the handle for name, opening the tenant pool on first use.
// Concurrent first calls for the same name share one open. The open is detached from
// the caller that started it and bounded by OpenTimeout; each caller still stops
// waiting when its own ctx ends.
func (r *Registry) Get(ctx context.Context, name string) (*PoolHandle, error) {
	if name == ControlPlane {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if r.closed {
			return nil, ErrRegistryClosed
		}
		return r.control, nil
	}

	if err := ValidateDatabaseName(name); err != nil {
		return nil, err
	}

	if h, err := r.lookup(name); h != nil || err != nil {
		return h, err
	}

	ch := r.group.DoChan(name, func() (any, error) {
		if h, err := r.lookup(name); h != nil || err != nil {
			return h, err
		}

		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.openTimeout)
		defer cancel()

		cfg := r.tenantConfig(name)
		db, err := r.opener(openCtx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open pool %s: %w", name, err)
		}

		h := &PoolHandle{Name: name, Config: cfg, db: db}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			db.Close()
			return nil, ErrRegistryClosed
		}
		r.pools[name] = h
		r.mu.Unlock()

		metrics.PoolOpened()
		r.logger.Info("tenant pool opened", zap.String("database", name), zap.Int32("max_conns", cfg.MaxConns))
		return h, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*PoolHandle), nil
	}
}

func (r *Registry) lookup(name string) (*PoolHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	return r.pools[name], nil
}

func (r *Registry) tenantConfig(name string) PoolConfig {
	return PoolConfig{
		ConnString:          r.base.ConnString,
		Database:            name,
		MaxConns:            r.tenant.MaxConns,
		MinConns:            r.tenant.MinConns,
		MaxConnLifetime:     r.tenant.MaxConnLifetime,
		MaxConnIdleTime:     r.tenant.MaxConnIdleTime,
		HealthCheckInterval: r.tenant.HealthCheckInterval,
	}
}

// ConnConfig derives the single-connection config for name, for tools that need their own
// connection such as the schema migrator. It never touches the cached pools.
func (r *Registry) ConnConfig(name string) (*pgx.ConnConfig, error) {
	cfg := r.base
	if name != ControlPlane {
		if err := ValidateDatabaseName(name); err != nil {
			return nil, err
		}
		cfg = r.tenantConfig(name)
	}
	poolCfg, err := ParsePoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	return poolCfg.ConnConfig, nil
}

// Evict drops the tenant pool for name and closes it in the background.
// The control plane is never evicted.
func (r *Registry) Evict(name string) {
	r.evict(name, nil)
}

// evict removes name only while it still maps to h (any handle when h is nil),
// so a pool reopened by another goroutine survives a stale eviction.
func (r *Registry) evict(name string, h *PoolHandle) {
	if name == ControlPlane {
		return
	}

	r.mu.Lock()
	current, ok := r.pools[name]
	if !ok || (h != nil && current != h) {
		r.mu.Unlock()
		return
	}
	delete(r.pools, name)
	r.closing.Add(1)
	r.mu.Unlock()

	metrics.PoolEvicted()
	metrics.PoolClosed()
	r.logger.Warn("tenant pool evicted", zap.String("database", name))

	go func() {
		defer r.closing.Done()
		current.db.Close()
	}()
}

// Len reports how many tenant pools are open.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// CloseAll closes every tenant pool and then the control-plane pool. Later calls are no-ops.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pools := r.pools
	r.pools = make(map[string]*PoolHandle)
	r.mu.Unlock()

	for name, h := range pools {
		h.db.Close()
		metrics.PoolClosed()
		r.logger.Debug("tenant pool closed", zap.String("database", name))
	}
	r.closing.Wait()
	r.control.db.Close()
	r.logger.Info("pool registry closed", zap.Int("tenant_pools", len(pools)))
}

// Ping verifies the control-plane pool; used by readiness probes.
func (r *Registry) Ping(ctx context.Context) error {
	h, err := r.Get(ctx, ControlPlane)
	if err != nil {
		return err
	}
	return h.db.Ping(ctx)
}

// Package setups holds the environment configuration and constructors shared by the api, worker and cli binaries.
package setups

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	platformauth "github.com/zenGate-Global/palmyra-agency/platform/go/auth"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-agency/platform/go/queue"
)

// Pool configures the control-plane pool and the per-tenant pool template. Parsed with envPrefix "POOL_".
type Pool struct {
	MaxConns            int32         `env:"MAX_CONNS" envDefault:"10"`
	MinConns            int32         `env:"MIN_CONNS" envDefault:"0"`
	TenantMaxConns      int32         `env:"TENANT_MAX_CONNS" envDefault:"4"`
	TenantMinConns      int32         `env:"TENANT_MIN_CONNS" envDefault:"0"`
	MaxConnLifetime     time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"30m"`
	MaxConnIdleTime     time.Duration `env:"MAX_CONN_IDLE_TIME" envDefault:"5m"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"1m"`
	MaxRetries          int           `env:"MAX_RETRIES" envDefault:"2"`
	RetryBaseDelay      time.Duration `env:"RETRY_BASE_DELAY" envDefault:"100ms"`
}

// Redis configures the provisioning queue broker. Parsed with envPrefix "REDIS_".
type Redis struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	QueueKey string `env:"QUEUE_KEY" envDefault:"palmyra:provisioning:jobs"`
}

// JWT configures session tokens. Parsed with envPrefix "JWT_".
type JWT struct {
	Secret string        `env:"SECRET,required"`
	Issuer string        `env:"ISSUER" envDefault:"palmyra-agency"`
	TTL    time.Duration `env:"TTL" envDefault:"1h"`
}

// PoolFromEnv reads POOL_* variables; unset ones take their defaults.
func PoolFromEnv() (Pool, error) {
	return env.ParseAsWithOptions[Pool](env.Options{Prefix: "POOL_"})
}

// OpenExecutor opens the pool registry for databaseURL and wraps it in an executor.
// Callers own the registry and must CloseAll it.
func OpenExecutor(ctx context.Context, databaseURL string, cfg Pool, logger *zap.Logger) (*persistence.Executor, error) {
	registry, err := persistence.NewRegistry(ctx, persistence.RegistryConfig{
		ControlPlane: persistence.PoolConfig{
			ConnString:          databaseURL,
			MaxConns:            cfg.MaxConns,
			MinConns:            cfg.MinConns,
			MaxConnLifetime:     cfg.MaxConnLifetime,
			MaxConnIdleTime:     cfg.MaxConnIdleTime,
			HealthCheckInterval: cfg.HealthCheckInterval,
		},
		Tenant: persistence.TenantPoolConfig{
			MaxConns:            cfg.TenantMaxConns,
			MinConns:            cfg.TenantMinConns,
			MaxConnLifetime:     cfg.MaxConnLifetime,
			MaxConnIdleTime:     cfg.MaxConnIdleTime,
			HealthCheckInterval: cfg.HealthCheckInterval,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return persistence.NewExecutor(persistence.ExecutorConfig{
		Registry: registry,
		Retry:    &persistence.RetryPolicy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBaseDelay},
		Logger:   logger,
	}), nil
}

// OpenQueue connects to Redis and returns the provisioning queue with its client.
// The client is pinged once so a bad address fails at startup.
func OpenQueue(ctx context.Context, cfg Redis, logger *zap.Logger) (*queue.Queue, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	q, err := queue.New(queue.Config{Client: client, Key: cfg.QueueKey, Logger: logger})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return q, client, nil
}

// NewIssuer builds the session token issuer. A secret shorter than 32 bytes is a configuration error.
func (c JWT) NewIssuer() (*platformauth.Issuer, error) {
	if len(c.Secret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(c.Secret))
	}
	return platformauth.NewIssuer(platformauth.IssuerConfig{
		Secret: []byte(c.Secret),
		Issuer: c.Issuer,
		TTL:    c.TTL,
	}), nil
}

package setups

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	platformauth "github.com/zenGate-Global/palmyra-agency/platform/go/auth"
	"github.com/zenGate-Global/palmyra-agency/platform/go/queue"
)

type testConfig struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	Pool        Pool   `envPrefix:"POOL_"`
	Redis       Redis  `envPrefix:"REDIS_"`
	JWT         JWT    `envPrefix:"JWT_"`
}

func TestConfigDefaults(t *testing.T) {
	var cfg testConfig
	err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{
		"DATABASE_URL": "postgres://u:p@localhost:5432/platform",
		"JWT_SECRET":   "0123456789abcdef0123456789abcdef",
	}})
	require.NoError(t, err)

	require.EqualValues(t, 10, cfg.Pool.MaxConns)
	require.EqualValues(t, 4, cfg.Pool.TenantMaxConns)
	require.Equal(t, 30*time.Minute, cfg.Pool.MaxConnLifetime)
	require.Equal(t, queue.DefaultKey, cfg.Redis.QueueKey)
	require.Equal(t, time.Hour, cfg.JWT.TTL)
}

func TestConfigOverridesWithPrefix(t *testing.T) {
	var cfg testConfig
	err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{
		"DATABASE_URL":          "postgres://u:p@localhost:5432/platform",
		"JWT_SECRET":            "0123456789abcdef0123456789abcdef",
		"POOL_TENANT_MAX_CONNS": "2",
		"REDIS_ADDR":            "redis:6380",
		"JWT_TTL":               "15m",
	}})
	require.NoError(t, err)
	require.EqualValues(t, 2, cfg.Pool.TenantMaxConns)
	require.Equal(t, "redis:6380", cfg.Redis.Addr)
	require.Equal(t, 15*time.Minute, cfg.JWT.TTL)
}

func TestConfigRequiresSecretAndURL(t *testing.T) {
	var cfg testConfig
	err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	require.Error(t, err)
}

func TestNewIssuerRejectsShortSecret(t *testing.T) {
	_, err := JWT{Secret: "short"}.NewIssuer()
	require.Error(t, err)

	issuer, err := JWT{Secret: "0123456789abcdef0123456789abcdef", TTL: time.Minute}.NewIssuer()
	require.NoError(t, err)
	token, _, err := issuer.Issue(platformauth.Session{UserID: "u-1", Scope: platformauth.ScopePlatform}, time.Now())
	require.NoError(t, err)
	_, err = issuer.Verify(context.Background(), token)
	require.NoError(t, err)
}

func TestOpenQueue(t *testing.T) {
	mr := miniredis.RunT(t)

	q, client, err := OpenQueue(context.Background(), Redis{Addr: mr.Addr(), QueueKey: "test:jobs"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, q.Ping(context.Background()))

	_, _, err = OpenQueue(context.Background(), Redis{Addr: "127.0.0.1:1"}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestPoolFromEnv(t *testing.T) {
	t.Setenv("POOL_TENANT_MAX_CONNS", "3")

	cfg, err := PoolFromEnv()
	require.NoError(t, err)
	require.EqualValues(t, 3, cfg.TenantMaxConns)
	require.EqualValues(t, 10, cfg.MaxConns)
}

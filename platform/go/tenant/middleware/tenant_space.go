package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	platformauth "github.com/zenGate-Global/palmyra-agency/platform/go/auth"
	"github.com/zenGate-Global/palmyra-agency/platform/go/problems"
	"github.com/zenGate-Global/palmyra-agency/platform/go/tenant"
)

// Resolver looks up an active tenant in the directory.
type Resolver interface {
	ResolveTenantSpace(ctx context.Context, tenantID uuid.UUID) (tenant.Space, error)
}

// Config controls middleware behavior.
type Config struct {
	// CacheTTL keeps resolved spaces in memory; zero disables caching.
	CacheTTL time.Duration
}

// WithTenantSpace requires a tenant-scoped session and attaches the directory's tenant.Space to the context.
// The token's database claim must match the directory entry, so a token cannot be replayed against another tenant.
func WithTenantSpace(resolver Resolver, cfg Config) func(http.Handler) http.Handler {
	if resolver == nil {
		panic("tenant middleware: resolver is required")
	}

	var cache *tenantCache
	if cfg.CacheTTL > 0 {
		cache = newTenantCache(cfg.CacheTTL)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds, ok := platformauth.UserFromContext(r.Context())
			if !ok || creds == nil || creds.Scope != platformauth.ScopeTenant || creds.TenantID == nil || creds.DatabaseName == nil {
				problems.Write(w, problems.New(http.StatusUnauthorized, problems.TypeUnauthorized, "Unauthorized", "tenant session required"))
				return
			}

			tid, err := uuid.Parse(*creds.TenantID)
			if err != nil {
				problems.Write(w, problems.New(http.StatusUnauthorized, problems.TypeUnauthorized, "Unauthorized", "invalid tenant id"))
				return
			}

			space, found := cache.get(tid)
			if !found {
				space, err = resolver.ResolveTenantSpace(r.Context(), tid)
				if err != nil {
					problems.Write(w, problems.New(http.StatusUnauthorized, problems.TypeUnauthorized, "Unauthorized", "tenant not available"))
					return
				}
				cache.put(space)
			}

			if space.DatabaseName != *creds.DatabaseName {
				problems.Write(w, problems.New(http.StatusForbidden, problems.TypeForbidden, "Forbidden", "token does not match tenant"))
				return
			}

			next.ServeHTTP(w, r.WithContext(tenant.WithSpace(r.Context(), space)))
		})
	}
}

type tenantCache struct {
	ttl   time.Duration
	mu    sync.Mutex
	items map[uuid.UUID]cacheItem
}

type cacheItem struct {
	space     tenant.Space
	expiresAt time.Time
}

func newTenantCache(ttl time.Duration) *tenantCache {
	return &tenantCache{ttl: ttl, items: make(map[uuid.UUID]cacheItem)}
}

func (c *tenantCache) get(id uuid.UUID) (tenant.Space, bool) {
	if c == nil {
		return tenant.Space{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[id]
	if !ok || time.Now().After(item.expiresAt) {
		delete(c.items, id)
		return tenant.Space{}, false
	}
	return item.space, true
}

func (c *tenantCache) put(space tenant.Space) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[space.TenantID] = cacheItem{space: space, expiresAt: time.Now().Add(c.ttl)}
}

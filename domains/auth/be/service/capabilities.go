package service

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TwoFactorSchemaVersion is the first tenant migration carrying the second-factor columns.
const TwoFactorSchemaVersion = 2

// Capabilities lists optional tenant schema features.
type Capabilities struct {
	SchemaVersion int64
	TwoFactor     bool
}

// CapabilitiesFor derives the feature set of a migration version.
func CapabilitiesFor(version int64) Capabilities {
	return Capabilities{SchemaVersion: version, TwoFactor: version >= TwoFactorSchemaVersion}
}

// VersionProber reads the applied migration version straight from a tenant database.
type VersionProber func(ctx context.Context, database string) (int64, error)

// CapabilityCache keeps one Capabilities entry per tenant database.
//
// Entries are seeded from the directory's schema_version. Only a tenant recorded with version 0
// costs a probe, and that probe runs once per database until Invalidate.
type CapabilityCache struct {
	probe  VersionProber
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]Capabilities
	group   singleflight.Group
}

func NewCapabilityCache(probe VersionProber, logger *zap.Logger) *CapabilityCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CapabilityCache{probe: probe, logger: logger, entries: make(map[string]Capabilities)}
}

// Get returns the capabilities of database whose directory entry records version.
// A failed probe disables optional features for this call and is not cached.
func (c *CapabilityCache) Get(ctx context.Context, database string, version int64) Capabilities {
	c.mu.RLock()
	caps, ok := c.entries[database]
	c.mu.RUnlock()
	if ok {
		return caps
	}

	if version > 0 || c.probe == nil {
		caps = CapabilitiesFor(version)
		c.store(database, caps)
		return caps
	}

	v, err, _ := c.group.Do(database, func() (any, error) {
		return c.probe(ctx, database)
	})
	if err != nil {
		c.logger.Warn("tenant schema probe failed; optional features disabled",
			zap.String("database", database), zap.Error(err))
		return CapabilitiesFor(0)
	}
	caps = CapabilitiesFor(v.(int64))
	c.store(database, caps)
	return caps
}

// Invalidate forgets database so the next Get re-reads its version.
func (c *CapabilityCache) Invalidate(database string) {
	c.mu.Lock()
	delete(c.entries, database)
	c.mu.Unlock()
}

func (c *CapabilityCache) store(database string, caps Capabilities) {
	c.mu.Lock()
	c.entries[database] = caps
	c.mu.Unlock()
}

// Package cache provides caching implementations for hot lookups and
// velocity counters: in-memory LRU for single-node deployments, Redis
// for shared state, and a two-phase combination of both.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/clickguard/kestrel/internal/domain"
)

// New creates a cache based on configuration.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote), nil
		}
		return remote, nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache layers a local LRU in front of Redis. Reads check the
// local cache first and backfill it on a remote hit. Writes go to both.
// Counters and cooldowns always go to Redis so every node sees the same
// values.
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
}

// NewTwoPhaseCache creates a two-phase cache over the given layers.
func NewTwoPhaseCache(local *LRUCache, remote *RedisCache) *TwoPhaseCache {
	return &TwoPhaseCache{local: local, remote: remote}
}

// Get checks local first, then remote. Remote hits are backfilled into
// the local layer with a short TTL.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, tenantID, key)
	if err == nil && val != nil {
		return val, nil
	}

	val, err = c.remote.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, tenantID, key, val, 1*time.Minute)
	}
	return val, nil
}

// Set writes to both layers.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.remote.Set(ctx, tenantID, key, value, ttl); err != nil {
		return err
	}
	return c.local.Set(ctx, tenantID, key, value, ttl)
}

// Delete removes from both layers.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, tenantID, key)
}

// IncrementCounter always goes to the remote layer. Velocity counters
// must be accurate across nodes, so the local layer is bypassed.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, tenantID, key, window)
}

// AcquireCooldown always goes to the remote layer so a notification
// rule fires at most once per window across the whole fleet.
func (c *TwoPhaseCache) AcquireCooldown(ctx context.Context, tenantID string, key string, window time.Duration) (bool, error) {
	return c.remote.AcquireCooldown(ctx, tenantID, key, window)
}

// Ping checks the remote layer.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	return c.remote.Ping(ctx)
}

// Close closes both layers.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

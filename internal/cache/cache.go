package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultNearTTL = 5 * time.Minute

// New builds the cache selected by cfg.Type. With Redis and
// EnableTwoPhase set, an LRU is layered in front of Redis.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg)
	}
	return nil, fmt.Errorf("unsupported cache type %q", cfg.Type)
}

// TwoPhaseCache reads through a node-local LRU (near) to Redis (far).
// Concurrent near misses for one key share a single Redis round trip.
type TwoPhaseCache struct {
	near    *LRUCache
	far     *RedisCache
	nearTTL time.Duration
	loads   singleflight.Group
}

// NewTwoPhaseCache connects the far tier and sizes the near tier from cfg.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	far, err := NewRedisCache(cfg)
	if err != nil {
		return nil, err
	}
	nearTTL := cfg.LocalTTL
	if nearTTL <= 0 {
		nearTTL = defaultNearTTL
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), far, nearTTL), nil
}

func newTwoPhase(near *LRUCache, far *RedisCache, nearTTL time.Duration) *TwoPhaseCache {
	return &TwoPhaseCache{near: near, far: far, nearTTL: nearTTL}
}

func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	if v, _ := c.near.Get(ctx, key); v != nil {
		return v, nil
	}

	v, err, _ := c.loads.Do(key, func() (any, error) {
		b, err := c.far.Get(ctx, key)
		if err != nil || b == nil {
			return nil, err
		}
		_ = c.near.Set(ctx, key, b, c.nearTTL)
		return b, nil
	})
	if err != nil || v == nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Set writes the far tier with ttl and the near tier with the shorter
// of ttl and the near TTL.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = c.near.Set(ctx, key, value, min(ttl, c.nearTTL))
	return c.far.Set(ctx, key, value, ttl)
}

// Delete always clears the near tier, even when Redis fails.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	_ = c.near.Delete(ctx, key)
	return c.far.Delete(ctx, key)
}

func (c *TwoPhaseCache) GetProfile(ctx context.Context, actorID string) (*domain.ActorProfile, error) {
	return getProfile(ctx, c, actorID)
}

func (c *TwoPhaseCache) SetProfile(ctx context.Context, profile *domain.ActorProfile, ttl time.Duration) error {
	return setProfile(ctx, c, profile, ttl)
}

// Ping checks the far tier.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.far.Ping(ctx); err != nil {
		return fmt.Errorf("far tier: %w", err)
	}
	return nil
}

func (c *TwoPhaseCache) Close() error {
	return errors.Join(c.near.Close(), c.far.Close())
}

// Stats reports the near tier.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.near.Stats()
}

var _ domain.Cache = (*TwoPhaseCache)(nil)

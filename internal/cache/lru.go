// Package cache holds the profile read-through caches: an in-process
// LRU, Redis, and the two combined.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultLRUEntries = 10000

// LRUCache is an in-process cache with per-entry expiry. It serves
// single-node deployments and is the near tier of TwoPhaseCache.
type LRUCache struct {
	mu       sync.Mutex
	entries  *lru.Cache
	capacity int
	now      func() time.Time
}

type lruEntry struct {
	value   []byte
	expires time.Time
}

// NewLRUCache returns a cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = defaultLRUEntries
	}
	return &LRUCache{
		entries:  lru.New(capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Get returns nil for a miss or an expired entry.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.entries.Get(key)
	if !ok {
		return nil, nil
	}
	e := v.(lruEntry)
	if !c.now().Before(e.expires) {
		c.entries.Remove(key)
		return nil, nil
	}
	return e.value, nil
}

// Set stores value until ttl elapses, evicting the least recently used
// entry when full.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.entries.Add(key, lruEntry{value: value, expires: c.now().Add(ttl)})
	c.mu.Unlock()
	return nil
}

func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	c.entries.Remove(key)
	c.mu.Unlock()
	return nil
}

func (c *LRUCache) GetProfile(ctx context.Context, actorID string) (*domain.ActorProfile, error) {
	return getProfile(ctx, c, actorID)
}

func (c *LRUCache) SetProfile(ctx context.Context, profile *domain.ActorProfile, ttl time.Duration) error {
	return setProfile(ctx, c, profile, ttl)
}

func (c *LRUCache) Ping(context.Context) error { return nil }

// Close drops every entry. The cache stays usable afterwards.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	c.entries.Clear()
	c.mu.Unlock()
	return nil
}

// Stats reports the live entry count and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len(), c.capacity
}

var _ domain.Cache = (*LRUCache)(nil)

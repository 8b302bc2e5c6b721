package domain

import (
	"context"
	"time"
)

// Cache is the byte-level store in front of the actor profile table.
// A miss is reported as nil, nil.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	GetProfile(ctx context.Context, actorID string) (*ActorProfile, error)
	SetProfile(ctx context.Context, profile *ActorProfile, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects the cache. Type is "memory" or "redis"; with
// Redis, EnableTwoPhase puts a LocalMaxSize LRU in front of it.
type CacheConfig struct {
	Type string

	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	EnableTwoPhase bool

	// ProfileTTL bounds how long a cached profile is trusted.
	ProfileTTL time.Duration
}

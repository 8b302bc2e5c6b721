package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clockCache := NewLRUCache(10)
		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		clockCache.now = func() time.Time { return now }

		_ = clockCache.Set(ctx, "expiring", []byte("temp"), time.Minute)

		val, _ := clockCache.Get(ctx, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		now = now.Add(2 * time.Minute)

		val, _ = clockCache.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
		if size, _ := clockCache.Stats(); size != 0 {
			t.Errorf("expected expired entry to be removed, size %d", size)
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		val, _ := smallCache.Get(ctx, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		val, _ = smallCache.Get(ctx, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("Profile", func(t *testing.T) {
		profile := &domain.ActorProfile{
			ActorID:       "actor-1",
			CreatedAt:     time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC),
			LifetimeCount: 12,
		}
		require.NoError(t, cache.SetProfile(ctx, profile, time.Minute))

		got, err := cache.GetProfile(ctx, "actor-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.CreatedAt.Equal(profile.CreatedAt))
		assert.Equal(t, int64(12), got.LifetimeCount)

		missing, err := cache.GetProfile(ctx, "actor-2")
		assert.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		val, _ := testCache.Get(ctx, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()

	t.Run("GetHitAndMiss", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := NewRedisCacheWithClient(client)

		mock.ExpectGet("kestrel:k1").SetVal("v1")
		mock.ExpectGet("kestrel:k2").RedisNil()

		val, err := c.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "v1", string(val))

		val, err = c.Get(ctx, "k2")
		require.NoError(t, err)
		assert.Nil(t, val)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GetError", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := NewRedisCacheWithClient(client)

		mock.ExpectGet("kestrel:k1").SetErr(errors.New("connection refused"))

		_, err := c.Get(ctx, "k1")
		assert.Error(t, err)
	})

	t.Run("SetAndDelete", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := NewRedisCacheWithClient(client)

		mock.ExpectSet("kestrel:k1", []byte("v1"), time.Minute).SetVal("OK")
		mock.ExpectDel("kestrel:k1").SetVal(1)

		require.NoError(t, c.Set(ctx, "k1", []byte("v1"), time.Minute))
		require.NoError(t, c.Delete(ctx, "k1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Profile", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := NewRedisCacheWithClient(client)

		profile := &domain.ActorProfile{ActorID: "actor-1", LifetimeCount: 3}
		data, err := json.Marshal(profile)
		require.NoError(t, err)

		mock.ExpectSet("kestrel:profile:actor-1", data, time.Minute).SetVal("OK")
		mock.ExpectGet("kestrel:profile:actor-1").SetVal(string(data))

		require.NoError(t, c.SetProfile(ctx, profile, time.Minute))

		got, err := c.GetProfile(ctx, "actor-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.LifetimeCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Ping", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := NewRedisCacheWithClient(client)

		mock.ExpectPing().SetVal("PONG")
		assert.NoError(t, c.Ping(ctx))
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()

	t.Run("L2HitPopulatesL1", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := newTwoPhase(NewLRUCache(10), NewRedisCacheWithClient(client), time.Minute)

		mock.ExpectGet("kestrel:k1").SetVal("remote")

		val, err := c.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "remote", string(val))

		// Served from L1 without another Redis call.
		val, err = c.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "remote", string(val))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("SetWritesBoth", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		local := NewLRUCache(10)
		c := newTwoPhase(local, NewRedisCacheWithClient(client), time.Minute)

		mock.ExpectSet("kestrel:k1", []byte("v"), time.Hour).SetVal("OK")

		require.NoError(t, c.Set(ctx, "k1", []byte("v"), time.Hour))

		val, _ := local.Get(ctx, "k1")
		assert.Equal(t, "v", string(val))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("L2ErrorSurfaces", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := newTwoPhase(NewLRUCache(10), NewRedisCacheWithClient(client), time.Minute)

		mock.ExpectGet("kestrel:profile:actor-9").SetErr(errors.New("timeout"))

		_, err := c.GetProfile(ctx, "actor-9")
		assert.Error(t, err)
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

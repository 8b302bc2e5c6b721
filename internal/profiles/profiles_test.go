package profiles

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type memStore struct {
	profiles map[string]domain.ActorProfile
	reads    int
	err      error
}

func newMemStore() *memStore {
	return &memStore{profiles: make(map[string]domain.ActorProfile)}
}

func (m *memStore) GetProfile(ctx context.Context, actorID string) (*domain.ActorProfile, error) {
	m.reads++
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.profiles[actorID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (m *memStore) SaveProfile(ctx context.Context, p *domain.ActorProfile) error {
	m.profiles[p.ActorID] = *p
	return nil
}

// brokenCache fails every read and write.
type brokenCache struct{ domain.Cache }

func (brokenCache) GetProfile(context.Context, string) (*domain.ActorProfile, error) {
	return nil, errors.New("cache down")
}

func (brokenCache) SetProfile(context.Context, *domain.ActorProfile, time.Duration) error {
	return errors.New("cache down")
}

func TestSourceReadThrough(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.profiles["a1"] = domain.ActorProfile{ActorID: "a1", LifetimeCount: 5}

	src := NewSource(store, cache.NewLRUCache(10), time.Minute, nil)

	p, err := src.GetProfile(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.LifetimeCount)

	_, err = src.GetProfile(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.reads, "second read should be served from cache")
}

func TestSourceNotFound(t *testing.T) {
	src := NewSource(newMemStore(), nil, 0, nil)

	_, err := src.GetProfile(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSourceStoreError(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection reset")
	src := NewSource(store, nil, 0, nil)

	_, err := src.GetProfile(context.Background(), "a1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestSourceCacheFailureFallsBackToStore(t *testing.T) {
	store := newMemStore()
	store.profiles["a1"] = domain.ActorProfile{ActorID: "a1"}
	src := NewSource(store, brokenCache{}, 0, nil)

	p, err := src.GetProfile(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", p.ActorID)
}

func TestSourceSave(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	lru := cache.NewLRUCache(10)
	src := NewSource(store, lru, time.Minute, nil)

	created := time.Now().Add(-72 * time.Hour).UTC()
	require.NoError(t, src.Save(ctx, &domain.ActorProfile{ActorID: "a2", CreatedAt: created}))

	cached, err := lru.GetProfile(ctx, "a2")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, cached.CreatedAt.Equal(created))
	assert.False(t, cached.UpdatedAt.IsZero())

	src.Invalidate(ctx, "a2")
	cached, _ = lru.GetProfile(ctx, "a2")
	assert.Nil(t, cached)

	t.Run("Validation", func(t *testing.T) {
		assert.ErrorIs(t, src.Save(ctx, &domain.ActorProfile{}), domain.ErrInvalidTransfer)
		assert.ErrorIs(t, src.Save(ctx, &domain.ActorProfile{ActorID: "x", LifetimeCount: -1}), domain.ErrInvalidTransfer)
		assert.ErrorIs(t, src.Save(ctx, &domain.ActorProfile{ActorID: "x", CreatedAt: time.Now().Add(24 * time.Hour)}), domain.ErrInvalidTransfer)
	})
}

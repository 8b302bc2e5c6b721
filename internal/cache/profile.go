package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// byteStore is the raw key/value surface shared by the cache backends.
type byteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ProfileKey is the cache key of an actor profile.
func ProfileKey(actorID string) string {
	return "profile:" + actorID
}

func getProfile(ctx context.Context, s byteStore, actorID string) (*domain.ActorProfile, error) {
	data, err := s.Get(ctx, ProfileKey(actorID))
	if err != nil || data == nil {
		return nil, err
	}

	var p domain.ActorProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func setProfile(ctx context.Context, s byteStore, p *domain.ActorProfile, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.Set(ctx, ProfileKey(p.ActorID), data, ttl)
}

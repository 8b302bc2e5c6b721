// Package profiles serves actor profiles to the scoring path through a
// read-through cache.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultTTL bounds how long a cached profile is served.
const DefaultTTL = 5 * time.Minute

// Store is the durable profile storage.
type Store interface {
	GetProfile(ctx context.Context, actorID string) (*domain.ActorProfile, error)
	SaveProfile(ctx context.Context, p *domain.ActorProfile) error
}

// Source reads profiles from the cache first and the store on a miss.
// Cache failures are logged and bypassed; the store stays authoritative.
type Source struct {
	store  Store
	cache  domain.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewSource creates a profile source. c may be nil.
func NewSource(store Store, c domain.Cache, ttl time.Duration, logger *slog.Logger) *Source {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		store:  store,
		cache:  c,
		ttl:    ttl,
		logger: logger,
	}
}

// GetProfile returns the actor's profile. A missing actor yields an error
// wrapping domain.ErrNotFound.
func (s *Source) GetProfile(ctx context.Context, actorID string) (*domain.ActorProfile, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor id is required", domain.ErrInvalidTransfer)
	}

	if s.cache != nil {
		p, err := s.cache.GetProfile(ctx, actorID)
		if err != nil {
			s.logger.Warn("profile cache read failed", "actor_id", actorID, "error", err)
		} else if p != nil {
			return p, nil
		}
	}

	p, err := s.store.GetProfile(ctx, actorID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("profile for actor %s: %w", actorID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load profile for actor %s: %w", actorID, err)
	}

	s.fill(ctx, p)
	return p, nil
}

// Save validates and persists a profile, then refreshes the cache.
func (s *Source) Save(ctx context.Context, p *domain.ActorProfile) error {
	if p == nil || p.ActorID == "" {
		return fmt.Errorf("%w: actor id is required", domain.ErrInvalidTransfer)
	}
	if p.LifetimeCount < 0 || p.LifetimeVolume < 0 {
		return fmt.Errorf("%w: lifetime totals must not be negative", domain.ErrInvalidTransfer)
	}
	if !p.CreatedAt.IsZero() && p.CreatedAt.After(time.Now().Add(time.Minute)) {
		return fmt.Errorf("%w: created_at is in the future", domain.ErrInvalidTransfer)
	}

	p.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveProfile(ctx, p); err != nil {
		return err
	}

	s.fill(ctx, p)
	return nil
}

// Invalidate drops a cached profile.
func (s *Source) Invalidate(ctx context.Context, actorID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.ProfileKey(actorID)); err != nil {
		s.logger.Warn("profile cache delete failed", "actor_id", actorID, "error", err)
	}
}

func (s *Source) fill(ctx context.Context, p *domain.ActorProfile) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetProfile(ctx, p, s.ttl); err != nil {
		s.logger.Warn("profile cache write failed", "actor_id", p.ActorID, "error", err)
	}
}

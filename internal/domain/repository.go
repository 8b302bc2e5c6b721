// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository persists patterns, actor profiles and assessments. Lookups
// of a missing row return an error wrapping ErrNotFound.
type Repository interface {
	SavePattern(ctx context.Context, p *FraudPattern) error
	GetPattern(ctx context.Context, id string) (*FraudPattern, error)
	ListPatterns(ctx context.Context, includeInactive bool) ([]*FraudPattern, error)
	DeactivatePattern(ctx context.Context, id string) error

	SaveProfile(ctx context.Context, p *ActorProfile) error
	GetProfile(ctx context.Context, actorID string) (*ActorProfile, error)

	SaveAssessment(ctx context.Context, a *RiskAssessment) error
	GetAssessment(ctx context.Context, id string) (*RiskAssessment, error)
	ListAssessmentsByActor(ctx context.Context, actorID string, since time.Time) ([]*RiskAssessment, error)
	ConfirmAssessment(ctx context.Context, id string, confirmed bool, notes string) error

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig selects the database. Driver is "sqlite" or
// "postgres"; only the fields of the chosen driver are read.
type RepositoryConfig struct {
	Driver string

	SQLitePath string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

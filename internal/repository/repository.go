// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrNotFound and ErrDuplicate alias the domain sentinels so callers
	// outside this package can match them without importing repository.
	ErrNotFound     = domain.ErrNotFound
	ErrDuplicate    = domain.ErrDuplicate
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the connection pool for stats collection.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// SavePattern inserts or replaces a fraud pattern.
func (r *SQLRepository) SavePattern(ctx context.Context, p *domain.FraudPattern) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("%w: pattern id is required", ErrInvalidInput)
	}
	if p.Kind == "" {
		return fmt.Errorf("%w: pattern type is required", ErrInvalidInput)
	}

	name := p.Name
	if name == "" {
		name = p.ID
	}
	params := string(p.Parameters)
	if params == "" {
		params = "{}"
	}

	now := time.Now().UTC()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	query := `
		INSERT INTO fraud_patterns (
			id, pattern_name, pattern_type, description, parameters,
			weight, threshold_score, scope, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pattern_name = excluded.pattern_name,
			pattern_type = excluded.pattern_type,
			description = excluded.description,
			parameters = excluded.parameters,
			weight = excluded.weight,
			threshold_score = excluded.threshold_score,
			scope = excluded.scope,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ID, name, string(p.Kind), p.Description, params,
		p.Weight, p.NotableThreshold, p.Scope, boolToInt(p.Active),
		now, p.UpdatedAt,
	)
	return err
}

const patternColumns = `id, pattern_name, pattern_type, description, parameters,
	weight, threshold_score, scope, is_active, updated_at`

func scanPattern(row interface{ Scan(...any) error }) (*domain.FraudPattern, error) {
	var (
		p           domain.FraudPattern
		kind        string
		params      string
		description sql.NullString
		scope       sql.NullString
		active      int
	)
	if err := row.Scan(
		&p.ID, &p.Name, &kind, &description, &params,
		&p.Weight, &p.NotableThreshold, &scope, &active, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Kind = domain.PatternKind(kind)
	p.Parameters = json.RawMessage(params)
	p.Description = description.String
	p.Scope = scope.String
	p.Active = active == 1
	return &p, nil
}

// GetPattern retrieves a fraud pattern by id.
func (r *SQLRepository) GetPattern(ctx context.Context, id string) (*domain.FraudPattern, error) {
	query := `SELECT ` + patternColumns + ` FROM fraud_patterns WHERE id = ?`

	p, err := scanPattern(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPatterns retrieves fraud patterns ordered by id.
func (r *SQLRepository) ListPatterns(ctx context.Context, includeInactive bool) ([]*domain.FraudPattern, error) {
	query := `SELECT ` + patternColumns + ` FROM fraud_patterns`
	if !includeInactive {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []*domain.FraudPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}

	return patterns, rows.Err()
}

// DeactivatePattern marks a pattern inactive. Patterns are never deleted
// so past assessments stay explainable.
func (r *SQLRepository) DeactivatePattern(ctx context.Context, id string) error {
	query := `UPDATE fraud_patterns SET is_active = 0, updated_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveProfile inserts or replaces an actor profile.
func (r *SQLRepository) SaveProfile(ctx context.Context, p *domain.ActorProfile) error {
	if p == nil || p.ActorID == "" {
		return fmt.Errorf("%w: actor id is required", ErrInvalidInput)
	}

	var created any
	if !p.CreatedAt.IsZero() {
		created = p.CreatedAt.UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO actor_profiles (
			actor_id, account_created_at, lifetime_count, lifetime_volume, balance, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_id) DO UPDATE SET
			account_created_at = excluded.account_created_at,
			lifetime_count = excluded.lifetime_count,
			lifetime_volume = excluded.lifetime_volume,
			balance = excluded.balance,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ActorID, created, p.LifetimeCount, p.LifetimeVolume, p.Balance, p.UpdatedAt,
	)
	return err
}

// GetProfile retrieves an actor profile.
func (r *SQLRepository) GetProfile(ctx context.Context, actorID string) (*domain.ActorProfile, error) {
	query := `
		SELECT actor_id, account_created_at, lifetime_count, lifetime_volume, balance, updated_at
		FROM actor_profiles
		WHERE actor_id = ?
	`

	var p domain.ActorProfile
	var created sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), actorID).Scan(
		&p.ActorID, &created, &p.LifetimeCount, &p.LifetimeVolume, &p.Balance, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if created.Valid {
		p.CreatedAt = created.Time.UTC()
	}
	return &p, nil
}

// SaveAssessment stores an assessment. Assessments are immutable; saving
// the same id twice is an error.
func (r *SQLRepository) SaveAssessment(ctx context.Context, a *domain.RiskAssessment) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: assessment id is required", ErrInvalidInput)
	}

	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}

	query := `
		INSERT INTO risk_assessments (
			id, transfer_id, actor_id, score, decision, body, evaluated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.TransferID, a.ActorID, a.Score, string(a.Decision), string(body), a.EvaluatedAt.UTC(),
	)
	if r.uniqueViolation(err) {
		return fmt.Errorf("%w: assessment %s", ErrDuplicate, a.ID)
	}
	return err
}

const assessmentColumns = `body, is_confirmed_fraud, analyst_notes`

func scanAssessment(row interface{ Scan(...any) error }) (*domain.RiskAssessment, error) {
	var (
		body      string
		confirmed sql.NullInt64
		notes     sql.NullString
	)
	if err := row.Scan(&body, &confirmed, &notes); err != nil {
		return nil, err
	}

	var a domain.RiskAssessment
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, fmt.Errorf("failed to decode assessment: %w", err)
	}
	if confirmed.Valid {
		v := confirmed.Int64 == 1
		a.ConfirmedFraud = &v
	}
	a.AnalystNotes = notes.String
	return &a, nil
}

// GetAssessment retrieves an assessment by id.
func (r *SQLRepository) GetAssessment(ctx context.Context, id string) (*domain.RiskAssessment, error) {
	query := `SELECT ` + assessmentColumns + ` FROM risk_assessments WHERE id = ?`

	a, err := scanAssessment(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAssessmentsByActor retrieves an actor's assessments since the given
// time, newest first.
func (r *SQLRepository) ListAssessmentsByActor(ctx context.Context, actorID string, since time.Time) ([]*domain.RiskAssessment, error) {
	query := `
		SELECT ` + assessmentColumns + `
		FROM risk_assessments
		WHERE actor_id = ? AND evaluated_at >= ?
		ORDER BY evaluated_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), actorID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RiskAssessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}

	return out, rows.Err()
}

// ConfirmAssessment records an analyst verdict.
func (r *SQLRepository) ConfirmAssessment(ctx context.Context, id string, confirmed bool, notes string) error {
	query := `UPDATE risk_assessments SET is_confirmed_fraud = ?, analyst_notes = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), boolToInt(confirmed), notes, id)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func (r *SQLRepository) uniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if r.driver == "postgres" {
		return postgresUniqueViolation(err)
	}
	return sqliteUniqueViolation(err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.Repository = (*SQLRepository)(nil)

package repository

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetPattern", func(t *testing.T) {
		p := domain.NewFraudPattern("large-amount", &domain.AmountParams{MaxAmount: 5000}, 0.6)
		p.Description = "single transfer above limit"
		p.Scope = `transfer_kind == "external"`

		if err := repo.SavePattern(ctx, p); err != nil {
			t.Fatalf("SavePattern failed: %v", err)
		}

		got, err := repo.GetPattern(ctx, p.ID)
		if err != nil {
			t.Fatalf("GetPattern failed: %v", err)
		}
		if got.Kind != domain.PatternAmount {
			t.Errorf("expected kind %s, got %s", domain.PatternAmount, got.Kind)
		}
		if got.Weight != 0.6 {
			t.Errorf("expected weight 0.6, got %f", got.Weight)
		}
		if got.Scope != p.Scope {
			t.Errorf("expected scope %q, got %q", p.Scope, got.Scope)
		}
		if !got.Active {
			t.Error("expected pattern to be active")
		}

		params, err := got.Params()
		if err != nil {
			t.Fatalf("Params failed: %v", err)
		}
		if params.(*domain.AmountParams).MaxAmount != 5000 {
			t.Errorf("expected max_amount 5000, got %+v", params)
		}
	})

	t.Run("UpdatePattern", func(t *testing.T) {
		p := domain.NewFraudPattern("large-amount", &domain.AmountParams{MaxAmount: 8000}, 0.9)
		if err := repo.SavePattern(ctx, p); err != nil {
			t.Fatalf("SavePattern failed: %v", err)
		}

		got, err := repo.GetPattern(ctx, "large-amount")
		if err != nil {
			t.Fatalf("GetPattern failed: %v", err)
		}
		if got.Weight != 0.9 {
			t.Errorf("expected weight 0.9 after update, got %f", got.Weight)
		}
	})

	t.Run("ListAndDeactivatePatterns", func(t *testing.T) {
		p := domain.NewFraudPattern("new-account", &domain.AccountAgeParams{MinAgeDays: 7}, 0.4)
		if err := repo.SavePattern(ctx, p); err != nil {
			t.Fatalf("SavePattern failed: %v", err)
		}

		active, err := repo.ListPatterns(ctx, false)
		if err != nil {
			t.Fatalf("ListPatterns failed: %v", err)
		}
		if len(active) != 2 {
			t.Fatalf("expected 2 active patterns, got %d", len(active))
		}
		if active[0].ID != "large-amount" || active[1].ID != "new-account" {
			t.Errorf("expected patterns ordered by id, got %s, %s", active[0].ID, active[1].ID)
		}

		if err := repo.DeactivatePattern(ctx, "new-account"); err != nil {
			t.Fatalf("DeactivatePattern failed: %v", err)
		}

		active, _ = repo.ListPatterns(ctx, false)
		if len(active) != 1 {
			t.Errorf("expected 1 active pattern, got %d", len(active))
		}

		all, _ := repo.ListPatterns(ctx, true)
		if len(all) != 2 {
			t.Errorf("expected 2 patterns including inactive, got %d", len(all))
		}

		if err := repo.DeactivatePattern(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SavePatternValidation", func(t *testing.T) {
		err := repo.SavePattern(ctx, &domain.FraudPattern{Kind: domain.PatternAmount})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("SaveAndGetProfile", func(t *testing.T) {
		created := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		profile := &domain.ActorProfile{
			ActorID:        "actor-001",
			CreatedAt:      created,
			LifetimeCount:  42,
			LifetimeVolume: 12500.50,
			Balance:        800,
		}

		if err := repo.SaveProfile(ctx, profile); err != nil {
			t.Fatalf("SaveProfile failed: %v", err)
		}

		got, err := repo.GetProfile(ctx, "actor-001")
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("expected created_at %v, got %v", created, got.CreatedAt)
		}
		if got.LifetimeCount != 42 {
			t.Errorf("expected lifetime count 42, got %d", got.LifetimeCount)
		}
	})

	t.Run("ProfileWithoutCreatedAt", func(t *testing.T) {
		if err := repo.SaveProfile(ctx, &domain.ActorProfile{ActorID: "actor-noage"}); err != nil {
			t.Fatalf("SaveProfile failed: %v", err)
		}

		got, err := repo.GetProfile(ctx, "actor-noage")
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}
		if !got.CreatedAt.IsZero() {
			t.Errorf("expected zero created_at, got %v", got.CreatedAt)
		}
	})

	t.Run("ProfileNotFound", func(t *testing.T) {
		_, err := repo.GetProfile(ctx, "nobody")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	now := time.Now().UTC().Truncate(time.Second)

	t.Run("SaveAndGetAssessment", func(t *testing.T) {
		a := &domain.RiskAssessment{
			ID:          "ra-001",
			TransferID:  "tr-001",
			ActorID:     "actor-001",
			Score:       0.82,
			Decision:    domain.DecisionBlock,
			RiskLevel:   domain.RiskCritical,
			Reasons:     []string{"amount 9000 exceeds 5000"},
			EvaluatedAt: now.Add(-2 * time.Hour),
			Patterns: []domain.PatternResult{
				{PatternID: "large-amount", Kind: domain.PatternAmount, Triggered: true, Contribution: 0.5},
			},
		}

		if err := repo.SaveAssessment(ctx, a); err != nil {
			t.Fatalf("SaveAssessment failed: %v", err)
		}

		got, err := repo.GetAssessment(ctx, "ra-001")
		if err != nil {
			t.Fatalf("GetAssessment failed: %v", err)
		}
		if got.Decision != domain.DecisionBlock {
			t.Errorf("expected BLOCK, got %s", got.Decision)
		}
		if len(got.Patterns) != 1 || got.Patterns[0].PatternID != "large-amount" {
			t.Errorf("expected pattern results to round trip, got %+v", got.Patterns)
		}
		if got.ConfirmedFraud != nil {
			t.Error("expected unconfirmed assessment")
		}

		if err := repo.SaveAssessment(ctx, a); !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate for a repeated assessment id, got %v", err)
		}
	})

	t.Run("ConfirmAssessment", func(t *testing.T) {
		if err := repo.ConfirmAssessment(ctx, "ra-001", true, "chargeback received"); err != nil {
			t.Fatalf("ConfirmAssessment failed: %v", err)
		}

		got, err := repo.GetAssessment(ctx, "ra-001")
		if err != nil {
			t.Fatalf("GetAssessment failed: %v", err)
		}
		if got.ConfirmedFraud == nil || !*got.ConfirmedFraud {
			t.Error("expected confirmed fraud")
		}
		if got.AnalystNotes != "chargeback received" {
			t.Errorf("unexpected notes %q", got.AnalystNotes)
		}

		if err := repo.ConfirmAssessment(ctx, "missing", false, ""); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListAssessmentsByActor", func(t *testing.T) {
		older := &domain.RiskAssessment{
			ID: "ra-000", TransferID: "tr-000", ActorID: "actor-001",
			Decision: domain.DecisionAllow, EvaluatedAt: now.Add(-40 * 24 * time.Hour),
		}
		newer := &domain.RiskAssessment{
			ID: "ra-002", TransferID: "tr-002", ActorID: "actor-001",
			Score: 0.45, Decision: domain.DecisionReview, EvaluatedAt: now.Add(-time.Hour),
		}
		other := &domain.RiskAssessment{
			ID: "ra-003", TransferID: "tr-003", ActorID: "actor-002",
			Decision: domain.DecisionAllow, EvaluatedAt: now,
		}
		for _, a := range []*domain.RiskAssessment{older, newer, other} {
			if err := repo.SaveAssessment(ctx, a); err != nil {
				t.Fatalf("SaveAssessment(%s) failed: %v", a.ID, err)
			}
		}

		list, err := repo.ListAssessmentsByActor(ctx, "actor-001", now.Add(-30*24*time.Hour))
		if err != nil {
			t.Fatalf("ListAssessmentsByActor failed: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 assessments in window, got %d", len(list))
		}
		if list[0].ID != "ra-002" || list[1].ID != "ra-001" {
			t.Errorf("expected newest first, got %s, %s", list[0].ID, list[1].ID)
		}
		if list[1].ConfirmedFraud == nil {
			t.Error("expected confirmation to be visible in listing")
		}
	})

	t.Run("AssessmentNotFound", func(t *testing.T) {
		_, err := repo.GetAssessment(ctx, "nonexistent")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{
		PostgresHost:     "db.internal",
		PostgresUser:     "kestrel",
		PostgresPassword: "p@ss word",
	})

	u, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("invalid dsn %q: %v", dsn, err)
	}
	if u.Host != "db.internal:5432" {
		t.Errorf("expected default port, got %s", u.Host)
	}
	if u.Path != "/kestrel" {
		t.Errorf("expected default database, got %s", u.Path)
	}
	if pw, _ := u.User.Password(); pw != "p@ss word" {
		t.Errorf("password did not round trip: %q", pw)
	}
	if u.Query().Get("sslmode") != "disable" {
		t.Errorf("expected sslmode=disable, got %q", u.Query().Get("sslmode"))
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/tmp/kestrel.db")
	if !strings.HasPrefix(dsn, "file:/tmp/kestrel.db?") {
		t.Fatalf("unexpected dsn %q", dsn)
	}

	q, err := url.ParseQuery(strings.SplitN(dsn, "?", 2)[1])
	if err != nil {
		t.Fatalf("invalid query: %v", err)
	}
	if got := q["_pragma"]; len(got) != len(sqlitePragmas) {
		t.Errorf("expected %d pragmas, got %v", len(sqlitePragmas), got)
	}
}

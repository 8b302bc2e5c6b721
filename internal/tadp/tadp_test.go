package tadp

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	p, err := NewProcessor(DefaultSettings())
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}
	return p
}

func triggered(id string, c float64) domain.PatternResult {
	return domain.PatternResult{PatternID: id, Triggered: true, Contribution: c, Threshold: 0.5}
}

func TestDecideBoundaries(t *testing.T) {
	s := DefaultSettings()
	tests := []struct {
		score float64
		want  domain.Decision
	}{
		{0, domain.DecisionAllow},
		{math.Nextafter(0.4, 0), domain.DecisionAllow},
		{0.4, domain.DecisionReview},
		{math.Nextafter(0.7, 0), domain.DecisionReview},
		{0.7, domain.DecisionBlock},
		{1, domain.DecisionBlock},
	}
	for _, tt := range tests {
		if got := Decide(tt.score, s); got != tt.want {
			t.Errorf("Decide(%v): expected %s, got %s", tt.score, tt.want, got)
		}
	}
}

func TestProcessor(t *testing.T) {
	proc := newTestProcessor(t)
	ctx := context.Background()

	t.Run("NoSignals", func(t *testing.T) {
		a := proc.Process(ctx, &DecisionInput{
			TransferID: "tx-001",
			TraceID:    "trace-001",
			AnomalyErr: &domain.ModelUnavailableError{},
			StartTime:  time.Now(),
		})
		if a.Score != 0 || a.Decision != domain.DecisionAllow {
			t.Errorf("expected 0/ALLOW, got %v/%s", a.Score, a.Decision)
		}
		if !a.Degraded {
			t.Error("expected degraded flag without a model")
		}
		if a.Metadata.TraceID != "trace-001" {
			t.Errorf("expected traceID 'trace-001', got '%s'", a.Metadata.TraceID)
		}
		if a.ID == "" {
			t.Error("expected assessment id")
		}
	})

	t.Run("CappedSum", func(t *testing.T) {
		a := proc.Process(ctx, &DecisionInput{
			Patterns:   []domain.PatternResult{triggered("amount", 0.5), triggered("age", 1 - 2.0/7)},
			AnomalyErr: &domain.ModelUnavailableError{},
		})
		if a.RuleComponent != 1 {
			t.Errorf("expected capped rule component 1, got %v", a.RuleComponent)
		}
		if a.Decision != domain.DecisionBlock || a.RiskLevel != domain.RiskCritical {
			t.Errorf("expected BLOCK/CRITICAL, got %s/%s", a.Decision, a.RiskLevel)
		}
		if len(a.Notable) != 2 {
			t.Errorf("expected both patterns notable, got %v", a.Notable)
		}
	})

	t.Run("AnomalyWeighted", func(t *testing.T) {
		a := proc.Process(ctx, &DecisionInput{
			Patterns:     []domain.PatternResult{triggered("velocity", 0.2)},
			AnomalyScore: 0.8,
		})
		if math.Abs(a.Score-(0.2+0.3*0.8)) > 1e-12 {
			t.Errorf("expected 0.44, got %v", a.Score)
		}
		if a.Decision != domain.DecisionReview {
			t.Errorf("expected REVIEW, got %s", a.Decision)
		}
		if a.Degraded {
			t.Error("did not expect degraded flag")
		}
	})

	t.Run("NotableThreshold", func(t *testing.T) {
		low := triggered("low", 0.1)
		low.Threshold = 0.2
		a := proc.Process(ctx, &DecisionInput{Patterns: []domain.PatternResult{low, triggered("high", 0.6)}})
		if len(a.Notable) != 1 || a.Notable[0] != "high" {
			t.Errorf("expected only 'high' notable, got %v", a.Notable)
		}
	})

	t.Run("SkippedPatternsIgnored", func(t *testing.T) {
		a := proc.Process(ctx, &DecisionInput{
			Patterns: []domain.PatternResult{
				{PatternID: "broken", Skipped: true, Error: "bad config", Triggered: true, Contribution: 1},
				triggered("ok", 0.1),
			},
		})
		if a.RuleComponent != 0.1 {
			t.Errorf("skipped patterns must not contribute, got %v", a.RuleComponent)
		}
		if len(a.SkippedPatterns) != 1 || a.SkippedPatterns[0] != "broken" {
			t.Errorf("expected skipped pattern recorded, got %v", a.SkippedPatterns)
		}
	})

	t.Run("InputNotMutated", func(t *testing.T) {
		in := []domain.PatternResult{triggered("x", 0.9)}
		proc.Process(ctx, &DecisionInput{Patterns: in})
		if in[0].Notable {
			t.Error("processor wrote into the caller's results")
		}
	})
}

func TestDegradedEqualsRuleOnly(t *testing.T) {
	proc := newTestProcessor(t)
	patterns := []domain.PatternResult{triggered("a", 0.25), triggered("b", 0.2)}

	a := proc.Process(context.Background(), &DecisionInput{Patterns: patterns, AnomalyScore: 0.9, AnomalyErr: errors.New("boom")})
	if a.Score != RuleComponent(patterns) {
		t.Errorf("expected rule-only score %v, got %v", RuleComponent(patterns), a.Score)
	}
	if !a.Degraded || a.AnomalyComponent != 0 {
		t.Errorf("expected degraded with zero anomaly component, got %+v", a)
	}

	// An out-of-range score from a model is treated the same way.
	a = proc.Process(context.Background(), &DecisionInput{Patterns: patterns, AnomalyScore: math.NaN()})
	if !a.Degraded || a.Score != RuleComponent(patterns) {
		t.Errorf("expected NaN anomaly score to degrade, got %+v", a)
	}
}

func TestFallback(t *testing.T) {
	proc := newTestProcessor(t)
	a := proc.Fallback(&DecisionInput{TransferID: "tx", ActorID: "a"}, &domain.InsufficientDataError{ActorID: "a", Field: "created_at"})

	if !a.Fallback || a.Decision != domain.DecisionReview {
		t.Errorf("expected fallback REVIEW, got %+v", a)
	}
	if a.Score != DefaultSettings().ReviewThreshold {
		t.Errorf("expected score pinned to review threshold, got %v", a.Score)
	}
	if Decide(a.Score, proc.Settings()) != a.Decision {
		t.Error("fallback score must map to the fallback decision")
	}
}

func TestUpdate(t *testing.T) {
	proc := newTestProcessor(t)

	bad := DefaultSettings()
	bad.ReviewThreshold = 0.8
	if err := proc.Update(bad); err == nil {
		t.Fatal("expected invalid settings to be rejected")
	}
	if proc.Settings() != DefaultSettings() {
		t.Error("rejected update changed settings")
	}

	good := DefaultSettings()
	good.BlockThreshold = 0.9
	if err := proc.Update(good); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	a := proc.Process(context.Background(), &DecisionInput{Patterns: []domain.PatternResult{triggered("x", 0.8)}})
	if a.Decision != domain.DecisionReview {
		t.Errorf("expected REVIEW under new block threshold, got %s", a.Decision)
	}
}

func TestDeterministic(t *testing.T) {
	proc := newTestProcessor(t)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := &DecisionInput{
		TransferID:   "tx",
		Patterns:     []domain.PatternResult{triggered("a", 0.3), triggered("b", 0.05)},
		AnomalyScore: 0.61,
		EvaluatedAt:  at,
	}

	first := proc.Process(context.Background(), in)
	for i := 0; i < 20; i++ {
		got := proc.Process(context.Background(), in)
		got.ID, got.Metadata = first.ID, first.Metadata
		if !reflect.DeepEqual(first, got) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, first, got)
		}
	}
}

// contributions is a random set of pattern contributions for quick.Check.
type contributions []float64

func (contributions) Generate(r *rand.Rand, size int) reflect.Value {
	n := r.Intn(8)
	c := make(contributions, n)
	for i := range c {
		c[i] = r.Float64() * 0.6
	}
	return reflect.ValueOf(c)
}

func TestMonotonicity(t *testing.T) {
	proc := newTestProcessor(t)
	ctx := context.Background()

	score := func(cs contributions, anomaly float64) float64 {
		var results []domain.PatternResult
		for i, c := range cs {
			results = append(results, triggered(string(rune('a'+i)), c))
		}
		return proc.Process(ctx, &DecisionInput{Patterns: results, AnomalyScore: anomaly}).Score
	}

	addPattern := func(cs contributions, extra float64, anomalyRaw uint16) bool {
		anomaly := float64(anomalyRaw) / math.MaxUint16
		extra = math.Abs(math.Mod(extra, 1))
		return score(append(cs[:len(cs):len(cs)], extra), anomaly) >= score(cs, anomaly)
	}
	if err := quick.Check(addPattern, nil); err != nil {
		t.Errorf("adding a triggered pattern lowered the score: %v", err)
	}

	raiseAnomaly := func(cs contributions, a, b uint16) bool {
		lo, hi := float64(a)/math.MaxUint16, float64(b)/math.MaxUint16
		if lo > hi {
			lo, hi = hi, lo
		}
		return score(cs, hi) >= score(cs, lo)
	}
	if err := quick.Check(raiseAnomaly, nil); err != nil {
		t.Errorf("raising the anomaly score lowered the score: %v", err)
	}
}

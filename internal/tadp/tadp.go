// Package tadp implements the Transfer Assessment Decision Processor.
// It combines pattern contributions and the anomaly score into one risk
// score and maps that score to ALLOW, REVIEW or BLOCK.
package tadp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Settings are the decision parameters. They are replaced as a whole.
type Settings struct {
	ReviewThreshold float64
	BlockThreshold  float64
	AnomalyWeight   float64

	// AnomalyNotable is the anomaly score listed as a reason when reached.
	AnomalyNotable float64

	// FallbackDecision is used whenever a score cannot be computed.
	FallbackDecision domain.Decision
}

// DefaultSettings returns the default decision settings.
func DefaultSettings() Settings {
	return Settings{
		ReviewThreshold:  0.4,
		BlockThreshold:   0.7,
		AnomalyWeight:    0.3,
		AnomalyNotable:   0.7,
		FallbackDecision: domain.DecisionReview,
	}
}

// SettingsFrom builds settings from the scoring configuration.
func SettingsFrom(cfg domain.ScoringConfig, anomalyNotable float64) Settings {
	s := DefaultSettings()
	s.ReviewThreshold = cfg.ReviewThreshold
	s.BlockThreshold = cfg.BlockThreshold
	s.AnomalyWeight = cfg.AnomalyWeight
	if anomalyNotable > 0 {
		s.AnomalyNotable = anomalyNotable
	}
	return s
}

// Validate checks threshold ordering and ranges.
func (s Settings) Validate() error {
	if !(s.ReviewThreshold >= 0 && s.BlockThreshold <= 1 && s.ReviewThreshold < s.BlockThreshold) {
		return fmt.Errorf("thresholds must satisfy 0 <= review < block <= 1, got review=%v block=%v", s.ReviewThreshold, s.BlockThreshold)
	}
	if s.AnomalyWeight < 0 || math.IsNaN(s.AnomalyWeight) || math.IsInf(s.AnomalyWeight, 0) {
		return fmt.Errorf("anomaly weight must be non-negative, got %v", s.AnomalyWeight)
	}
	switch s.FallbackDecision {
	case domain.DecisionReview, domain.DecisionBlock:
	default:
		return fmt.Errorf("fallback decision must be REVIEW or BLOCK, got %q", s.FallbackDecision)
	}
	return nil
}

// Processor aggregates pattern results and produces a final decision.
// Settings may be updated while requests are in flight; each request sees
// one consistent set.
type Processor struct {
	settings atomic.Pointer[Settings]
}

// NewProcessor creates a processor with validated settings.
func NewProcessor(s Settings) (*Processor, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	p := &Processor{}
	p.settings.Store(&s)
	return p, nil
}

// Settings returns the current settings.
func (p *Processor) Settings() Settings {
	return *p.settings.Load()
}

// Update replaces the settings. Invalid settings are rejected and the
// current ones stay in effect.
func (p *Processor) Update(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p.settings.Store(&s)
	return nil
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	TransferID string
	ActorID    string
	TraceID    string

	Patterns []domain.PatternResult

	// AnomalyErr is set when the anomaly model did not produce a score.
	AnomalyScore float64
	AnomalyErr   error

	RegistryVersion uint64
	ModelVersion    string

	StartTime   time.Time
	EvaluatedAt time.Time
}

// Process evaluates pattern results and produces a final assessment.
// It never returns an assessment without a decision.
func (p *Processor) Process(ctx context.Context, in *DecisionInput) *domain.RiskAssessment {
	start := time.Now()
	s := p.Settings()

	a := newAssessment(in)
	a.Patterns = append([]domain.PatternResult(nil), in.Patterns...)

	for i := range a.Patterns {
		r := &a.Patterns[i]
		if r.Skipped {
			a.SkippedPatterns = append(a.SkippedPatterns, r.PatternID)
			a.Reasons = append(a.Reasons, fmt.Sprintf("pattern %s skipped: %s", r.PatternID, r.Error))
			continue
		}
		if !r.Triggered {
			continue
		}
		r.Notable = r.Contribution >= r.Threshold
		if r.Notable {
			a.Notable = append(a.Notable, r.PatternID)
		}
		if r.Reason != "" {
			a.Reasons = append(a.Reasons, fmt.Sprintf("%s: %s", r.PatternID, r.Reason))
		}
	}

	a.RuleComponent = RuleComponent(a.Patterns)

	anomaly, anomalyErr := in.AnomalyScore, in.AnomalyErr
	if anomalyErr == nil && (math.IsNaN(anomaly) || anomaly < 0 || anomaly > 1) {
		anomalyErr = &domain.ModelUnavailableError{Err: fmt.Errorf("score %v out of range", anomaly)}
	}
	if anomalyErr != nil {
		a.Degraded = true
		a.Reasons = append(a.Reasons, "anomaly model unavailable, rule-only scoring")
	} else {
		a.AnomalyScore = anomaly
		a.AnomalyComponent = s.AnomalyWeight * anomaly
		if anomaly >= s.AnomalyNotable {
			a.Reasons = append(a.Reasons, fmt.Sprintf("anomaly score %.2f", anomaly))
		}
	}

	score := a.RuleComponent + a.AnomalyComponent
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return p.fallback(a, s, errors.New("aggregation produced a non-finite score"), start, in.StartTime)
	}

	a.Score = clamp01(score)
	a.Decision = Decide(a.Score, s)
	a.RiskLevel = domain.LevelFor(a.Score)
	a.Metadata.DecisionMs = time.Since(start).Milliseconds()
	if !in.StartTime.IsZero() {
		a.Metadata.TotalMs = time.Since(in.StartTime).Milliseconds()
	}
	return a
}

// Fallback returns the safe default assessment for a request that could
// not be scored, e.g. missing actor data under a fail-closed policy.
func (p *Processor) Fallback(in *DecisionInput, cause error) *domain.RiskAssessment {
	return p.fallback(newAssessment(in), p.Settings(), cause, time.Now(), in.StartTime)
}

func (p *Processor) fallback(a *domain.RiskAssessment, s Settings, cause error, start, requestStart time.Time) *domain.RiskAssessment {
	a.Fallback = true
	a.Decision = s.FallbackDecision
	a.Score = s.ReviewThreshold
	if s.FallbackDecision == domain.DecisionBlock {
		a.Score = s.BlockThreshold
	}
	a.RiskLevel = domain.LevelFor(a.Score)
	a.Reasons = append(a.Reasons, fmt.Sprintf("fallback decision: %v", cause))
	a.Metadata.DecisionMs = time.Since(start).Milliseconds()
	if !requestStart.IsZero() {
		a.Metadata.TotalMs = time.Since(requestStart).Milliseconds()
	}
	return a
}

func newAssessment(in *DecisionInput) *domain.RiskAssessment {
	evaluatedAt := in.EvaluatedAt
	if evaluatedAt.IsZero() {
		evaluatedAt = time.Now().UTC()
	}
	return &domain.RiskAssessment{
		ID:              uuid.New().String(),
		TransferID:      in.TransferID,
		ActorID:         in.ActorID,
		RegistryVersion: in.RegistryVersion,
		ModelVersion:    in.ModelVersion,
		EvaluatedAt:     evaluatedAt,
		Metadata: domain.AssessmentMetadata{
			TraceID:      in.TraceID,
			PatternCount: len(in.Patterns),
		},
	}
}

// RuleComponent is the capped sum of triggered contributions. Adding a
// triggered pattern never lowers it.
func RuleComponent(results []domain.PatternResult) float64 {
	var sum float64
	for _, r := range results {
		if r.Triggered && !r.Skipped && r.Contribution > 0 {
			sum += r.Contribution
		}
	}
	return math.Min(sum, 1)
}

// Decide maps a score to a decision. Boundary scores take the stricter
// decision.
func Decide(score float64, s Settings) domain.Decision {
	switch {
	case score >= s.BlockThreshold:
		return domain.DecisionBlock
	case score >= s.ReviewThreshold:
		return domain.DecisionReview
	default:
		return domain.DecisionAllow
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

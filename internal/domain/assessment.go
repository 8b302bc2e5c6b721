package domain

import (
	"time"
)

// Decision is the discrete outcome of the decision gate.
type Decision string

const (
	DecisionAllow  Decision = "ALLOW"
	DecisionReview Decision = "REVIEW"
	DecisionBlock  Decision = "BLOCK"
)

// Flagged reports whether the decision needs human follow-up.
func (d Decision) Flagged() bool {
	return d == DecisionReview || d == DecisionBlock
}

// RiskLevel buckets a score for display.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// LevelFor returns the risk level for score.
func LevelFor(score float64) RiskLevel {
	switch {
	case score < 0.3:
		return RiskLow
	case score < 0.6:
		return RiskMedium
	case score < 0.8:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// PatternResult is the outcome of one pattern for one transfer.
type PatternResult struct {
	PatternID string      `json:"patternId"`
	Kind      PatternKind `json:"kind"`
	Triggered bool        `json:"triggered"`

	// Contribution is already multiplied by the pattern weight.
	Contribution float64 `json:"contribution"`
	// Threshold is the pattern's notable threshold.
	Threshold float64 `json:"threshold"`
	Notable   bool    `json:"notable,omitempty"`
	Reason    string  `json:"reason,omitempty"`

	// Skipped is set when the pattern could not be evaluated.
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RiskAssessment is the immutable result of scoring one transfer.
type RiskAssessment struct {
	ID         string `json:"id"`
	TransferID string `json:"transferId"`
	ActorID    string `json:"actorId"`

	Score            float64   `json:"score"`
	RuleComponent    float64   `json:"ruleComponent"`
	AnomalyScore     float64   `json:"anomalyScore"`
	AnomalyComponent float64   `json:"anomalyComponent"`
	Decision         Decision  `json:"decision"`
	RiskLevel        RiskLevel `json:"riskLevel"`

	Patterns []PatternResult `json:"patterns"`
	Notable  []string        `json:"notable,omitempty"`
	Reasons  []string        `json:"reasons,omitempty"`

	// Degraded is set when the anomaly model did not contribute.
	Degraded bool `json:"degraded,omitempty"`
	// Fallback is set when the decision is the safe default rather than
	// a computed score.
	Fallback        bool     `json:"fallback,omitempty"`
	SkippedPatterns []string `json:"skippedPatterns,omitempty"`

	RegistryVersion uint64    `json:"registryVersion"`
	ModelVersion    string    `json:"modelVersion,omitempty"`
	EvaluatedAt     time.Time `json:"evaluatedAt"`

	// Analyst follow-up, set after the fact on persisted assessments.
	ConfirmedFraud *bool  `json:"confirmedFraud,omitempty"`
	AnalystNotes   string `json:"analystNotes,omitempty"`

	Metadata AssessmentMetadata `json:"metadata"`
}

// TriggeredPatterns returns the ids of triggered patterns.
func (a *RiskAssessment) TriggeredPatterns() []string {
	var ids []string
	for _, p := range a.Patterns {
		if p.Triggered {
			ids = append(ids, p.PatternID)
		}
	}
	return ids
}

// AssessmentMetadata contains processing information.
type AssessmentMetadata struct {
	TraceID      string `json:"traceId,omitempty"`
	FeatureMs    int64  `json:"featureMs"`
	ScoringMs    int64  `json:"scoringMs"`
	DecisionMs   int64  `json:"decisionMs"`
	TotalMs      int64  `json:"totalMs"`
	PatternCount int    `json:"patternCount"`
}

// ConfirmRequest records an analyst verdict on an assessment.
type ConfirmRequest struct {
	IsConfirmedFraud *bool  `json:"is_confirmed_fraud" validate:"required"`
	AnalystNotes     string `json:"analyst_notes,omitempty" validate:"max=4000"`
}

// ActorRisk summarises an actor's recent assessments.
type ActorRisk struct {
	ActorID     string    `json:"actorId"`
	RiskScore   float64   `json:"riskScore"`
	RiskLevel   RiskLevel `json:"riskLevel"`
	Factors     []string  `json:"factors"`
	Assessments int       `json:"assessments"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
}

// ActorStats are fraud statistics over an actor's persisted assessments.
type ActorStats struct {
	ActorID        string  `json:"actorId"`
	TotalReports   int     `json:"totalReports"`
	ConfirmedFraud int     `json:"confirmedFraud"`
	Flagged        int     `json:"flagged"`
	AverageScore   float64 `json:"averageScore"`
	RecentReports  int     `json:"recentReports"`
	FraudRate      float64 `json:"fraudRate"`
}

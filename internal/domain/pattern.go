package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// PatternKind selects the detector a FraudPattern is evaluated with.
type PatternKind string

const (
	PatternAmount     PatternKind = "amount"
	PatternVelocity   PatternKind = "velocity"
	PatternGeographic PatternKind = "geographic"
	PatternAccountAge PatternKind = "account_age"
	PatternBehavioral PatternKind = "behavioral"
)

// DefaultNotableThreshold is the per-pattern "threshold_score" used when a
// pattern does not set one.
const DefaultNotableThreshold = 0.5

// FraudPattern is a named, independently configurable fraud detector.
// Parameters are stored as raw JSON and decoded into a kind-specific
// PatternParams value when the pattern is loaded into the registry.
type FraudPattern struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Kind        PatternKind     `json:"type"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`

	// Weight multiplies the detector contribution.
	Weight float64 `json:"weight"`

	// NotableThreshold is the weighted contribution at or above which the
	// pattern is listed as notable on the assessment.
	NotableThreshold float64 `json:"thresholdScore"`

	// Scope is an optional CEL guard over transfer features. When it
	// evaluates to false the pattern does not apply to the transfer.
	Scope string `json:"scope,omitempty"`

	Active    bool      `json:"isActive"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// NewFraudPattern builds an active pattern from typed parameters.
func NewFraudPattern(id string, params PatternParams, weight float64) *FraudPattern {
	p := &FraudPattern{
		ID:               id,
		Name:             id,
		Weight:           weight,
		NotableThreshold: DefaultNotableThreshold,
		Active:           true,
	}
	// Encoding a params struct cannot fail.
	_ = p.SetParams(params)
	return p
}

// SetParams stores typed parameters and sets the pattern kind to match.
func (p *FraudPattern) SetParams(params PatternParams) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	p.Kind = params.Kind()
	p.Parameters = raw
	return nil
}

// Params decodes and validates the pattern's parameters and pattern-level
// settings. Every failure is an *InvalidPatternConfigError.
func (p *FraudPattern) Params() (PatternParams, error) {
	if p.ID == "" {
		return nil, &InvalidPatternConfigError{PatternID: p.ID, Reason: "missing id"}
	}
	if p.Weight < 0 || math.IsNaN(p.Weight) || math.IsInf(p.Weight, 0) {
		return nil, &InvalidPatternConfigError{PatternID: p.ID, Reason: fmt.Sprintf("weight must be a finite non-negative number, got %v", p.Weight)}
	}
	if p.NotableThreshold < 0 || p.NotableThreshold > 1 || math.IsNaN(p.NotableThreshold) {
		return nil, &InvalidPatternConfigError{PatternID: p.ID, Reason: fmt.Sprintf("threshold_score must be in [0,1], got %v", p.NotableThreshold)}
	}
	params, err := DecodeParams(p.Kind, p.Parameters)
	if err != nil {
		return nil, &InvalidPatternConfigError{PatternID: p.ID, Reason: err.Error()}
	}
	if err := params.Validate(); err != nil {
		return nil, &InvalidPatternConfigError{PatternID: p.ID, Reason: err.Error()}
	}
	return params, nil
}

// PatternParams is the kind-specific configuration of a FraudPattern.
type PatternParams interface {
	Kind() PatternKind
	Validate() error
}

// DecodeParams decodes raw parameters into the struct for kind.
// Unknown fields are rejected.
func DecodeParams(kind PatternKind, raw json.RawMessage) (PatternParams, error) {
	var params PatternParams
	switch kind {
	case PatternAmount:
		params = &AmountParams{}
	case PatternVelocity:
		params = &VelocityParams{}
	case PatternGeographic:
		params = &GeographicParams{}
	case PatternAccountAge:
		params = &AccountAgeParams{}
	case PatternBehavioral:
		params = &BehavioralParams{}
	default:
		return nil, fmt.Errorf("unknown pattern type %q", kind)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("missing parameters")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(params); err != nil {
		return nil, fmt.Errorf("decode %s parameters: %w", kind, err)
	}
	return params, nil
}

// AmountParams triggers on single transfers above MaxAmount.
type AmountParams struct {
	MaxAmount float64 `json:"max_amount"`
}

func (*AmountParams) Kind() PatternKind { return PatternAmount }

func (a *AmountParams) Validate() error {
	if !(a.MaxAmount > 0) || math.IsInf(a.MaxAmount, 0) {
		return fmt.Errorf("max_amount must be positive, got %v", a.MaxAmount)
	}
	return nil
}

// VelocityParams bounds transfer frequency and daily volume. A zero limit
// disables that check. Ramps set how far over a limit the contribution
// reaches 1; zero means the limit itself.
type VelocityParams struct {
	MaxHourly      int     `json:"max_hourly,omitempty"`
	MaxDaily       int     `json:"max_daily,omitempty"`
	MaxDailyAmount float64 `json:"max_daily_amount,omitempty"`
	HourlyRamp     int     `json:"hourly_ramp,omitempty"`
	DailyRamp      int     `json:"daily_ramp,omitempty"`
}

func (*VelocityParams) Kind() PatternKind { return PatternVelocity }

func (v *VelocityParams) Validate() error {
	if v.MaxHourly < 0 || v.MaxDaily < 0 || v.MaxDailyAmount < 0 || math.IsNaN(v.MaxDailyAmount) {
		return fmt.Errorf("velocity limits must be non-negative")
	}
	if v.HourlyRamp < 0 || v.DailyRamp < 0 {
		return fmt.Errorf("velocity ramps must be non-negative")
	}
	if v.MaxHourly == 0 && v.MaxDaily == 0 && v.MaxDailyAmount == 0 {
		return fmt.Errorf("at least one of max_hourly, max_daily, max_daily_amount is required")
	}
	return nil
}

// GeographicParams flags transfers from outside AllowedRegions and origin
// changes made more than GracePeriodMinutes after the previous transfer.
type GeographicParams struct {
	AllowedRegions     []string           `json:"allowed_regions,omitempty"`
	RegionRisk         map[string]float64 `json:"region_risk,omitempty"`
	GracePeriodMinutes float64            `json:"grace_period_minutes,omitempty"`
}

func (*GeographicParams) Kind() PatternKind { return PatternGeographic }

func (g *GeographicParams) Validate() error {
	if g.GracePeriodMinutes < 0 || math.IsNaN(g.GracePeriodMinutes) {
		return fmt.Errorf("grace_period_minutes must be non-negative")
	}
	if len(g.AllowedRegions) == 0 && g.GracePeriodMinutes == 0 {
		return fmt.Errorf("allowed_regions or grace_period_minutes is required")
	}
	for region, risk := range g.RegionRisk {
		if risk < 0 || risk > 1 || math.IsNaN(risk) {
			return fmt.Errorf("region_risk[%s] must be in [0,1], got %v", region, risk)
		}
	}
	return nil
}

// Allowed reports whether region is in the allow list.
func (g *GeographicParams) Allowed(region string) bool {
	for _, r := range g.AllowedRegions {
		if r == region {
			return true
		}
	}
	return false
}

// AccountAgeParams flags actors younger than MinAgeDays.
type AccountAgeParams struct {
	MinAgeDays float64 `json:"min_age_days"`
}

func (*AccountAgeParams) Kind() PatternKind { return PatternAccountAge }

func (a *AccountAgeParams) Validate() error {
	if !(a.MinAgeDays > 0) || math.IsInf(a.MinAgeDays, 0) {
		return fmt.Errorf("min_age_days must be positive, got %v", a.MinAgeDays)
	}
	return nil
}

// BehavioralParams flags actors whose recent transfers are mostly exact
// multiples of RoundUnit.
type BehavioralParams struct {
	RoundUnit     float64 `json:"round_unit"`
	MaxRoundRatio float64 `json:"max_round_ratio"`
	MinSamples    int     `json:"min_samples,omitempty"`
}

func (*BehavioralParams) Kind() PatternKind { return PatternBehavioral }

func (b *BehavioralParams) Validate() error {
	if !(b.RoundUnit > 0) || math.IsInf(b.RoundUnit, 0) {
		return fmt.Errorf("round_unit must be positive, got %v", b.RoundUnit)
	}
	if b.MaxRoundRatio < 0 || b.MaxRoundRatio >= 1 || math.IsNaN(b.MaxRoundRatio) {
		return fmt.Errorf("max_round_ratio must be in [0,1), got %v", b.MaxRoundRatio)
	}
	if b.MinSamples < 0 {
		return fmt.Errorf("min_samples must be non-negative")
	}
	return nil
}

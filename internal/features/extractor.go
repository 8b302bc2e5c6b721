// Package features derives the per-request feature vector from a transfer,
// the actor profile and the actor's activity window.
package features

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultRoundUnit is the unit used for the is_round_number feature.
const DefaultRoundUnit = 1000

// Extractor builds feature vectors. It is stateless and safe for
// concurrent use.
type Extractor struct {
	roundUnit decimal.Decimal
}

// NewExtractor creates an extractor. A non-positive roundUnit uses
// DefaultRoundUnit.
func NewExtractor(roundUnit float64) *Extractor {
	if roundUnit <= 0 {
		roundUnit = DefaultRoundUnit
	}
	return &Extractor{roundUnit: decimal.NewFromFloat(roundUnit)}
}

// Extract returns the feature vector for req. Window aggregates in the
// result include req itself. It fails with *domain.InsufficientDataError
// when the profile lacks the account creation time.
func (e *Extractor) Extract(req *domain.TransferRequest, profile *domain.ActorProfile, window domain.ActivityWindow) (*domain.FeatureVector, error) {
	if profile == nil {
		return nil, &domain.InsufficientDataError{ActorID: req.ActorID, Field: "profile"}
	}
	if profile.CreatedAt.IsZero() {
		return nil, &domain.InsufficientDataError{ActorID: req.ActorID, Field: "created_at"}
	}

	ts := req.Timestamp.UTC()

	ageDays := ts.Sub(profile.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}

	fv := &domain.FeatureVector{
		Amount:        req.Amount,
		AmountLog:     math.Log1p(math.Max(req.Amount, 0)),
		HourOfDay:     ts.Hour(),
		IsRoundNumber: IsMultiple(req.Amount, e.roundUnit),
		ActorAgeDays:  ageDays,

		HourlyCount: window.HourlyCount + 1,
		DailyCount:  window.DailyCount + 1,
		HourlySum:   window.HourlySum + req.Amount,
		DailySum:    window.DailySum + req.Amount,

		OriginRegion:     req.Origin,
		OriginChanged:    window.LastRegion != "" && req.Origin != "" && req.Origin != window.LastRegion,
		MinutesSinceLast: -1,

		Kind:     req.Kind,
		Currency: req.Currency,
	}

	if !window.LastSeen.IsZero() {
		fv.MinutesSinceLast = math.Max(ts.Sub(window.LastSeen).Minutes(), 0)
	}

	fv.RecentAmounts = make([]float64, 0, len(window.RecentAmounts)+1)
	fv.RecentAmounts = append(fv.RecentAmounts, window.RecentAmounts...)
	fv.RecentAmounts = append(fv.RecentAmounts, req.Amount)

	return fv, nil
}

// IsMultiple reports whether amount is a non-zero exact multiple of unit.
// Amounts are compared in decimal so 3000.00 is round and 2999.999 is not.
func IsMultiple(amount float64, unit decimal.Decimal) bool {
	if amount == 0 || unit.IsZero() || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return false
	}
	return decimal.NewFromFloat(amount).Mod(unit).IsZero()
}

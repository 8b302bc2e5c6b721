package rules

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/shopspring/decimal"
)

// Detect applies the kind-specific detector for params to fv. It returns
// whether the pattern triggered and its unweighted contribution in [0,1].
func Detect(params domain.PatternParams, fv *domain.FeatureVector) (bool, float64, string) {
	switch p := params.(type) {
	case *domain.AmountParams:
		return detectAmount(p, fv)
	case *domain.VelocityParams:
		return detectVelocity(p, fv)
	case *domain.GeographicParams:
		return detectGeographic(p, fv)
	case *domain.AccountAgeParams:
		return detectAccountAge(p, fv)
	case *domain.BehavioralParams:
		return detectBehavioral(p, fv)
	}
	panic(fmt.Sprintf("rules: no detector for %T", params))
}

// detectAmount scales from 0 at max_amount to 1 at twice max_amount.
func detectAmount(p *domain.AmountParams, fv *domain.FeatureVector) (bool, float64, string) {
	if fv.Amount <= p.MaxAmount {
		return false, 0, ""
	}
	c := (fv.Amount - p.MaxAmount) / p.MaxAmount
	return true, clamp01(c), fmt.Sprintf("amount %.2f exceeds %.2f", fv.Amount, p.MaxAmount)
}

// detectVelocity takes the largest normalised overage of the configured
// limits. Each overage reaches 1 at limit+ramp.
func detectVelocity(p *domain.VelocityParams, fv *domain.FeatureVector) (bool, float64, string) {
	var (
		triggered bool
		best      float64
		reason    string
	)

	check := func(value, limit, ramp float64, what string) {
		if limit <= 0 || value <= limit {
			return
		}
		if ramp <= 0 {
			ramp = limit
		}
		c := clamp01((value - limit) / ramp)
		if !triggered || c > best {
			best = c
			reason = fmt.Sprintf("%s %v exceeds %v", what, value, limit)
		}
		triggered = true
	}

	check(float64(fv.HourlyCount), float64(p.MaxHourly), float64(p.HourlyRamp), "hourly transfers")
	check(float64(fv.DailyCount), float64(p.MaxDaily), float64(p.DailyRamp), "daily transfers")
	check(fv.DailySum, p.MaxDailyAmount, 0, "daily amount")

	return triggered, best, reason
}

// detectGeographic flags disallowed regions and origin changes made after
// the grace period that follows the previous transfer. Changes within the
// grace period are tolerated.
func detectGeographic(p *domain.GeographicParams, fv *domain.FeatureVector) (bool, float64, string) {
	var reason string
	switch {
	case len(p.AllowedRegions) > 0 && fv.OriginRegion != "" && !p.Allowed(fv.OriginRegion):
		reason = fmt.Sprintf("origin %s not in allowed regions", fv.OriginRegion)
	case p.GracePeriodMinutes > 0 && fv.OriginChanged && fv.MinutesSinceLast > p.GracePeriodMinutes:
		reason = fmt.Sprintf("origin changed to %s %.0f minutes after last transfer, grace is %.0f",
			fv.OriginRegion, fv.MinutesSinceLast, p.GracePeriodMinutes)
	default:
		return false, 0, ""
	}

	c := 1.0
	if risk, ok := p.RegionRisk[fv.OriginRegion]; ok {
		c = risk
	}
	return true, c, reason
}

func detectAccountAge(p *domain.AccountAgeParams, fv *domain.FeatureVector) (bool, float64, string) {
	if fv.ActorAgeDays >= p.MinAgeDays {
		return false, 0, ""
	}
	c := math.Max(0, 1-fv.ActorAgeDays/p.MinAgeDays)
	return true, c, fmt.Sprintf("account age %.1f days below %.0f", fv.ActorAgeDays, p.MinAgeDays)
}

// detectBehavioral flags a high share of round amounts among recent
// transfers. The contribution grows from 0 at the ratio threshold to 1 when
// every sample is round.
func detectBehavioral(p *domain.BehavioralParams, fv *domain.FeatureVector) (bool, float64, string) {
	samples := fv.RecentAmounts
	need := p.MinSamples
	if need < 1 {
		need = 1
	}
	if len(samples) < need {
		return false, 0, ""
	}

	unit := decimal.NewFromFloat(p.RoundUnit)
	round := 0
	for _, a := range samples {
		if features.IsMultiple(a, unit) {
			round++
		}
	}

	ratio := float64(round) / float64(len(samples))
	if ratio <= p.MaxRoundRatio {
		return false, 0, ""
	}
	c := (ratio - p.MaxRoundRatio) / (1 - p.MaxRoundRatio)
	return true, clamp01(c), fmt.Sprintf("%d of %d recent transfers are multiples of %v", round, len(samples), p.RoundUnit)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

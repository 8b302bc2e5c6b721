package registry

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// NewEnv creates the CEL environment pattern scopes are compiled against.
func NewEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("hour_of_day", cel.IntType),
		cel.Variable("actor_age_days", cel.DoubleType),
		cel.Variable("hourly_count", cel.IntType),
		cel.Variable("daily_count", cel.IntType),
		cel.Variable("origin_region", cel.StringType),
		cel.Variable("origin_changed", cel.BoolType),
		cel.Variable("transfer_kind", cel.StringType),
		cel.Variable("currency", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// Activation returns the CEL variables for a feature vector.
func Activation(fv *domain.FeatureVector) map[string]any {
	return map[string]any{
		"amount":         fv.Amount,
		"hour_of_day":    int64(fv.HourOfDay),
		"actor_age_days": fv.ActorAgeDays,
		"hourly_count":   int64(fv.HourlyCount),
		"daily_count":    int64(fv.DailyCount),
		"origin_region":  fv.OriginRegion,
		"origin_changed": fv.OriginChanged,
		"transfer_kind":  string(fv.Kind),
		"currency":       fv.Currency,
	}
}

// VelocityOverlay builds the env-managed velocity pattern from the
// configured limits. It returns nil when every limit is zero.
func VelocityOverlay(s domain.ScoringConfig) *domain.FraudPattern {
	if s.MaxHourlyTransfers == 0 && s.MaxDailyTransfers == 0 && s.MaxDailyTransferAmount == 0 {
		return nil
	}
	p := domain.NewFraudPattern(OverlayVelocityID, &domain.VelocityParams{
		MaxHourly:      s.MaxHourlyTransfers,
		MaxDaily:       s.MaxDailyTransfers,
		MaxDailyAmount: s.MaxDailyTransferAmount,
	}, 0.5)
	p.Name = "Velocity limits"
	p.Description = "Transfer frequency and daily volume limits from configuration"
	return p
}

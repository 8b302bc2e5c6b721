package domain

// FeatureVector is the per-request input to the rule engine and the anomaly
// scorer. It is derived from one transfer and never persisted.
type FeatureVector struct {
	Amount        float64 `json:"amount"`
	AmountLog     float64 `json:"amount_log"`
	HourOfDay     int     `json:"hour_of_day"`
	IsRoundNumber bool    `json:"is_round_number"`
	ActorAgeDays  float64 `json:"actor_age_days"`

	// Window aggregates including the transfer being evaluated.
	HourlyCount int     `json:"hourly_count"`
	DailyCount  int     `json:"daily_count"`
	HourlySum   float64 `json:"hourly_sum"`
	DailySum    float64 `json:"daily_sum"`

	OriginRegion  string `json:"origin_region"`
	OriginChanged bool   `json:"origin_changed"`

	// MinutesSinceLast is -1 when the actor has no prior activity.
	MinutesSinceLast float64 `json:"minutes_since_last"`

	// RecentAmounts are the last successful amounts plus the current one.
	RecentAmounts []float64 `json:"recent_amounts,omitempty"`

	Kind     TransferKind `json:"kind"`
	Currency string       `json:"currency"`
}

// NumericFeatureNames lists the columns returned by Numeric, in order.
var NumericFeatureNames = []string{
	"amount",
	"amount_log",
	"hour_of_day",
	"hourly_count",
	"daily_count",
	"actor_age_days",
}

// Numeric returns the numeric feature space used by anomaly models.
func (f *FeatureVector) Numeric() []float64 {
	return []float64{
		f.Amount,
		f.AmountLog,
		float64(f.HourOfDay),
		float64(f.HourlyCount),
		float64(f.DailyCount),
		f.ActorAgeDays,
	}
}

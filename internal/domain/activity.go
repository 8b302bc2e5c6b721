package domain

import "time"

// ActivityWindow is a read-only view of an actor's rolling transfer activity.
// Counts and sums cover successful (non-blocked) transfers only; blocked
// attempts are reported separately.
type ActivityWindow struct {
	ActorID string `json:"actorId"`

	HourlyCount int     `json:"hourlyCount"`
	DailyCount  int     `json:"dailyCount"`
	HourlySum   float64 `json:"hourlySum"`
	DailySum    float64 `json:"dailySum"`

	BlockedHourly int `json:"blockedHourly"`
	BlockedDaily  int `json:"blockedDaily"`

	// RecentAmounts holds the last N successful amounts, oldest first.
	RecentAmounts []float64 `json:"recentAmounts"`

	LastRegion string    `json:"lastRegion,omitempty"`
	LastSeen   time.Time `json:"lastSeen,omitempty"`
	AsOf       time.Time `json:"asOf"`
}

package domain

import "time"

// ActorProfile is the read model of an account supplied by the account service.
// The scoring core only reads it.
type ActorProfile struct {
	ActorID        string    `json:"actorId"`
	CreatedAt      time.Time `json:"createdAt"`
	LifetimeCount  int64     `json:"lifetimeCount"`
	LifetimeVolume float64   `json:"lifetimeVolume"`
	Balance        float64   `json:"balance"`
	UpdatedAt      time.Time `json:"updatedAt,omitempty"`
}

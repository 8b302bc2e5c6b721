package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientData     = errors.New("insufficient actor data")
	ErrFeatureUnavailable   = errors.New("feature unavailable")
	ErrModelUnavailable     = errors.New("anomaly model unavailable")
	ErrInvalidPatternConfig = errors.New("invalid pattern config")
	ErrInvalidTransfer      = errors.New("invalid transfer")
	ErrNotFound             = errors.New("not found")
	ErrDuplicate            = errors.New("already exists")
)

// InsufficientDataError reports an actor profile missing a required field.
type InsufficientDataError struct {
	ActorID string
	Field   string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for actor %s: missing %s", e.ActorID, e.Field)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// FeatureUnavailableError reports a failed or timed out lookup of actor state.
type FeatureUnavailableError struct {
	ActorID string
	Source  string
	Err     error
}

func (e *FeatureUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable for actor %s: %v", e.Source, e.ActorID, e.Err)
}

func (e *FeatureUnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFeatureUnavailable}
	}
	return []error{ErrFeatureUnavailable, e.Err}
}

// ModelUnavailableError reports an anomaly model that is missing or failed.
type ModelUnavailableError struct {
	Err error
}

func (e *ModelUnavailableError) Error() string {
	if e.Err == nil {
		return ErrModelUnavailable.Error()
	}
	return fmt.Sprintf("%s: %v", ErrModelUnavailable, e.Err)
}

func (e *ModelUnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrModelUnavailable}
	}
	return []error{ErrModelUnavailable, e.Err}
}

// InvalidPatternConfigError reports a pattern that cannot be evaluated.
type InvalidPatternConfigError struct {
	PatternID string
	Reason    string
}

func (e *InvalidPatternConfigError) Error() string {
	return fmt.Sprintf("invalid pattern %q: %s", e.PatternID, e.Reason)
}

func (e *InvalidPatternConfigError) Unwrap() error { return ErrInvalidPatternConfig }

// FailClosed reports whether err should resolve to the safe default
// decision instead of failing the request.
func FailClosed(err error) bool {
	return errors.Is(err, ErrInsufficientData) || errors.Is(err, ErrFeatureUnavailable)
}

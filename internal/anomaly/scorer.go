// Package anomaly scores feature vectors against an offline-trained
// outlier model.
package anomaly

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scorer scores a feature vector in [0,1], higher meaning more unusual.
// Implementations are read-only after construction and safe for
// concurrent use.
type Scorer interface {
	Score(fv *domain.FeatureVector) (float64, error)
	Version() string
}

// Unavailable is the scorer used when no model could be loaded. Every
// call fails with *domain.ModelUnavailableError.
type Unavailable struct {
	Err error
}

func (u Unavailable) Score(*domain.FeatureVector) (float64, error) {
	return 0, &domain.ModelUnavailableError{Err: u.Err}
}

func (Unavailable) Version() string { return "" }

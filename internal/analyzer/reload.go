package analyzer

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/tadp"
)

// sampleRateSetter is implemented by sinks that sample ALLOW assessments.
type sampleRateSetter interface {
	SetSampleRate(rate float64) error
}

// ApplyScoring switches to new scoring settings without a restart.
// Invalid settings are rejected as a whole and the current ones stay.
func (a *Analyzer) ApplyScoring(cfg domain.ScoringConfig, anomalyNotable float64) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	settings := tadp.SettingsFrom(cfg, anomalyNotable)
	settings.FallbackDecision = a.processor.Settings().FallbackDecision
	if err := a.processor.Update(settings); err != nil {
		return err
	}

	var overlay []*domain.FraudPattern
	if p := registry.VelocityOverlay(cfg); p != nil {
		overlay = append(overlay, p)
	}
	snap := a.registry.SetOverlay(overlay)
	metrics.RegistryVersion.Set(float64(snap.Version))
	metrics.ActivePatterns.Set(float64(len(snap.Patterns)))

	if s, ok := a.sink.(sampleRateSetter); ok {
		if err := s.SetSampleRate(cfg.AllowSampleRate); err != nil {
			return err
		}
	}
	a.SetLookupTimeout(cfg.LookupTimeout)
	a.SetClockSkew(cfg.MaxClockSkew)

	a.logger.Info("scoring settings applied",
		"review_threshold", cfg.ReviewThreshold,
		"block_threshold", cfg.BlockThreshold,
		"anomaly_weight", cfg.AnomalyWeight,
		"max_hourly", cfg.MaxHourlyTransfers,
		"max_daily", cfg.MaxDailyTransfers,
		"max_daily_amount", cfg.MaxDailyTransferAmount,
		"max_clock_skew", cfg.MaxClockSkew,
		"registry_version", snap.Version,
	)
	return nil
}

// ReloadPatterns replaces the persisted pattern set.
func (a *Analyzer) ReloadPatterns(patterns []*domain.FraudPattern) *registry.Snapshot {
	snap := a.registry.Load(patterns)
	metrics.RegistryVersion.Set(float64(snap.Version))
	metrics.ActivePatterns.Set(float64(len(snap.Patterns)))
	return snap
}

// ValidatePattern reports whether p would be accepted by the registry.
func (a *Analyzer) ValidatePattern(p *domain.FraudPattern) error {
	return a.registry.Validate(p)
}

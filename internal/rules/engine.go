// Package rules evaluates fraud patterns against a feature vector.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/registry"
)

// Engine evaluates patterns independently and in parallel. It keeps no
// per-call state, so one engine serves every request.
type Engine struct {
	maxWorkers int
	logger     *slog.Logger
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int, logger *slog.Logger) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		maxWorkers: maxWorkers,
		logger:     logger,
	}
}

// Evaluate runs every pattern against fv and returns one result per
// pattern, in pattern order. Contributions are weighted but not combined.
// A pattern that fails is returned as skipped; the others still run.
func (e *Engine) Evaluate(ctx context.Context, fv *domain.FeatureVector, patterns []*registry.CompiledPattern) []domain.PatternResult {
	if len(patterns) == 0 {
		return nil
	}

	activation := registry.Activation(fv)

	results := make([]domain.PatternResult, len(patterns))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, p := range patterns {
		wg.Add(1)
		go func(idx int, cp *registry.CompiledPattern) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.evaluatePattern(ctx, cp, fv, activation)
		}(i, p)
	}

	wg.Wait()

	return results
}

// evaluatePattern evaluates a single pattern. Panics are contained to the
// pattern that raised them.
func (e *Engine) evaluatePattern(ctx context.Context, cp *registry.CompiledPattern, fv *domain.FeatureVector, activation map[string]any) (result domain.PatternResult) {
	result = domain.PatternResult{
		PatternID: cp.Pattern.ID,
		Kind:      cp.Pattern.Kind,
		Threshold: cp.Pattern.NotableThreshold,
	}

	defer func() {
		if r := recover(); r != nil {
			result = skipped(cp.Pattern.ID, cp.Pattern.Kind, fmt.Errorf("panic: %v", r))
			e.logger.Error("pattern evaluation panicked",
				"pattern_id", cp.Pattern.ID,
				"panic", r,
			)
		}
	}()

	if err := ctx.Err(); err != nil {
		return skipped(cp.Pattern.ID, cp.Pattern.Kind, err)
	}

	if cp.Scope != nil {
		out, _, err := cp.Scope.Eval(activation)
		if err != nil {
			err = &domain.InvalidPatternConfigError{PatternID: cp.Pattern.ID, Reason: fmt.Sprintf("scope evaluation: %v", err)}
			e.logger.Warn("pattern skipped", "pattern_id", cp.Pattern.ID, "error", err)
			return skipped(cp.Pattern.ID, cp.Pattern.Kind, err)
		}
		if b, ok := out.(types.Bool); !ok || !bool(b) {
			result.Reason = "out of scope"
			return result
		}
	}

	triggered, raw, reason := Detect(cp.Params, fv)
	result.Triggered = triggered
	if triggered {
		result.Contribution = clamp01(raw) * cp.Pattern.Weight
		result.Reason = reason
	}
	return result
}

// Rejected converts the registry's rejected patterns into skipped results
// so they are reported on the assessment.
func Rejected(invalid []registry.InvalidPattern) []domain.PatternResult {
	if len(invalid) == 0 {
		return nil
	}
	out := make([]domain.PatternResult, 0, len(invalid))
	for _, inv := range invalid {
		out = append(out, skipped(inv.ID, inv.Kind, inv.Err))
	}
	return out
}

func skipped(id string, kind domain.PatternKind, err error) domain.PatternResult {
	return domain.PatternResult{
		PatternID: id,
		Kind:      kind,
		Skipped:   true,
		Error:     err.Error(),
	}
}

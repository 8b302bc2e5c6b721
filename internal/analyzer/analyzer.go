// Package analyzer orchestrates the scoring of one transfer: profile and
// window lookup, feature extraction, pattern and anomaly scoring, the
// decision, and the window update.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/tadp"
	"github.com/opensource-finance/kestrel/internal/traces"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"golang.org/x/sync/errgroup"
)

// ProfileSource supplies actor profiles. A missing actor is reported with
// an error wrapping domain.ErrNotFound.
type ProfileSource interface {
	GetProfile(ctx context.Context, actorID string) (*domain.ActorProfile, error)
}

// Sink receives every assessment once it is final.
type Sink interface {
	Submit(ctx context.Context, a *domain.RiskAssessment)
}

// Deps are the collaborators of an Analyzer. Scorer, Sink and Clock may
// be nil.
type Deps struct {
	Registry  *registry.Registry
	Tracker   *velocity.Tracker
	Extractor *features.Extractor
	Engine    *rules.Engine
	Scorer    anomaly.Scorer
	Processor *tadp.Processor
	Profiles  ProfileSource
	Sink      Sink
	Clock     func() time.Time
}

// Analyzer scores transfers. It is safe for concurrent use; transfers of
// the same actor are serialized around their window update.
type Analyzer struct {
	registry  *registry.Registry
	tracker   *velocity.Tracker
	extractor *features.Extractor
	engine    *rules.Engine
	scorer    anomaly.Scorer
	processor *tadp.Processor
	profiles  ProfileSource
	sink      Sink

	lookupTimeout atomic.Int64 // nanoseconds
	clockSkew     atomic.Int64 // nanoseconds
	clock         func() time.Time
	logger        *slog.Logger
}

// New creates an analyzer.
func New(deps Deps, lookupTimeout time.Duration, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Scorer == nil {
		deps.Scorer = anomaly.Unavailable{Err: errors.New("no model configured")}
	}
	if deps.Extractor == nil {
		deps.Extractor = features.NewExtractor(0)
	}
	if deps.Engine == nil {
		deps.Engine = rules.NewEngine(0, logger)
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}

	a := &Analyzer{
		registry:  deps.Registry,
		tracker:   deps.Tracker,
		extractor: deps.Extractor,
		engine:    deps.Engine,
		scorer:    deps.Scorer,
		processor: deps.Processor,
		profiles:  deps.Profiles,
		sink:      deps.Sink,
		clock:     deps.Clock,
		logger:    logger,
	}
	a.SetLookupTimeout(lookupTimeout)
	a.clockSkew.Store(int64(domain.DefaultScoring().MaxClockSkew))
	return a
}

// SetLookupTimeout changes the per-request lookup timeout.
func (a *Analyzer) SetLookupTimeout(d time.Duration) {
	if d <= 0 {
		d = domain.DefaultScoring().LookupTimeout
	}
	a.lookupTimeout.Store(int64(d))
}

// SetClockSkew changes how far ahead of the clock a transfer may be dated.
func (a *Analyzer) SetClockSkew(d time.Duration) {
	a.clockSkew.Store(int64(max(d, 0)))
}

// Normalize validates req and fills in the id, kind and timestamp when
// they are missing. A missing timestamp becomes now.
func Normalize(req *domain.TransferRequest, now time.Time) error {
	switch {
	case req == nil:
		return fmt.Errorf("%w: request is required", domain.ErrInvalidTransfer)
	case req.ActorID == "":
		return fmt.Errorf("%w: actor id is required", domain.ErrInvalidTransfer)
	case !(req.Amount > 0) || math.IsInf(req.Amount, 0):
		return fmt.Errorf("%w: amount must be positive, got %v", domain.ErrInvalidTransfer, req.Amount)
	case req.Currency == "":
		return fmt.Errorf("%w: currency is required", domain.ErrInvalidTransfer)
	}
	if req.Kind == "" {
		req.Kind = domain.TransferInternal
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: unknown transfer kind %q", domain.ErrInvalidTransfer, req.Kind)
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = now
	}
	return nil
}

// checkTimestamp rejects transfers dated further ahead of now than the
// clock skew allows, or too old to fall inside the activity window.
func (a *Analyzer) checkTimestamp(req *domain.TransferRequest, now time.Time) error {
	skew := time.Duration(a.clockSkew.Load())
	switch {
	case req.Timestamp.After(now.Add(skew)):
		return fmt.Errorf("%w: timestamp %s is more than %s ahead of server time",
			domain.ErrInvalidTransfer, req.Timestamp.Format(time.RFC3339), skew)
	case !req.Timestamp.After(now.Add(-velocity.Window)):
		return fmt.Errorf("%w: timestamp %s is older than the %s activity window",
			domain.ErrInvalidTransfer, req.Timestamp.Format(time.RFC3339), velocity.Window)
	}
	return nil
}

// AnalyzeTransfer scores req and records it in the actor's window.
//
// It returns *domain.InsufficientDataError or *domain.FeatureUnavailableError
// when actor data cannot be read; the caller chooses the fail-open or
// fail-closed policy (see Assess). If ctx is cancelled before the decision,
// nothing is recorded. A recorded transfer is never retracted.
func (a *Analyzer) AnalyzeTransfer(ctx context.Context, req *domain.TransferRequest) (*domain.RiskAssessment, error) {
	start := time.Now()

	now := a.clock()
	if err := Normalize(req, now); err != nil {
		return nil, err
	}
	if err := a.checkTimestamp(req, now); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "analyzer.AnalyzeTransfer",
		traces.ActorID(req.ActorID),
		traces.TransferID(req.ID),
	)
	defer span.End()

	timeout := time.Duration(a.lookupTimeout.Load())

	profile, err := a.lookupProfile(ctx, req.ActorID, timeout)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	release, err := a.tracker.Acquire(acquireCtx, req.ActorID)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err = &domain.FeatureUnavailableError{ActorID: req.ActorID, Source: "activity window", Err: err}
		span.RecordError(err)
		return nil, err
	}
	defer release()

	window := a.tracker.Snapshot(req.ActorID, req.Timestamp)
	fv, err := a.extractor.Extract(req, profile, window)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	featureDone := time.Now()

	snap := a.registry.Snapshot()

	var (
		results      []domain.PatternResult
		anomalyScore float64
		anomalyErr   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results = a.engine.Evaluate(gctx, fv, snap.Patterns)
		return gctx.Err()
	})
	g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				anomalyErr = fmt.Errorf("anomaly scorer panicked: %v", r)
			}
		}()
		anomalyScore, anomalyErr = a.scorer.Score(fv)
		return nil
	})
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	scoringDone := time.Now()

	results = append(results, rules.Rejected(snap.Invalid)...)

	if anomalyErr != nil {
		a.logger.Warn("anomaly scoring unavailable, using rule-only score",
			"transfer_id", req.ID,
			"model_version", a.scorer.Version(),
			"error", anomalyErr,
		)
	}

	traceID := ""
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	assessment := a.processor.Process(ctx, &tadp.DecisionInput{
		TransferID:      req.ID,
		ActorID:         req.ActorID,
		TraceID:         traceID,
		Patterns:        results,
		AnomalyScore:    anomalyScore,
		AnomalyErr:      anomalyErr,
		RegistryVersion: snap.Version,
		ModelVersion:    a.scorer.Version(),
		StartTime:       start,
	})
	assessment.Metadata.FeatureMs = featureDone.Sub(start).Milliseconds()
	assessment.Metadata.ScoringMs = scoringDone.Sub(featureDone).Milliseconds()

	a.record(req, assessment.Decision)
	release()

	span.SetAttributes(traces.Decision(string(assessment.Decision)), traces.Score(assessment.Score))
	a.observe(assessment, time.Since(start))
	a.submit(ctx, assessment)

	a.logger.Debug("transfer assessed",
		"transfer_id", req.ID,
		"actor_id", req.ActorID,
		"decision", assessment.Decision,
		"score", assessment.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return assessment, nil
}

// Assess is AnalyzeTransfer with the fail-closed policy: missing or
// unavailable actor data yields the processor's fallback assessment
// instead of an error. The fallback is recorded in the actor's window
// like any other decision.
func (a *Analyzer) Assess(ctx context.Context, req *domain.TransferRequest) (*domain.RiskAssessment, error) {
	start := time.Now()
	assessment, err := a.AnalyzeTransfer(ctx, req)
	if err == nil || !domain.FailClosed(err) {
		if err != nil {
			metrics.EvaluationErrorsTotal.WithLabelValues(errorKind(err)).Inc()
		}
		return assessment, err
	}

	a.logger.Warn("failing closed",
		"transfer_id", req.ID,
		"actor_id", req.ActorID,
		"error", err,
	)
	metrics.FallbackAssessmentsTotal.WithLabelValues(errorKind(err)).Inc()

	assessment = a.processor.Fallback(&tadp.DecisionInput{
		TransferID:      req.ID,
		ActorID:         req.ActorID,
		RegistryVersion: a.registry.Snapshot().Version,
		ModelVersion:    a.scorer.Version(),
		StartTime:       start,
	}, err)
	a.record(req, assessment.Decision)
	a.observe(assessment, time.Since(start))
	a.submit(ctx, assessment)
	return assessment, nil
}

// record adds req to the actor's window. Only BLOCK keeps a transfer out
// of the successful aggregates.
func (a *Analyzer) record(req *domain.TransferRequest, d domain.Decision) {
	a.tracker.Record(req.ActorID, req.Timestamp, req.Amount, req.Origin, d == domain.DecisionBlock)
}

// Window returns the actor's current activity window.
func (a *Analyzer) Window(actorID string) domain.ActivityWindow {
	return a.tracker.Snapshot(actorID, a.clock())
}

// Snapshot returns the active pattern snapshot.
func (a *Analyzer) Snapshot() *registry.Snapshot {
	return a.registry.Snapshot()
}

// ModelVersion returns the anomaly model version, empty when degraded.
func (a *Analyzer) ModelVersion() string {
	return a.scorer.Version()
}

func (a *Analyzer) lookupProfile(ctx context.Context, actorID string, timeout time.Duration) (*domain.ActorProfile, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	profile, err := a.profiles.GetProfile(lookupCtx, actorID)
	switch {
	case err == nil:
		return profile, nil
	case errors.Is(err, domain.ErrNotFound):
		return nil, &domain.InsufficientDataError{ActorID: actorID, Field: "profile"}
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, &domain.FeatureUnavailableError{ActorID: actorID, Source: "profile", Err: err}
	}
}

func (a *Analyzer) submit(ctx context.Context, assessment *domain.RiskAssessment) {
	if a.sink == nil {
		return
	}
	a.sink.Submit(context.WithoutCancel(ctx), assessment)
}

func (a *Analyzer) observe(assessment *domain.RiskAssessment, d time.Duration) {
	metrics.AssessmentsTotal.WithLabelValues(string(assessment.Decision)).Inc()
	metrics.AssessmentDuration.Observe(d.Seconds())
	if assessment.Degraded {
		metrics.DegradedAssessmentsTotal.Inc()
	}
	for _, id := range assessment.SkippedPatterns {
		metrics.PatternSkipsTotal.WithLabelValues(id).Inc()
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, domain.ErrFeatureUnavailable):
		return "feature_unavailable"
	case errors.Is(err, domain.ErrInvalidTransfer):
		return "invalid_transfer"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}

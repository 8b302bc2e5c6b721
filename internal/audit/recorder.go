// Package audit forwards final assessments to durable storage and the
// event bus, and summarises an actor's assessment history.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Store persists assessments.
type Store interface {
	SaveAssessment(ctx context.Context, a *domain.RiskAssessment) error
}

// Config holds recorder settings.
type Config struct {
	Persist bool
	Publish bool

	// SampleRate is the fraction of ALLOW assessments persisted.
	// REVIEW and BLOCK are always persisted.
	SampleRate float64

	Workers   int
	QueueSize int

	// WriteTimeout bounds a single persist or publish call.
	WriteTimeout time.Duration
}

// DefaultConfig returns recorder defaults.
func DefaultConfig() Config {
	return Config{
		Persist:      true,
		Publish:      true,
		SampleRate:   0.01,
		Workers:      4,
		QueueSize:    1024,
		WriteTimeout: 5 * time.Second,
	}
}

// Recorder is the asynchronous audit sink. Submit never blocks on storage
// unless the queue is full, in which case the caller writes inline so no
// flagged assessment is lost.
type Recorder struct {
	store  Store
	bus    domain.EventBus
	cfg    Config
	rate   atomic.Uint64 // float64 bits
	logger *slog.Logger

	mu     sync.RWMutex
	queue  chan *domain.RiskAssessment
	closed bool
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder. store and bus may be nil, which disables
// persistence or publishing respectively.
func NewRecorder(store Store, bus domain.EventBus, cfg Config, logger *slog.Logger) (*Recorder, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		store:  store,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan *domain.RiskAssessment, cfg.QueueSize),
	}
	if err := r.SetSampleRate(cfg.SampleRate); err != nil {
		return nil, err
	}

	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.run()
	}
	return r, nil
}

// SetSampleRate changes the ALLOW sample rate.
func (r *Recorder) SetSampleRate(rate float64) error {
	if rate < 0 || rate > 1 || math.IsNaN(rate) {
		return fmt.Errorf("sample rate must be in [0,1], got %v", rate)
	}
	r.rate.Store(math.Float64bits(rate))
	return nil
}

// SampleRate returns the current ALLOW sample rate.
func (r *Recorder) SampleRate() float64 {
	return math.Float64frombits(r.rate.Load())
}

// Submit hands an assessment to the recorder.
func (r *Recorder) Submit(ctx context.Context, a *domain.RiskAssessment) {
	if a == nil {
		return
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		r.record(context.WithoutCancel(ctx), a)
		return
	}
	select {
	case r.queue <- a:
		r.mu.RUnlock()
		return
	default:
	}
	r.mu.RUnlock()

	r.logger.Warn("audit queue full, recording inline", "assessment_id", a.ID)
	r.record(context.WithoutCancel(ctx), a)
}

// Close drains the queue and stops the workers.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for a := range r.queue {
		r.record(context.Background(), a)
	}
}

// record persists the assessment when it is kept and publishes it.
func (r *Recorder) record(ctx context.Context, a *domain.RiskAssessment) {
	if r.cfg.Persist && r.store != nil {
		if Keep(a, r.SampleRate()) {
			wctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
			err := r.store.SaveAssessment(wctx, a)
			cancel()
			switch {
			case errors.Is(err, domain.ErrDuplicate):
				r.logger.Debug("assessment already recorded", "assessment_id", a.ID)
			case err != nil:
				metrics.AuditSubmissionsTotal.WithLabelValues("failed").Inc()
				r.logger.Error("failed to persist assessment",
					"assessment_id", a.ID,
					"transfer_id", a.TransferID,
					"decision", a.Decision,
					"error", err,
				)
			default:
				metrics.AuditSubmissionsTotal.WithLabelValues("persisted").Inc()
			}
		} else {
			metrics.AuditSubmissionsTotal.WithLabelValues("sampled_out").Inc()
		}
	}

	if r.cfg.Publish && r.bus != nil {
		r.publish(ctx, a)
	}
}

func (r *Recorder) publish(ctx context.Context, a *domain.RiskAssessment) {
	payload, err := json.Marshal(a)
	if err != nil {
		r.logger.Error("failed to encode assessment", "assessment_id", a.ID, "error", err)
		return
	}

	topics := []string{domain.TopicAssessment}
	switch a.Decision {
	case domain.DecisionReview:
		topics = append(topics, domain.TopicAssessmentReview)
	case domain.DecisionBlock:
		topics = append(topics, domain.TopicAssessmentBlock)
	}

	for _, topic := range topics {
		pctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
		err := r.bus.Publish(pctx, topic, payload)
		cancel()
		if err != nil {
			r.logger.Warn("failed to publish assessment",
				"assessment_id", a.ID,
				"topic", topic,
				"error", err,
			)
		}
	}
}

// Keep reports whether an assessment is persisted. Flagged decisions are
// always kept; ALLOW is kept for a deterministic fraction of transfer ids.
func Keep(a *domain.RiskAssessment, rate float64) bool {
	if a.Decision.Flagged() {
		return true
	}
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	key := a.TransferID
	if key == "" {
		key = a.ID
	}
	return xxhash.Sum64String(key)%10000 < uint64(rate*10000)
}

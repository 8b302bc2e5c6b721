// Package worker consumes transfers and pattern changes from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/registry"
)

// Assessor scores a transfer with the fail-closed policy.
type Assessor interface {
	Assess(ctx context.Context, req *domain.TransferRequest) (*domain.RiskAssessment, error)
}

// PatternReloader swaps in a new persisted pattern set.
type PatternReloader interface {
	ReloadPatterns(patterns []*domain.FraudPattern) *registry.Snapshot
}

// PatternSource lists persisted patterns.
type PatternSource interface {
	ListPatterns(ctx context.Context, includeInactive bool) ([]*domain.FraudPattern, error)
}

// Config holds worker configuration.
type Config struct {
	// NodeID identifies this process in pattern change events.
	NodeID string

	// Concurrency is the number of transfers scored in parallel.
	Concurrency int

	// QueueSize bounds transfers accepted but not yet scored.
	QueueSize int

	// PatternsOnly skips the transfer topics; the worker only follows
	// pattern changes.
	PatternsOnly bool
}

type job struct {
	ctx context.Context
	req *domain.TransferRequest
	msg *domain.Message
}

// Worker scores transfers published on the bus and keeps the registry in
// sync with pattern edits made on other nodes.
type Worker struct {
	bus      domain.EventBus
	assessor Assessor
	reloader PatternReloader
	patterns PatternSource
	validate *validator.Validate
	logger   *slog.Logger

	cfg           Config
	jobs          chan job
	subscriptions []domain.Subscription
	mu            sync.Mutex
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker. reloader and patterns may be nil,
// which disables pattern change handling.
func NewWorker(b domain.EventBus, assessor Assessor, reloader PatternReloader, patterns PatternSource, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      b,
		assessor: assessor,
		reloader: reloader,
		patterns: patterns,
		validate: validator.New(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the transfer and pattern topics and starts the
// scoring goroutines.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.cfg = cfg
	w.jobs = make(chan job, cfg.QueueSize)
	for i := 0; i < cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(w.jobs)
	}

	handlers := map[string]domain.MessageHandler{}
	if !cfg.PatternsOnly {
		handlers[domain.TopicTransferSubmitted] = w.handleSubmitted
		handlers[domain.TopicAnalyzeRequest] = w.handleSubmitted
	}
	if w.reloader != nil && w.patterns != nil {
		handlers[domain.TopicPatternsChanged] = w.handlePatternsChanged
	}

	for topic, handler := range handlers {
		sub, err := w.bus.Subscribe(w.ctx, topic, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	w.logger.Info("worker started",
		"node_id", cfg.NodeID,
		"concurrency", cfg.Concurrency,
		"subscriptions", len(w.subscriptions),
	)
	return nil
}

// handleSubmitted decodes a transfer and queues it for scoring. Messages
// on the request topic get the assessment as their reply.
func (w *Worker) handleSubmitted(ctx context.Context, msg *domain.Message) error {
	var req domain.AnalyzeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.logger.Error("failed to parse transfer message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if err := w.validate.Struct(&req); err != nil {
		w.logger.Warn("rejected transfer message",
			"message_id", msg.ID,
			"actor_id", req.ActorID,
			"error", err,
		)
		return fmt.Errorf("%w: %v", domain.ErrInvalidTransfer, err)
	}

	transfer := req.ToTransfer()
	if transfer.ID == "" {
		transfer.ID = msg.ID
	}

	select {
	case w.jobs <- job{ctx: ctx, req: transfer, msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run(jobs <-chan job) {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case j := <-jobs:
			w.process(j)
		}
	}
}

func (w *Worker) process(j job) {
	start := time.Now()

	assessment, err := w.assessor.Assess(j.ctx, j.req)
	if err != nil {
		w.logger.Error("transfer evaluation failed",
			"transfer_id", j.req.ID,
			"actor_id", j.req.ActorID,
			"error", err,
		)
		return
	}

	if j.msg.Topic == domain.TopicAnalyzeRequest {
		payload, err := json.Marshal(assessment)
		if err == nil {
			err = bus.Reply(j.ctx, w.bus, j.msg, payload)
		}
		if err != nil {
			w.logger.Warn("failed to reply with assessment",
				"transfer_id", j.req.ID,
				"error", err,
			)
		}
	}

	w.logger.Info("transfer processed",
		"transfer_id", j.req.ID,
		"actor_id", j.req.ActorID,
		"decision", assessment.Decision,
		"score", assessment.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// handlePatternsChanged reloads the registry from the repository after an
// edit on another node.
func (w *Worker) handlePatternsChanged(ctx context.Context, msg *domain.Message) error {
	var evt domain.PatternsChanged
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return err
	}
	if evt.Origin != "" && evt.Origin == w.cfg.NodeID {
		return nil
	}

	patterns, err := w.patterns.ListPatterns(ctx, false)
	if err != nil {
		w.logger.Error("pattern reload failed",
			"origin", evt.Origin,
			"error", err,
		)
		return err
	}

	snap := w.reloader.ReloadPatterns(patterns)
	w.logger.Info("patterns reloaded from peer change",
		"origin", evt.Origin,
		"pattern_id", evt.PatternID,
		"registry_version", snap.Version,
		"patterns", len(snap.Patterns),
	)
	return nil
}

// NotifyPatternsChanged tells other nodes to reload their registry.
func NotifyPatternsChanged(ctx context.Context, b domain.EventBus, origin, patternID string) error {
	if b == nil {
		return errors.New("no event bus")
	}
	payload, err := json.Marshal(domain.PatternsChanged{Origin: origin, PatternID: patternID})
	if err != nil {
		return err
	}
	return b.Publish(ctx, domain.TopicPatternsChanged, payload)
}

// Stop gracefully stops all workers. Queued transfers that have not
// started are dropped.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	w.logger.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Queued            int      `json:"queued"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Queued:            len(w.jobs),
	}
}

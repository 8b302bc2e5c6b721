// Kestrel - real-time fraud risk scoring for money transfers.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/analyzer"
	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/profiles"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/tadp"
	"github.com/opensource-finance/kestrel/internal/traces"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"node_id", cfg.NodeID,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"async_worker", cfg.AsyncWorker,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Tracing
	var tracingEndpoint string
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := traces.Init(ctx, cfg.Tracing.ServiceName, tracingEndpoint, logger)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	profileSource := profiles.NewSource(repo, cacheImpl, cfg.Cache.ProfileTTL, logger)

	reg, err := registry.New(logger)
	if err != nil {
		slog.Error("failed to initialize pattern registry", "error", err)
		os.Exit(1)
	}

	tracker := velocity.NewTracker(velocity.Config{
		TTL:           cfg.Tracker.TTL,
		RecentAmounts: cfg.Tracker.RecentAmounts,
		MaxEvents:     cfg.Tracker.MaxEvents,
	}, logger)
	go tracker.Run(ctx, cfg.Tracker.SweepInterval)

	processor, err := tadp.NewProcessor(tadp.SettingsFrom(cfg.Scoring, cfg.Anomaly.NotableScore))
	if err != nil {
		slog.Error("failed to initialize decision processor", "error", err)
		os.Exit(1)
	}

	var auditBus domain.EventBus
	if cfg.Audit.Publish {
		auditBus = busImpl
	}
	var auditStore audit.Store
	if cfg.Audit.Persist {
		auditStore = repo
	}
	auditCfg := audit.DefaultConfig()
	auditCfg.Persist = cfg.Audit.Persist
	auditCfg.Publish = cfg.Audit.Publish
	auditCfg.SampleRate = cfg.Scoring.AllowSampleRate
	recorder, err := audit.NewRecorder(auditStore, auditBus, auditCfg, logger)
	if err != nil {
		slog.Error("failed to initialize audit recorder", "error", err)
		os.Exit(1)
	}

	a := analyzer.New(analyzer.Deps{
		Registry:  reg,
		Tracker:   tracker,
		Scorer:    loadScorer(cfg.Anomaly.ModelPath, logger),
		Processor: processor,
		Profiles:  profileSource,
		Sink:      recorder,
	}, cfg.Scoring.LookupTimeout, logger)

	if err := a.ApplyScoring(cfg.Scoring, cfg.Anomaly.NotableScore); err != nil {
		slog.Error("failed to apply scoring settings", "error", err)
		os.Exit(1)
	}

	// Load patterns from the database (configure via POST /patterns)
	if err := loadPatterns(ctx, repo, a); err != nil {
		slog.Error("failed to load patterns", "error", err)
		os.Exit(1)
	}

	reloader := &scoringReloader{
		analyzer: a,
		current:  cfg.Scoring,
		notable:  cfg.Anomaly.NotableScore,
		path:     config.EnvFile(),
	}

	// SIGHUP re-reads the scoring settings.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				if _, err := reloader.Reload(ctx); err != nil {
					slog.Warn("scoring reload rejected, keeping current settings", "error", err)
				}
			}
		}
	}()

	// The worker scores bus transfers when enabled and always follows
	// pattern edits made on other nodes.
	asyncWorker := worker.NewWorker(busImpl, a, a, repo, logger)
	if err := asyncWorker.Start(worker.Config{
		NodeID:       cfg.NodeID,
		PatternsOnly: !cfg.AsyncWorker,
	}); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	go metrics.StartCollector(ctx, repo.DB(), tracker.Len, 15*time.Second)

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Analyzer:     a,
		Repository:   repo,
		Profiles:     profileSource,
		Cache:        cacheImpl,
		Bus:          busImpl,
		ReloadConfig: reloader.Reload,
		NodeID:       cfg.NodeID,
		Version:      Version,
		Logger:       logger,
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"model_version", a.ModelVersion(),
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop consuming before the audit queue is drained.
	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}
	recorder.Close()

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadScorer loads the anomaly model. Without one, assessments are scored
// from patterns alone and marked degraded.
func loadScorer(path string, logger *slog.Logger) anomaly.Scorer {
	if path == "" {
		logger.Warn("no anomaly model configured, scoring degraded (set ANOMALY_MODEL_PATH)")
		return anomaly.Unavailable{Err: errors.New("no model configured")}
	}

	forest, err := anomaly.LoadFile(path)
	if err != nil {
		logger.Warn("failed to load anomaly model, scoring degraded",
			"path", path,
			"error", err,
		)
		return anomaly.Unavailable{Err: err}
	}

	logger.Info("anomaly model loaded",
		"path", path,
		"model_version", forest.Version(),
		"trees", len(forest.Trees),
	)
	return forest
}

// loadPatterns loads active patterns from the database into the registry.
func loadPatterns(ctx context.Context, repo domain.Repository, a *analyzer.Analyzer) error {
	patterns, err := repo.ListPatterns(ctx, false)
	if err != nil {
		return fmt.Errorf("list patterns: %w", err)
	}

	snap := a.ReloadPatterns(patterns)
	if len(patterns) == 0 {
		slog.Info("no patterns in database - configure via POST /patterns API")
	}
	slog.Info("pattern registry loaded",
		"patterns", len(snap.Patterns),
		"invalid", len(snap.Invalid),
		"registry_version", snap.Version,
	)
	return nil
}

// scoringReloader serializes scoring reloads from SIGHUP and the API.
type scoringReloader struct {
	mu       sync.Mutex
	analyzer *analyzer.Analyzer
	current  domain.ScoringConfig
	notable  float64
	path     string
}

func (r *scoringReloader) Reload(ctx context.Context) (domain.ScoringConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := config.ReloadScoring(r.path, r.current)
	if err != nil {
		return r.current, err
	}
	if err := r.analyzer.ApplyScoring(next, r.notable); err != nil {
		return r.current, err
	}
	r.current = next
	return next, nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - real-time transfer risk scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Node:     %s\n", cfg.NodeID)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transfers/analyze          - Score a transfer")
	fmt.Println("    GET  /assessments/{id}           - Get an assessment")
	fmt.Println("    POST /assessments/{id}/confirm   - Record an analyst verdict")
	fmt.Println("    GET  /actors/{id}/risk           - Actor risk over 30 days")
	fmt.Println("    GET  /actors/{id}/stats          - Actor fraud statistics")
	fmt.Println("    GET  /actors/{id}/activity       - Live velocity window")
	fmt.Println("    PUT  /actors/{id}/profile        - Sync an actor profile")
	fmt.Println("    GET  /patterns                   - List fraud patterns")
	fmt.Println("    POST /patterns                   - Create a fraud pattern")
	fmt.Println("    POST /patterns/reload            - Hot-reload patterns")
	fmt.Println("    POST /config/reload              - Hot-reload scoring settings")
	fmt.Println("    GET  /health                     - Health check")
	fmt.Println("    GET  /metrics                    - Prometheus metrics")
	fmt.Println()
}

package domain

import (
	"fmt"
	"math"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Scoring holds the hot-reloadable decision settings.
	Scoring ScoringConfig `json:"scoring"`

	// Tracker holds rolling-window settings.
	Tracker TrackerConfig `json:"tracker"`

	// Anomaly holds anomaly model settings.
	Anomaly AnomalyConfig `json:"anomaly"`

	// Audit holds audit sink settings.
	Audit AuditConfig `json:"audit"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// AsyncWorker starts the bus consumer for submitted transfers.
	AsyncWorker bool `json:"asyncWorker"`

	// NodeID identifies this process on the event bus.
	NodeID string `json:"nodeId"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ScoringConfig holds the settings that can change without a restart.
type ScoringConfig struct {
	ReviewThreshold float64 `json:"reviewThreshold"`
	BlockThreshold  float64 `json:"blockThreshold"`
	AnomalyWeight   float64 `json:"anomalyWeight"`

	// Velocity limits applied through the env-managed velocity pattern.
	MaxHourlyTransfers     int     `json:"maxHourlyTransfers"`
	MaxDailyTransfers      int     `json:"maxDailyTransfers"`
	MaxDailyTransferAmount float64 `json:"maxDailyTransferAmount"`

	// AllowSampleRate is the fraction of ALLOW assessments sent to audit.
	AllowSampleRate float64 `json:"allowSampleRate"`

	// LookupTimeout bounds the profile and window lookups of one request.
	LookupTimeout time.Duration `json:"lookupTimeout"`

	// MaxClockSkew is how far ahead of server time a transfer may be dated.
	MaxClockSkew time.Duration `json:"maxClockSkew"`
}

// Validate checks that thresholds are ordered and within range.
func (s ScoringConfig) Validate() error {
	inUnit := func(v float64) bool { return v >= 0 && v <= 1 && !math.IsNaN(v) }
	if !inUnit(s.ReviewThreshold) || !inUnit(s.BlockThreshold) {
		return fmt.Errorf("thresholds must be in [0,1]: review=%v block=%v", s.ReviewThreshold, s.BlockThreshold)
	}
	if s.ReviewThreshold >= s.BlockThreshold {
		return fmt.Errorf("review threshold %v must be below block threshold %v", s.ReviewThreshold, s.BlockThreshold)
	}
	if s.AnomalyWeight < 0 || math.IsNaN(s.AnomalyWeight) || math.IsInf(s.AnomalyWeight, 0) {
		return fmt.Errorf("anomaly weight must be non-negative, got %v", s.AnomalyWeight)
	}
	if s.MaxHourlyTransfers < 0 || s.MaxDailyTransfers < 0 || s.MaxDailyTransferAmount < 0 {
		return fmt.Errorf("velocity limits must be non-negative")
	}
	if !inUnit(s.AllowSampleRate) {
		return fmt.Errorf("allow sample rate must be in [0,1], got %v", s.AllowSampleRate)
	}
	if s.LookupTimeout <= 0 {
		return fmt.Errorf("lookup timeout must be positive")
	}
	if s.MaxClockSkew < 0 {
		return fmt.Errorf("max clock skew must be non-negative, got %s", s.MaxClockSkew)
	}
	return nil
}

// TrackerConfig holds rolling-window settings.
type TrackerConfig struct {
	// TTL is how long an idle actor's window is kept.
	TTL time.Duration `json:"ttl"`
	// SweepInterval is how often idle windows are evicted.
	SweepInterval time.Duration `json:"sweepInterval"`
	// RecentAmounts is how many successful amounts are kept per actor.
	RecentAmounts int `json:"recentAmounts"`
	// MaxEvents caps the sliding log per actor.
	MaxEvents int `json:"maxEvents"`
}

// AnomalyConfig holds anomaly model settings.
type AnomalyConfig struct {
	ModelPath string `json:"modelPath"`
	// NotableScore is the anomaly score listed as a reason when exceeded.
	NotableScore float64 `json:"notableScore"`
}

// AuditConfig holds audit sink settings.
type AuditConfig struct {
	Persist bool `json:"persist"`
	Publish bool `json:"publish"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"`
}

// DefaultScoring returns the default decision settings.
func DefaultScoring() ScoringConfig {
	return ScoringConfig{
		ReviewThreshold:        0.4,
		BlockThreshold:         0.7,
		AnomalyWeight:          0.3,
		MaxHourlyTransfers:     10,
		MaxDailyTransfers:      50,
		MaxDailyTransferAmount: 10000,
		AllowSampleRate:        0.01,
		LookupTimeout:          50 * time.Millisecond,
		MaxClockSkew:           5 * time.Minute,
	}
}

// DefaultConfig returns a single-node configuration with SQLite,
// an in-memory cache and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Scoring: DefaultScoring(),
		Tracker: TrackerConfig{
			TTL:           25 * time.Hour,
			SweepInterval: 5 * time.Minute,
			RecentAmounts: 20,
			MaxEvents:     10000,
		},
		Anomaly: AnomalyConfig{
			NotableScore: 0.7,
		},
		Audit: AuditConfig{
			Persist: true,
			Publish: true,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ProfileTTL:   5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ClusterConfig returns a multi-node configuration with PostgreSQL,
// NATS and Redis.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       30 * time.Second,
		ProfileTTL:     5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

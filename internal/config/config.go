// Package config loads Kestrel configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultEnvFile is read when KESTREL_ENV_FILE is not set.
const DefaultEnvFile = ".env"

// EnvFile returns the env file used for loading and reloading.
func EnvFile() string {
	return getEnv("KESTREL_ENV_FILE", DefaultEnvFile)
}

// Load reads configuration from environment variables.
// It loads the env file first if it exists; variables already set in the
// process environment win.
func Load() (*domain.Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load(EnvFile())
	return FromEnv()
}

// FromEnv builds the configuration from the current environment on top of
// domain.DefaultConfig.
func FromEnv() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	r := &reader{}

	cfg.Server.Host = getEnv("KESTREL_HOST", cfg.Server.Host)
	cfg.Server.Port = r.getInt("KESTREL_PORT", cfg.Server.Port)

	cfg.Repository.Driver = getEnv("KESTREL_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("KESTREL_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("KESTREL_POSTGRES_HOST", "localhost")
	cfg.Repository.PostgresPort = r.getInt("KESTREL_POSTGRES_PORT", 5432)
	cfg.Repository.PostgresUser = os.Getenv("KESTREL_POSTGRES_USER")
	cfg.Repository.PostgresPassword = os.Getenv("KESTREL_POSTGRES_PASSWORD")
	cfg.Repository.PostgresDB = getEnv("KESTREL_POSTGRES_DB", "kestrel")
	cfg.Repository.PostgresSSLMode = getEnv("KESTREL_POSTGRES_SSLMODE", "disable")

	cfg.Cache.Type = getEnv("KESTREL_CACHE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = getEnv("KESTREL_REDIS_ADDR", "localhost:6379")
	cfg.Cache.RedisPassword = os.Getenv("KESTREL_REDIS_PASSWORD")
	cfg.Cache.RedisDB = r.getInt("KESTREL_REDIS_DB", 0)
	cfg.Cache.EnableTwoPhase = r.getBool("KESTREL_CACHE_TWO_PHASE", cfg.Cache.Type == "redis")
	cfg.Cache.ProfileTTL = r.getDuration("KESTREL_PROFILE_TTL", cfg.Cache.ProfileTTL)

	cfg.EventBus.Type = getEnv("KESTREL_BUS", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("KESTREL_NATS_URL", "nats://localhost:4222")
	cfg.EventBus.NATSToken = os.Getenv("KESTREL_NATS_TOKEN")
	if cfg.EventBus.Type == "nats" {
		cfg.EventBus.NATSMaxReconnects = 10
		cfg.EventBus.NATSReconnectWait = 5
	}

	cfg.AsyncWorker = r.getBool("KESTREL_ASYNC_WORKER", false)
	cfg.NodeID = getEnv("KESTREL_NODE_ID", hostname())

	cfg.Anomaly.ModelPath = os.Getenv("ANOMALY_MODEL_PATH")
	cfg.Anomaly.NotableScore = r.getFloat("ANOMALY_NOTABLE_SCORE", cfg.Anomaly.NotableScore)

	cfg.Audit.Persist = r.getBool("AUDIT_PERSIST", cfg.Audit.Persist)
	cfg.Audit.Publish = r.getBool("AUDIT_PUBLISH", cfg.Audit.Publish)

	cfg.Logging.Level = strings.ToLower(getEnv("KESTREL_LOG_LEVEL", cfg.Logging.Level))
	if r.getBool("KESTREL_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Format = strings.ToLower(getEnv("KESTREL_LOG_FORMAT", cfg.Logging.Format))

	cfg.Tracing.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.Tracing.Enabled = cfg.Tracing.Endpoint != ""
	cfg.Tracing.ServiceName = getEnv("OTEL_SERVICE_NAME", cfg.Tracing.ServiceName)

	if r.err != nil {
		return nil, r.err
	}

	scoring, err := Scoring(cfg.Scoring)
	if err != nil {
		return nil, err
	}
	cfg.Scoring = scoring

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Scoring reads the hot-reloadable settings from the environment on top
// of base and validates them.
func Scoring(base domain.ScoringConfig) (domain.ScoringConfig, error) {
	r := &reader{}
	s := base
	s.BlockThreshold = r.getFloat("FRAUD_SCORE_THRESHOLD", s.BlockThreshold)
	s.ReviewThreshold = r.getFloat("FRAUD_REVIEW_THRESHOLD", s.ReviewThreshold)
	s.AnomalyWeight = r.getFloat("ANOMALY_WEIGHT", s.AnomalyWeight)
	s.MaxDailyTransferAmount = r.getFloat("MAX_DAILY_TRANSFER_AMOUNT", s.MaxDailyTransferAmount)
	s.MaxHourlyTransfers = r.getInt("MAX_TRANSFER_FREQUENCY", s.MaxHourlyTransfers)
	s.MaxDailyTransfers = r.getInt("MAX_DAILY_TRANSFERS", s.MaxDailyTransfers)
	s.AllowSampleRate = r.getFloat("AUDIT_ALLOW_SAMPLE_RATE", s.AllowSampleRate)
	if ms := r.getInt("LOOKUP_TIMEOUT_MS", -1); ms >= 0 {
		s.LookupTimeout = time.Duration(ms) * time.Millisecond
	}
	if sec := r.getInt("MAX_CLOCK_SKEW_SECONDS", -1); sec >= 0 {
		s.MaxClockSkew = time.Duration(sec) * time.Second
	}
	if r.err != nil {
		return base, r.err
	}
	if err := s.Validate(); err != nil {
		return base, err
	}
	return s, nil
}

// ReloadScoring re-reads path, overriding variables already in the
// environment, and returns the new scoring settings. A missing file is not
// an error; the current environment is used.
func ReloadScoring(path string, base domain.ScoringConfig) (domain.ScoringConfig, error) {
	if path != "" {
		if err := godotenv.Overload(path); err != nil && !os.IsNotExist(err) {
			return base, fmt.Errorf("reload %s: %w", path, err)
		}
	}
	return Scoring(base)
}

// Validate checks the settings that cannot be defaulted.
func Validate(cfg *domain.Config) error {
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("KESTREL_DB_DRIVER must be sqlite or postgres, got %q", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("KESTREL_CACHE must be memory or redis, got %q", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("KESTREL_BUS must be channel or nats, got %q", cfg.EventBus.Type)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("KESTREL_LOG_FORMAT must be json or text, got %q", cfg.Logging.Format)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("KESTREL_PORT out of range: %d", cfg.Server.Port)
	}
	return nil
}

// reader parses typed variables and keeps the first error.
type reader struct {
	err error
}

func (r *reader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (r *reader) getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		r.fail(key, value, err)
		return defaultValue
	}
	return i
}

func (r *reader) getFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.fail(key, value, err)
		return defaultValue
	}
	return f
}

func (r *reader) getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.fail(key, value, err)
		return defaultValue
	}
	return b
}

func (r *reader) getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.fail(key, value, err)
		return defaultValue
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "kestrel"
	}
	return name
}

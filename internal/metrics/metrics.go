// Package metrics provides Prometheus instrumentation for Kestrel.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AssessmentsTotal counts assessments by decision.
	AssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "assessments_total",
			Help:      "Total risk assessments by decision.",
		},
		[]string{"decision"},
	)

	// AssessmentDuration observes end-to-end scoring latency.
	AssessmentDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "assessment_duration_seconds",
		Help:      "Time to score one transfer in seconds.",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1},
	})

	// DegradedAssessmentsTotal counts assessments scored without the anomaly model.
	DegradedAssessmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "degraded_assessments_total",
		Help:      "Total assessments scored rule-only because the anomaly model was unavailable.",
	})

	// FallbackAssessmentsTotal counts assessments resolved to the safe default.
	FallbackAssessmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "fallback_assessments_total",
		Help:      "Total assessments resolved to the fallback decision by cause.",
	}, []string{"cause"}) // "insufficient_data", "feature_unavailable", "aggregation"

	// PatternSkipsTotal counts patterns skipped during evaluation.
	PatternSkipsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "pattern_skips_total",
		Help:      "Total pattern evaluations skipped because of invalid configuration or errors.",
	}, []string{"pattern"})

	// EvaluationErrorsTotal counts failed evaluations by error kind.
	EvaluationErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "evaluation_errors_total",
		Help:      "Total failed evaluations by error kind.",
	}, []string{"kind"})

	// AuditSubmissionsTotal counts audit sink outcomes.
	AuditSubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "audit_submissions_total",
		Help:      "Total assessments handled by the audit sink by result.",
	}, []string{"result"}) // "persisted", "sampled_out", "failed"

	// TrackedActors tracks actors held in the velocity tracker.
	TrackedActors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Name:      "tracked_actors",
		Help:      "Number of actors with a live activity window.",
	})

	// RegistryVersion is the version of the active pattern snapshot.
	RegistryVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Name:      "registry_version",
		Help:      "Version of the active pattern snapshot.",
	})

	// ActivePatterns is the number of patterns in the active snapshot.
	ActivePatterns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Name:      "active_patterns",
		Help:      "Number of valid active patterns.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AssessmentsTotal,
		AssessmentDuration,
		DegradedAssessmentsTotal,
		FallbackAssessmentsTotal,
		PatternSkipsTotal,
		EvaluationErrorsTotal,
		AuditSubmissionsTotal,
		TrackedActors,
		RegistryVersion,
		ActivePatterns,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartCollector periodically samples sql.DBStats, the tracker size and the
// goroutine count into gauges. db and trackedActors may be nil. Call in a
// goroutine; exits when ctx is done.
func StartCollector(ctx context.Context, db *sql.DB, trackedActors func() int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if db != nil {
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBInUseConnections.Set(float64(stats.InUse))
			}
			if trackedActors != nil {
				TrackedActors.Set(float64(trackedActors()))
			}
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request metrics using the chi route pattern as the
// path label.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(sw.status)).Inc()
	})
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return strconv.Itoa(code)
	}
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

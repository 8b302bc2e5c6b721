package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/kestrel/internal/analyzer"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/profiles"
)

// Deps are the collaborators of the HTTP handlers. Repository, Cache and
// Bus may be nil.
type Deps struct {
	Analyzer   *analyzer.Analyzer
	Repository domain.Repository
	Profiles   *profiles.Source
	Cache      domain.Cache
	Bus        domain.EventBus

	// ReloadConfig re-reads and applies the scoring configuration.
	ReloadConfig func(ctx context.Context) (domain.ScoringConfig, error)

	NodeID  string
	Version string
	Logger  *slog.Logger
}

// Handler holds dependencies for API handlers.
type Handler struct {
	analyzer     *analyzer.Analyzer
	repo         domain.Repository
	profiles     *profiles.Source
	cache        domain.Cache
	bus          domain.EventBus
	reloadConfig func(ctx context.Context) (domain.ScoringConfig, error)
	nodeID       string
	version      string
	validate     *validator.Validate
	logger       *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		analyzer:     deps.Analyzer,
		repo:         deps.Repository,
		profiles:     deps.Profiles,
		cache:        deps.Cache,
		bus:          deps.Bus,
		reloadConfig: deps.ReloadConfig,
		nodeID:       deps.NodeID,
		version:      deps.Version,
		validate:     newValidator(),
		logger:       logger,
	}
}

// AnalyzeTransfer handles POST /transfers/analyze. Actor data that cannot
// be read yields the fallback decision, not an error.
func (h *Handler) AnalyzeTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.AnalyzeRequest
	if !h.decode(w, r, &req) {
		return
	}

	transfer := req.ToTransfer()
	assessment, err := h.analyzer.Assess(ctx, transfer)
	if err != nil {
		h.logger.Error("transfer analysis failed",
			"transfer_id", transfer.ID,
			"actor_id", transfer.ActorID,
			"error", err,
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, assessment)
}

// GetAssessment handles GET /assessments/{id}.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	id := chi.URLParam(r, "id")
	a, err := h.repo.GetAssessment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// ConfirmAssessment handles POST /assessments/{id}/confirm.
func (h *Handler) ConfirmAssessment(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req domain.ConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.repo.ConfirmAssessment(ctx, id, *req.IsConfirmedFraud, req.AnalystNotes); err != nil {
		writeError(w, err)
		return
	}

	a, err := h.repo.GetAssessment(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("assessment confirmed",
		"assessment_id", id,
		"confirmed_fraud", *req.IsConfirmedFraud,
	)
	writeJSON(w, http.StatusOK, a)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	if h.repo != nil {
		checks["repository"] = "ok"
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["repository"] = err.Error()
		}
	}
	if h.cache != nil {
		checks["cache"] = "ok"
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["cache"] = err.Error()
		}
	}
	if h.bus != nil {
		checks["bus"] = "ok"
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["bus"] = err.Error()
		}
	}

	model := h.analyzer.ModelVersion()
	if model == "" {
		checks["anomaly_model"] = "unavailable"
	} else {
		checks["anomaly_model"] = model
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports whether the service can score transfers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ready": false,
				"error": "repository unavailable",
			})
			return
		}
	}

	snap := h.analyzer.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":           true,
		"registryVersion": snap.Version,
		"patterns":        len(snap.Patterns),
	})
}

// ReloadConfig handles POST /config/reload.
func (h *Handler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.reloadConfig == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "config reload not available",
		})
		return
	}

	cfg, err := h.reloadConfig(r.Context())
	if err != nil {
		h.logger.Warn("config reload rejected", "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "scoring configuration reloaded",
		"scoring":         cfg,
		"registryVersion": h.analyzer.Snapshot().Version,
	})
}

// decode reads and validates a JSON body, writing 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body: " + err.Error(),
		})
		return false
	}

	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, newValidationError(verrs))
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return false
	}
	return true
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransfer),
		errors.Is(err, domain.ErrInvalidPatternConfig):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// PatternRequest is the body of POST /patterns and PUT /patterns/{id}.
type PatternRequest struct {
	ID             string             `json:"id,omitempty" validate:"omitempty,max=128"`
	Name           string             `json:"name" validate:"required,max=200"`
	Kind           domain.PatternKind `json:"type" validate:"required,oneof=amount velocity geographic account_age behavioral"`
	Description    string             `json:"description,omitempty" validate:"max=2000"`
	Parameters     json.RawMessage    `json:"parameters" validate:"required"`
	Weight         *float64           `json:"weight,omitempty" validate:"omitempty,gte=0"`
	ThresholdScore *float64           `json:"thresholdScore,omitempty" validate:"omitempty,gte=0,lte=1"`
	Scope          string             `json:"scope,omitempty"`
	IsActive       *bool              `json:"isActive,omitempty"`
}

func (req *PatternRequest) toPattern(id string) *domain.FraudPattern {
	p := &domain.FraudPattern{
		ID:               id,
		Name:             req.Name,
		Kind:             req.Kind,
		Description:      req.Description,
		Parameters:       req.Parameters,
		Weight:           1.0,
		NotableThreshold: domain.DefaultNotableThreshold,
		Scope:            req.Scope,
		Active:           true,
		UpdatedAt:        time.Now().UTC(),
	}
	if req.Weight != nil {
		p.Weight = *req.Weight
	}
	if req.ThresholdScore != nil {
		p.NotableThreshold = *req.ThresholdScore
	}
	if req.IsActive != nil {
		p.Active = *req.IsActive
	}
	return p
}

// PatternView is a persisted pattern with its registry status.
type PatternView struct {
	*domain.FraudPattern
	Loaded bool   `json:"loaded"`
	Error  string `json:"error,omitempty"`
}

func viewOf(p *domain.FraudPattern, snap *registry.Snapshot) PatternView {
	v := PatternView{FraudPattern: p, Loaded: snap.Get(p.ID) != nil}
	for _, inv := range snap.Invalid {
		if inv.ID == p.ID {
			v.Error = inv.Err.Error()
		}
	}
	return v
}

// ListPatterns handles GET /patterns. ?all=true includes inactive patterns.
func (h *Handler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	patterns, err := h.repo.ListPatterns(r.Context(), all)
	if err != nil {
		h.logger.Error("failed to list patterns", "error", err)
		writeError(w, err)
		return
	}

	snap := h.analyzer.Snapshot()
	views := make([]PatternView, len(patterns))
	for i, p := range patterns {
		views[i] = viewOf(p, snap)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"patterns":        views,
		"count":           len(views),
		"registryVersion": snap.Version,
	})
}

// GetPattern handles GET /patterns/{id}.
func (h *Handler) GetPattern(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	p, err := h.repo.GetPattern(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, viewOf(p, h.analyzer.Snapshot()))
}

// CreatePattern handles POST /patterns. The pattern is validated, stored
// and applied to the registry at once.
func (h *Handler) CreatePattern(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	var req PatternRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}

	ctx := r.Context()
	if _, err := h.repo.GetPattern(ctx, req.ID); err == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "pattern already exists"})
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		writeError(w, err)
		return
	}

	h.savePattern(w, r, req.toPattern(req.ID), http.StatusCreated)
}

// UpdatePattern handles PUT /patterns/{id}.
func (h *Handler) UpdatePattern(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	var req PatternRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	if req.ID != "" && req.ID != id {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id in body does not match path"})
		return
	}
	if _, err := h.repo.GetPattern(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	h.savePattern(w, r, req.toPattern(id), http.StatusOK)
}

func (h *Handler) savePattern(w http.ResponseWriter, r *http.Request, p *domain.FraudPattern, status int) {
	ctx := r.Context()

	if err := h.analyzer.ValidatePattern(p); err != nil {
		writeError(w, err)
		return
	}
	if err := h.repo.SavePattern(ctx, p); err != nil {
		h.logger.Error("failed to save pattern", "pattern_id", p.ID, "error", err)
		writeError(w, err)
		return
	}

	snap, err := h.reload(ctx, p.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("pattern saved",
		"pattern_id", p.ID,
		"type", p.Kind,
		"active", p.Active,
		"registry_version", snap.Version,
	)
	writeJSON(w, status, map[string]any{
		"pattern":         viewOf(p, snap),
		"registryVersion": snap.Version,
	})
}

// DeactivatePattern handles DELETE /patterns/{id}. Patterns are retired,
// not removed, so past assessments stay explainable.
func (h *Handler) DeactivatePattern(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := h.repo.DeactivatePattern(ctx, id); err != nil {
		writeError(w, err)
		return
	}

	snap, err := h.reload(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("pattern deactivated", "pattern_id", id, "registry_version", snap.Version)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "pattern deactivated",
		"registryVersion": snap.Version,
	})
}

// ReloadPatterns handles POST /patterns/reload.
func (h *Handler) ReloadPatterns(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	snap, err := h.reload(r.Context(), "")
	if err != nil {
		writeError(w, err)
		return
	}

	invalid := make([]map[string]string, len(snap.Invalid))
	for i, inv := range snap.Invalid {
		invalid[i] = map[string]string{"id": inv.ID, "error": inv.Err.Error()}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "patterns reloaded",
		"registryVersion": snap.Version,
		"count":           len(snap.Patterns),
		"invalid":         invalid,
	})
}

// reload rebuilds the registry from the repository and tells peer nodes.
func (h *Handler) reload(ctx context.Context, patternID string) (*registry.Snapshot, error) {
	patterns, err := h.repo.ListPatterns(ctx, false)
	if err != nil {
		h.logger.Error("failed to list patterns", "error", err)
		return nil, err
	}

	snap := h.analyzer.ReloadPatterns(patterns)

	if h.bus != nil {
		if err := worker.NotifyPatternsChanged(ctx, h.bus, h.nodeID, patternID); err != nil {
			h.logger.Warn("failed to notify pattern change", "pattern_id", patternID, "error", err)
		}
	}
	return snap, nil
}

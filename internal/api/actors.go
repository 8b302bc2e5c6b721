package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ProfileRequest is the body of PUT /actors/{id}/profile.
type ProfileRequest struct {
	CreatedAt      time.Time `json:"createdAt" validate:"required"`
	LifetimeCount  int64     `json:"lifetimeCount" validate:"gte=0"`
	LifetimeVolume float64   `json:"lifetimeVolume" validate:"gte=0"`
	Balance        float64   `json:"balance"`
}

// ActorRisk handles GET /actors/{id}/risk.
func (h *Handler) ActorRisk(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	risk, err := audit.ActorRisk(r.Context(), h.repo, chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		h.logger.Error("failed to compute actor risk", "actor_id", chi.URLParam(r, "id"), "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, risk)
}

// ActorStats handles GET /actors/{id}/stats.
func (h *Handler) ActorStats(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	stats, err := audit.ActorStats(r.Context(), h.repo, chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		h.logger.Error("failed to compute actor stats", "actor_id", chi.URLParam(r, "id"), "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// ActorActivity handles GET /actors/{id}/activity: the live velocity window
// held by this node.
func (h *Handler) ActorActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.analyzer.Window(chi.URLParam(r, "id")))
}

// GetProfile handles GET /actors/{id}/profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	if h.profiles == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "profiles not available"})
		return
	}

	p, err := h.profiles.GetProfile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// PutProfile handles PUT /actors/{id}/profile, the read-model sync from the
// account service.
func (h *Handler) PutProfile(w http.ResponseWriter, r *http.Request) {
	if h.profiles == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "profiles not available"})
		return
	}

	var req ProfileRequest
	if !h.decode(w, r, &req) {
		return
	}

	p := &domain.ActorProfile{
		ActorID:        chi.URLParam(r, "id"),
		CreatedAt:      req.CreatedAt.UTC(),
		LifetimeCount:  req.LifetimeCount,
		LifetimeVolume: req.LifetimeVolume,
		Balance:        req.Balance,
	}
	if err := h.profiles.Save(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const idleTimeout = 2 * time.Minute

// Server serves the scoring, read-model and administration endpoints.
type Server struct {
	router  *chi.Mux
	handler *Handler
	cfg     domain.ServerConfig
	http    *http.Server
}

// NewServer mounts every route on a fresh chi router.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	h := NewHandler(deps)

	r := chi.NewRouter()
	r.Use(
		allowCORS,
		recoverPanics(h.logger),
		traceRequests,
		logRequests(h.logger),
		metrics.Middleware,
		middleware.RealIP,
		middleware.Compress(5),
	)

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/transfers/analyze", h.AnalyzeTransfer)

	r.Get("/assessments/{id}", h.GetAssessment)
	r.Post("/assessments/{id}/confirm", h.ConfirmAssessment)

	r.Route("/actors/{id}", func(r chi.Router) {
		r.Get("/risk", h.ActorRisk)
		r.Get("/stats", h.ActorStats)
		r.Get("/activity", h.ActorActivity)
		r.Get("/profile", h.GetProfile)
		r.Put("/profile", h.PutProfile)
	})

	r.Route("/patterns", func(r chi.Router) {
		r.Get("/", h.ListPatterns)
		r.Post("/", h.CreatePattern)
		r.Post("/reload", h.ReloadPatterns)
		r.Get("/{id}", h.GetPattern)
		r.Put("/{id}", h.UpdatePattern)
		r.Delete("/{id}", h.DeactivatePattern)
	})

	r.Post("/config/reload", h.ReloadConfig)

	return &Server{router: r, handler: h, cfg: cfg}
}

// Start blocks serving on the configured address. It returns nil after
// a graceful Shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
		IdleTimeout:  idleTimeout,
	}
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Router exposes the mux to tests.
func (s *Server) Router() *chi.Mux { return s.router }

func (s *Server) Handler() *Handler { return s.handler }

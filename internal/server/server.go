package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/gpubroker/internal/artifacts"
	"github.com/me/gpubroker/internal/config"
	"github.com/me/gpubroker/internal/events"
	"github.com/me/gpubroker/internal/queue"
	"github.com/me/gpubroker/internal/registry"
	"github.com/me/gpubroker/internal/scheduler"
	"github.com/me/gpubroker/internal/store"
	"github.com/me/gpubroker/pkg/model"
)

// Server is the broker's REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store
	queue     *queue.Queue
	registry  *registry.Registry
	scheduler scheduler.Scheduler
	bus       *events.Bus
	artifacts *artifacts.S3Store // optional; nil when no bucket is configured
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithArtifacts enables presigned S3 URLs for job logs and results.
func WithArtifacts(a *artifacts.S3Store) Option {
	return func(s *Server) {
		s.artifacts = a
	}
}

// New creates a new Server with all routes registered.
// sched may be nil if no scheduling is desired (e.g. in tests).
func New(cfg config.ServerConfig, st store.Store, q *queue.Queue, reg *registry.Registry, sched scheduler.Scheduler, bus *events.Bus, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		queue:     q,
		registry:  reg,
		scheduler: sched,
		bus:       bus,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

// schedulerReady reports whether a scheduler is wired. Without one the
// report and cancel endpoints cannot act, so they answer 503 instead of
// panicking.
func (s *Server) schedulerReady(w http.ResponseWriter, reqID string) bool {
	if s.scheduler != nil {
		return true
	}
	respondError(w, reqID, http.StatusServiceUnavailable, &model.APIError{
		Code:    model.ErrInternal,
		Message: "scheduler is not running",
	})
	return false
}

// StartScheduler begins the scheduling loop in a background goroutine.
func (s *Server) StartScheduler(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	go func() {
		if err := s.scheduler.Start(ctx); err != nil && err != context.Canceled {
			s.logger.Error("scheduler stopped", "error", err)
		}
	}()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	// Prometheus scrape endpoint, outside the API envelope.
	r.Handle("/metrics", promhttp.Handler())

	// API routes (JSON)
	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Everything below requires a bearer token (or anonymous access
		// when the server allows it).
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(s.store, s.config.AllowAnonymous, s.logger))

			// Jobs
			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.handleListJobs)
				r.Post("/", s.handleSubmitJob)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetJob)
					r.Put("/cancel", s.handleCancelJob)
					r.Get("/events", s.handleJobEvents)
					r.Get("/artifacts", s.handleJobArtifacts)
				})
			})

			// Hosts
			r.Route("/hosts", func(r chi.Router) {
				r.Get("/", s.handleListHosts)
				r.Post("/", s.handleRegisterHost)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetHost)
					r.Delete("/", s.handleDeregisterHost)
					r.Put("/heartbeat", s.handleHostHeartbeat)
					r.Route("/jobs/{jobID}", func(r chi.Router) {
						r.Post("/started", s.handleJobStarted)
						r.Post("/complete", s.handleJobComplete)
						r.Get("/artifacts", s.handleUploadArtifacts)
					})
				})
			})

			// Marketplace (public host listing)
			r.Get("/marketplace", s.handleMarketplace)

			// Admin
			r.Route("/admin", func(r chi.Router) {
				r.Use(requireAdmin(s.logger))
				r.Get("/stats", s.handleAdminStats)
			})

			// SSE endpoints for real-time updates
			r.Route("/sse", func(r chi.Router) {
				r.Get("/jobs/{id}", s.handleSSEJob)
				r.Get("/hosts/{id}", s.handleSSEHost)
			})
		})
	})
}

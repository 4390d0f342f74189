// Package server provides the operational HTTP surface: health, status, job
// triggers, activity ingestion and the approval endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/nextaction/internal/database"
	"github.com/aristath/nextaction/internal/modules/actions"
	"github.com/aristath/nextaction/internal/modules/opportunities"
	"github.com/aristath/nextaction/internal/queue"
	"github.com/aristath/nextaction/internal/scheduler"
)

// Config holds server configuration
type Config struct {
	Log           zerolog.Logger
	DB            *database.DB
	Opportunities *opportunities.Repository
	Actions       *actions.Repository
	Approval      *actions.ApprovalService
	Queue         *queue.Store
	Pool          *queue.Pool
	Scheduler     *scheduler.Scheduler
	Port          int
	DevMode       bool
}

// Server represents the HTTP server
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	port     int
	system   *SystemHandlers
	actions  *ActionHandlers
	activity *ActivityHandlers
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	log := cfg.Log.With().Str("component", "server").Logger()

	s := &Server{
		router:   chi.NewRouter(),
		log:      log,
		port:     cfg.Port,
		system:   NewSystemHandlers(cfg.DB, cfg.Queue, cfg.Pool, cfg.Scheduler, log),
		actions:  NewActionHandlers(cfg.Actions, cfg.Approval, log),
		activity: NewActivityHandlers(cfg.Opportunities, cfg.Queue, cfg.Pool, log),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.system.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.system.HandleStatus)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.system.HandleJobs)
			r.Post("/{name}/trigger", s.system.HandleTriggerJob)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.system.HandleQueue)
			r.Post("/trigger", s.system.HandleTriggerQueue)
		})

		r.Post("/activities", s.activity.HandleIngest)

		r.Get("/opportunities/{id}/actions", s.actions.HandleListForOpportunity)

		r.Route("/actions/{id}", func(r chi.Router) {
			r.Get("/", s.actions.HandleGet)
			r.Post("/approve", s.actions.HandleApprove)
			r.Post("/reject", s.actions.HandleReject)
			r.Post("/complete", s.actions.HandleComplete)
			r.Patch("/details", s.actions.HandleUpdateDetails)
		})
	})
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/pmframework/internal/app"
	"github.com/dativo-io/pmframework/internal/otel"
)

const defaultTimeout = 60 * time.Second

// Server serves the HTTP API for one App.
type Server struct {
	router    *chi.Mux
	app       *app.App
	apiKeys   []string
	startTime time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithAPIKeys protects every route except /healthz.
func WithAPIKeys(keys []string) Option {
	return func(s *Server) { s.apiKeys = keys }
}

// NewServer builds a Server over a.
func NewServer(a *app.App, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		app:       a,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Get("/v1/metrics", s.handleMetrics)
		r.Get("/v1/recall", s.handleRecall)

		r.Post("/v1/hooks/{name}", s.handleHook)

		r.Post("/v1/memories", s.handleMemoryAdd)
		r.Get("/v1/memories/search", s.handleMemorySearch)

		r.Post("/v1/workflows", s.handleWorkflowStart)
		r.Get("/v1/workflows", s.handleWorkflowList)
		r.Post("/v1/workflows/{id}/steps", s.handleWorkflowStep)
		r.Post("/v1/workflows/{id}/complete", s.handleWorkflowComplete)
		r.Post("/v1/handoffs", s.handleHandoff)
	})
	return r
}

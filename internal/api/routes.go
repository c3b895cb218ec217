// Package api provides HTTP handlers and routing for the canvas engine.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomstudio/canvas-engine/internal/auth"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	authMW   *auth.Middleware
	limiter  *auth.PerClientRateLimiter
}

// NewServer creates a new API server. authMW and limiter may be nil to
// disable the respective middleware.
func NewServer(h *Handlers, authMW *auth.Middleware, limiter *auth.PerClientRateLimiter) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		authMW:   authMW,
		limiter:  limiter,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/canvases", s.handlers.CreateCanvas).Methods("POST")
	api.HandleFunc("/canvases/{id}/graph", s.handlers.GetGraph).Methods("GET")

	trigger := api.PathPrefix("/canvases/{id}/trigger").Subrouter()
	trigger.HandleFunc("", s.handlers.Trigger).Methods("POST")
	if s.limiter != nil {
		trigger.Use(s.limiter.Handler)
	}

	api.HandleFunc("/executions/{id}", s.handlers.GetExecution).Methods("GET")
	api.HandleFunc("/responses/{id}", s.handlers.GetResponse).Methods("GET")

	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
	if s.authMW != nil {
		s.router.Use(s.authMW.Handler)
	}
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaymail/dispatch/internal/config"
)

// Server is the HTTP front end for the dispatch system.
type Server struct {
	config config.ServerConfig
	router *chi.Mux
	server *http.Server
}

// NewServer creates the API server over an already-built router.
func NewServer(cfg config.ServerConfig, router *chi.Mux) *Server {
	return &Server{config: cfg, router: router}
}

// ListenAndServe starts the HTTP server and blocks.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

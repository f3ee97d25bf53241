// Package server implements the Portico HTTP API server.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/porticohq/portico/internal/health"
	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/internal/saga"
	"github.com/porticohq/portico/internal/server/handlers"
	"github.com/porticohq/portico/internal/webhook"
)

// Deps carries the components the API surfaces.
type Deps struct {
	Provider provider.Provider
	Sagas    *saga.Orchestrator
	Webhooks *webhook.Engine
	Health   *health.Monitor
	// StartRefresh launches the cache-refresh saga for a portal.
	StartRefresh handlers.RefreshFunc
	// APIKey, when set, is required in the X-API-Key header.
	APIKey string
}

// Server is the Portico HTTP API server.
type Server struct {
	deps   Deps
	router chi.Router
	addr   string
	srv    *http.Server
}

// New creates a new HTTP server.
func New(addr string, deps Deps) *Server {
	s := &Server{
		deps: deps,
		addr: addr,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(MaxBodyMiddleware(1 << 20))
	r.Use(APIKeyMiddleware(deps.APIKey))
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	s.router = r
	s.registerRoutes(r)
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	fmt.Printf("Portico server listening on %s\n", s.addr)
	return s.srv.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

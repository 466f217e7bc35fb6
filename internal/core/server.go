// Package core provides the API chassis for the coinbank engine: a chi
// router with the cross-cutting middleware chain (panic recovery, request
// IDs, identity extraction, structured request logging), the JSON response
// envelope, request validation, and the health endpoint. Domain handlers
// mount themselves through route registrars so core never imports them.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"coinbank/internal/config"
)

// RouteRegistrar mounts a group of domain routes onto the router. The entry
// point collects registrars from the handler packages and hands them to the
// server, avoiding an import cycle between core and handlers.
type RouteRegistrar func(r chi.Router)

// Server bundles the router with the chassis dependencies handlers share.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// V1RouteRegistrars mount authenticated user-facing routes under /v1.
	V1RouteRegistrars []RouteRegistrar
	// AdminRouteRegistrars mount admin routes under /v1/admin, behind the
	// admin key check.
	AdminRouteRegistrars []RouteRegistrar
	// WebhookRegistrars mount provider callbacks under /webhooks. These skip
	// the user identity middleware; each webhook authenticates its own way.
	WebhookRegistrars []RouteRegistrar

	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer validates the chassis dependencies and prepares the router.
// Routes are mounted separately via MountRoutes so tests can register their
// own.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the underlying mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown logs the teardown. Resource owners (the pgx pool, AWS clients)
// are closed by the entry point that created them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}

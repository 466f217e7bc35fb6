package core

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// defaultRequestTimeout is the soft deadline applied to every request
// context.
const defaultRequestTimeout = 29 * time.Second

// MountRoutes registers the global middleware chain and all route groups.
//
// Middleware order: Recoverer first so every panic is caught, then the
// request deadline, the correlation ID, and logging. Identity extraction
// applies only inside /v1; webhooks and health stay outside it.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger))

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.HandleHealth)

		r.Group(func(r chi.Router) {
			r.Use(UserContextMiddleware)
			for _, registrar := range s.V1RouteRegistrars {
				registrar(r)
			}
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.AdminAuthMiddleware)
			for _, registrar := range s.AdminRouteRegistrars {
				registrar(r)
			}
		})
	})

	s.router.Route("/webhooks", func(r chi.Router) {
		for _, registrar := range s.WebhookRegistrars {
			registrar(r)
		}
	})
}

// ContextTimeoutMiddleware sets a deadline on the request context so a hung
// dependency cannot hold a request open indefinitely.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

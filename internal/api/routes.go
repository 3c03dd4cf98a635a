package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler, actions *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	if actions == nil {
		actions = NewRateLimiter(0, 0)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/subscribe", h.Subscribe)

		r.Route("/syncs", func(r chi.Router) {
			r.Get("/", h.ListOperations)
			r.Post("/", h.CreateOperation)

			r.Route("/{id}", func(r chi.Router) {
				r.Use(OperationIDMiddleware)
				r.Get("/", h.GetOperation)
				r.Patch("/", h.UpdateOperation)
				r.Delete("/", h.DeleteOperation)
				r.Get("/history", h.ListHistory)
				// Lifecycle actions start real work and are rate limited.
				r.With(actions.Middleware).Post("/actions/{action}", h.Action)
			})
		})
	})

	return r
}

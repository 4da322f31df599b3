package account

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gpropadm/brpolis/internal/middleware"
	"github.com/gpropadm/brpolis/internal/repository"
)

// RegisterRoutes registers account administration routes. Every route needs
// an authenticated ADMIN or SUPER_ADMIN session.
func RegisterRoutes(r chi.Router, handler *Handler, authenticate func(next http.Handler) http.Handler) {
	r.Route("/admin/users", func(r chi.Router) {
		r.Use(authenticate)
		r.Use(middleware.RequireRole(repository.RoleAdmin, repository.RoleSuperAdmin))

		r.Post("/", handler.Create)
		r.Get("/", handler.List)
		r.Patch("/{id}", handler.SetActive)
	})
}

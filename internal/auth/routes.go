package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware is an interface for HTTP middleware
type Middleware func(http.Handler) http.Handler

// RegisterRoutes registers all authentication routes with the Chi router.
// throttle guards the credential-accepting endpoints; nil disables it.
func RegisterRoutes(r chi.Router, handler *AuthHandler, throttle Middleware) {
	if throttle == nil {
		throttle = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/auth", func(r chi.Router) {
		r.With(throttle).Post("/login", handler.Login)
		r.Post("/logout", handler.Logout)
		r.Get("/me", handler.GetMe)

		r.Route("/password", func(r chi.Router) {
			r.Use(throttle)
			r.Post("/forgot", handler.ForgotPassword)
			r.Post("/reset", handler.ResetPassword)
		})
	})
}

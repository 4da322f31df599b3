package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gpropadm/brpolis/internal/auth"
	appctx "github.com/gpropadm/brpolis/internal/context"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TokenVerifier resolves a session token to its user
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*auth.UserView, error)
}

// AuthMiddleware protects routes with a valid session. Unlike a bare JWT check,
// every request goes through the session store, so logout and deactivation
// take effect immediately.
type AuthMiddleware struct {
	verifier TokenVerifier
	cookies  *auth.CookieManager
}

// NewAuthMiddleware creates a new AuthMiddleware instance
func NewAuthMiddleware(verifier TokenVerifier, cookies *auth.CookieManager) *AuthMiddleware {
	if cookies == nil {
		cookies = auth.NewCookieManager(false, auth.DefaultTokenTTL)
	}
	return &AuthMiddleware{
		verifier: verifier,
		cookies:  cookies,
	}
}

// Authenticate validates the session cookie or Bearer token and injects the
// user's id, email and role into the request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := m.cookies.TokenFromRequest(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenMissing, "Token não fornecido")
			return
		}

		user, err := m.verifier.VerifyToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrServiceUnavailable) {
				writeError(w, http.StatusServiceUnavailable, auth.CodeServiceUnavailable, "Serviço temporariamente indisponível")
				return
			}
			m.cookies.ClearSessionCookie(w)
			writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Sessão inválida ou expirada")
			return
		}

		ctx := appctx.WithUser(r.Context(), user.ID, user.Email, user.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole allows the request only when the authenticated role is one of roles.
// It must run after Authenticate.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := appctx.ExtractRole(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenMissing, "Token não fornecido")
				return
			}
			if _, ok := allowed[role]; !ok {
				writeError(w, http.StatusForbidden, auth.CodeForbidden, "Acesso negado")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Success: false,
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}

	_ = json.NewEncoder(w).Encode(response)
}

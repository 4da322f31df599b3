package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/gpropadm/brpolis/internal/auth"
)

// Default login throttle
const (
	DefaultLoginRateLimit  = 20
	DefaultLoginRateWindow = time.Minute
)

// LoginRateLimit throttles credential endpoints per client IP. It complements
// the per-account lockout: lockout stops guessing one password, this stops
// spraying many accounts from one address.
func LoginRateLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	if requests <= 0 {
		requests = DefaultLoginRateLimit
	}
	if window <= 0 {
		window = DefaultLoginRateWindow
	}

	return httprate.Limit(requests, window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return auth.ClientIP(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, auth.CodeRateLimitExceeded,
				"Muitas tentativas. Aguarde antes de tentar novamente")
		}),
	)
}

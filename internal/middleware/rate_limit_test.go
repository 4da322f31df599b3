package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gpropadm/brpolis/internal/auth"
)

func newLimitedHandler(limit int) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return auth.ResolveClientIP(true)(LoginRateLimit(limit, time.Minute)(ok))
}

func sendFrom(h http.Handler, remoteAddr, forwarded string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = remoteAddr
	if forwarded != "" {
		req.Header.Set("X-Forwarded-For", forwarded)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLoginRateLimit(t *testing.T) {
	limited := newLimitedHandler(3)
	send := func(ip string) *httptest.ResponseRecorder {
		return sendFrom(limited, "10.0.0.1:4000", ip)
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, send("198.51.100.10").Code, "request %d", i)
	}

	rec := send("198.51.100.10")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, auth.CodeRateLimitExceeded, decodeErrorCode(t, rec))

	// another client keeps its own budget
	assert.Equal(t, http.StatusOK, send("198.51.100.11").Code)
}

// Rotating junk in X-Forwarded-For does not mint fresh budgets.
func TestLoginRateLimit_IgnoresInvalidForwardedValues(t *testing.T) {
	limited := newLimitedHandler(3)

	for i := 0; i < 3; i++ {
		rec := sendFrom(limited, "203.0.113.9:5555", fmt.Sprintf("not-an-ip-%d", i))
		assert.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	rec := sendFrom(limited, "203.0.113.9:5555", "not-an-ip-99")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

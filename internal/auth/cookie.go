package auth

import (
	"net/http"
	"strings"
	"time"
)

// SessionCookieName is the cookie carrying the session token
const SessionCookieName = "auth_token"

// CookieManager writes and clears the session cookie
type CookieManager struct {
	Name     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
	MaxAge   time.Duration
}

// NewCookieManager creates the session cookie policy. Secure is set in production.
func NewCookieManager(secure bool, maxAge time.Duration) *CookieManager {
	if maxAge <= 0 {
		maxAge = DefaultTokenTTL
	}
	return &CookieManager{
		Name:     SessionCookieName,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   maxAge,
	}
}

// SetSessionCookie stores token in an HttpOnly cookie
func (c *CookieManager) SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    token,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   int(c.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	})
}

// ClearSessionCookie expires the session cookie on the client
func (c *CookieManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	})
}

// TokenFromRequest returns the session token from the cookie, falling back to
// an "Authorization: Bearer" header. It returns "" when neither is present.
func (c *CookieManager) TokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(c.Name); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return BearerToken(r)
}

// BearerToken extracts the token from an Authorization header
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

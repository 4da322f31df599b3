package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gpropadm/brpolis/internal/logger"
)

const (
	maxRequestBody = 1 << 20

	// resetDispatchTimeout bounds the detached persist-and-notify step of a reset request
	resetDispatchTimeout = 30 * time.Second
)

// SessionManager is the behaviour the HTTP layer needs from AuthService
type SessionManager interface {
	Login(ctx context.Context, in LoginInput) (*LoginResult, error)
	VerifyToken(ctx context.Context, token string) (*UserView, error)
	Logout(ctx context.Context, token string)
	RequestPasswordReset(ctx context.Context, email string) (*PasswordResetToken, error)
	ResetPassword(ctx context.Context, token, newPassword string) error
}

// ResetNotifier delivers a password reset token to the account owner.
type ResetNotifier interface {
	NotifyPasswordReset(ctx context.Context, email string, reset *PasswordResetToken) error
}

// LogResetNotifier only records that a reset was issued. The token itself is never logged.
type LogResetNotifier struct {
	Logger *slog.Logger
}

func (n LogResetNotifier) NotifyPasswordReset(ctx context.Context, email string, reset *PasswordResetToken) error {
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}
	logger.WithCorrelationID(ctx, log).Info("password reset issued",
		slog.String("email", email),
		slog.Time("expires_at", reset.ExpiresAt),
	)
	return nil
}

// HandlerConfig holds HTTP-layer options
type HandlerConfig struct {
	Cookies *CookieManager
	// GenericErrors collapses locked/disabled/plan-expired into invalid credentials
	GenericErrors bool
	// ExposeResetToken returns the raw reset token in the response; development only
	ExposeResetToken bool
	Notifier         ResetNotifier
	Logger           *slog.Logger
}

// AuthHandler handles HTTP requests for authentication endpoints
type AuthHandler struct {
	sessions SessionManager
	cfg      HandlerConfig
	logger   *slog.Logger

	pending sync.WaitGroup
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(sessions SessionManager, cfg HandlerConfig) *AuthHandler {
	if cfg.Cookies == nil {
		cfg.Cookies = NewCookieManager(false, DefaultTokenTTL)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogResetNotifier{Logger: cfg.Logger}
	}
	return &AuthHandler{
		sessions: sessions,
		cfg:      cfg,
		logger:   cfg.Logger,
	}
}

// LoginResponse is the body of a successful login
type LoginResponse struct {
	User      UserView  `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles user authentication
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.sessions.Login(r.Context(), LoginInput{
		Email:     req.Email,
		Password:  req.Password,
		IPAddress: ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.cfg.Cookies.SetSessionCookie(w, result.Token)
	WriteSuccess(w, http.StatusOK, LoginResponse{
		User:      result.User,
		ExpiresAt: result.ExpiresAt,
	})
}

// Logout revokes the current session and clears the cookie. It always succeeds.
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := h.cfg.Cookies.TokenFromRequest(r); token != "" {
		h.sessions.Logout(r.Context(), token)
	}

	h.cfg.Cookies.ClearSessionCookie(w)
	WriteSuccess(w, http.StatusOK, map[string]string{
		"message": "Logout realizado com sucesso",
	})
}

// GetMe returns the user owning the presented session
// GET /api/v1/auth/me
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	token := h.cfg.Cookies.TokenFromRequest(r)
	if token == "" {
		WriteError(w, http.StatusUnauthorized, CodeAuthTokenMissing, "Token não fornecido", nil)
		return
	}

	user, err := h.sessions.VerifyToken(r.Context(), token)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"user": user,
	})
}

// ForgotPassword answers 202 with the same body whether or not the email is
// registered. Lookup, token persistence and delivery run after the response
// is written so a known email takes no longer to answer than an unknown one.
// With ExposeResetToken the work stays inline and the raw token is returned.
// POST /api/v1/auth/password/forgot
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := ValidateStruct(req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	body := map[string]interface{}{
		"message": "Se o email estiver cadastrado, você receberá as instruções de redefinição",
	}

	if h.cfg.ExposeResetToken {
		reset, err := h.dispatchReset(r.Context(), req.Email)
		switch {
		case err == nil:
			body["reset_token"] = reset.Token
			body["expires_at"] = reset.ExpiresAt
		case errors.Is(err, ErrEmailNotFound):
		default:
			h.writeServiceError(w, r, err)
			return
		}
		WriteSuccess(w, http.StatusAccepted, body)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), resetDispatchTimeout)
	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		defer cancel()
		if _, err := h.dispatchReset(ctx, req.Email); err != nil && !errors.Is(err, ErrEmailNotFound) {
			logger.WithCorrelationID(ctx, h.logger).Error("password reset request failed",
				slog.String("error", err.Error()))
		}
	}()

	WriteSuccess(w, http.StatusAccepted, body)
}

// dispatchReset issues a reset token and hands it to the notifier. A delivery
// failure is logged; the token stays valid until it expires.
func (h *AuthHandler) dispatchReset(ctx context.Context, email string) (*PasswordResetToken, error) {
	reset, err := h.sessions.RequestPasswordReset(ctx, email)
	if err != nil {
		return nil, err
	}
	if nerr := h.cfg.Notifier.NotifyPasswordReset(ctx, strings.ToLower(email), reset); nerr != nil {
		logger.WithCorrelationID(ctx, h.logger).Error("password reset delivery failed",
			slog.String("error", nerr.Error()))
	}
	return reset, nil
}

// Wait blocks until detached reset requests have finished. Call it after the
// HTTP server has shut down.
func (h *AuthHandler) Wait() {
	h.pending.Wait()
}

// ResetPassword sets a new password from a reset token
// POST /api/v1/auth/password/reset
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.sessions.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]string{
		"message": "Senha redefinida com sucesso",
	})
}

// writeServiceError maps session manager errors onto the API envelope.
func (h *AuthHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if h.cfg.GenericErrors && (errors.Is(err, ErrAccountLocked) ||
		errors.Is(err, ErrAccountDisabled) || errors.Is(err, ErrPlanExpired)) {
		err = ErrInvalidCredentials
	}

	var (
		verrs  ValidationErrors
		locked *AccountLockedError
	)
	switch {
	case errors.As(err, &verrs):
		WriteError(w, http.StatusBadRequest, CodeValidationError, "Dados da requisição inválidos", ValidationDetails(verrs))
	case errors.Is(err, ErrValidation):
		WriteError(w, http.StatusBadRequest, CodeValidationError, "Dados da requisição inválidos", nil)
	case errors.Is(err, ErrInvalidCredentials):
		WriteError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Email ou senha incorretos", nil)
	case errors.As(err, &locked):
		retryAfter := int(time.Until(locked.RetryAfter).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		WriteError(w, http.StatusUnauthorized, CodeAccountLocked,
			fmt.Sprintf("Conta bloqueada. Tente novamente em %d minutos", locked.RemainingMinutes),
			map[string][]string{"retry_after": {strconv.Itoa(retryAfter)}})
	case errors.Is(err, ErrAccountLocked):
		WriteError(w, http.StatusUnauthorized, CodeAccountLocked, "Conta bloqueada temporariamente", nil)
	case errors.Is(err, ErrAccountDisabled):
		WriteError(w, http.StatusUnauthorized, CodeAccountDisabled, "Conta desativada. Entre em contato com o administrador", nil)
	case errors.Is(err, ErrPlanExpired):
		WriteError(w, http.StatusUnauthorized, CodePlanExpired, "Plano expirado. Renove sua assinatura para continuar", nil)
	case errors.Is(err, ErrInvalidToken):
		h.cfg.Cookies.ClearSessionCookie(w)
		WriteError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Sessão inválida ou expirada", nil)
	case errors.Is(err, ErrUserNotFound):
		h.cfg.Cookies.ClearSessionCookie(w)
		WriteError(w, http.StatusUnauthorized, CodeUserNotFound, "Usuário não encontrado", nil)
	case errors.Is(err, ErrInvalidOrExpiredToken):
		WriteError(w, http.StatusBadRequest, CodeInvalidResetToken, "Token de redefinição inválido ou expirado", nil)
	case errors.Is(err, ErrServiceUnavailable):
		WriteError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, "Serviço temporariamente indisponível", nil)
	default:
		logger.WithCorrelationID(r.Context(), h.logger).Error("unhandled auth error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteError(w, http.StatusInternalServerError, CodeInternalError, "Erro interno do servidor", nil)
	}
}

// decodeJSON reads a bounded JSON body into dst, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequestFormat, "Corpo da requisição inválido", nil)
		return false
	}
	return true
}

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gpropadm/brpolis/internal/logger"
	"github.com/gpropadm/brpolis/internal/metrics"
	"github.com/gpropadm/brpolis/internal/repository"
)

const tracerName = "github.com/gpropadm/brpolis/internal/auth"

// Defaults for Config
const (
	DefaultMaxLoginAttempts = 5
	DefaultLockoutDuration  = 30 * time.Minute
	DefaultResetTokenTTL    = time.Hour
	DefaultStoreTimeout     = 5 * time.Second

	resetTokenBytes = 32
	unknownClient   = "unknown"
)

// Config holds the session manager policy
type Config struct {
	MaxLoginAttempts int
	LockoutDuration  time.Duration
	ResetTokenTTL    time.Duration
	// StoreTimeout bounds every store round-trip
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxLoginAttempts <= 0 {
		c.MaxLoginAttempts = DefaultMaxLoginAttempts
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = DefaultLockoutDuration
	}
	if c.ResetTokenTTL <= 0 {
		c.ResetTokenTTL = DefaultResetTokenTTL
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	return c
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required"`
}

// LoginInput is a login attempt with its client metadata
type LoginInput struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string
}

// LoginResult is returned on a successful login
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      UserView
}

// PasswordResetRequest represents the reset-request payload
type PasswordResetRequest struct {
	Email string `json:"email" validate:"required,email,max=255"`
}

// ResetPasswordRequest represents the reset-confirm payload
type ResetPasswordRequest struct {
	Token    string `json:"token" validate:"required,len=64,hexadecimal"`
	Password string `json:"password" validate:"required"`
}

// PasswordResetToken is the raw reset token handed to the delivery channel
type PasswordResetToken struct {
	Token     string
	ExpiresAt time.Time
}

// UserView is the user as exposed outside the store. It never carries the hash.
type UserView struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Role          string     `json:"role"`
	PoliticalRole *string    `json:"political_role,omitempty"`
	IsActive      bool       `json:"is_active"`
	PlanExpiresAt *time.Time `json:"plan_expires_at,omitempty"`
	LastLogin     *time.Time `json:"last_login,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewUserView strips credential fields from a stored user.
func NewUserView(u *repository.User) UserView {
	return UserView{
		ID:            u.ID.String(),
		Email:         u.Email,
		Name:          u.Name,
		Role:          u.Role,
		PoliticalRole: u.PoliticalRole,
		IsActive:      u.IsActive,
		PlanExpiresAt: u.PlanExpiresAt,
		LastLogin:     u.LastLogin,
		CreatedAt:     u.CreatedAt,
	}
}

// Option configures an AuthService
type Option func(*AuthService)

// WithLogger sets the service logger
func WithLogger(l *slog.Logger) Option {
	return func(s *AuthService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *AuthService) {
		if now != nil {
			s.now = now
		}
	}
}

// AuthService is the session manager: login, token verification, logout and
// password reset. It holds no per-request state.
type AuthService struct {
	repos             repository.Repositories
	tx                repository.TxManager
	tokenService      *TokenService
	hasher            *PasswordHasher
	passwordValidator *PasswordValidator
	cfg               Config
	logger            *slog.Logger
	now               func() time.Time
	tracer            trace.Tracer
}

// NewAuthService creates a new AuthService instance
func NewAuthService(
	repos repository.Repositories,
	tx repository.TxManager,
	tokenService *TokenService,
	hasher *PasswordHasher,
	cfg Config,
	opts ...Option,
) *AuthService {
	s := &AuthService{
		repos:             repos,
		tx:                tx,
		tokenService:      tokenService,
		hasher:            hasher,
		passwordValidator: NewPasswordValidator(),
		cfg:               cfg.withDefaults(),
		logger:            slog.Default(),
		now:               time.Now,
		tracer:            otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login verifies credentials and opens a new session.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Login")
	defer span.End()

	result, err := s.login(ctx, in)
	metrics.AuthLoginTotal.WithLabelValues(loginOutcome(err)).Inc()
	endSpan(span, err)
	return result, err
}

func (s *AuthService) login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	log := logger.WithCorrelationID(ctx, s.logger)

	if err := ValidateStruct(LoginRequest{Email: strings.TrimSpace(in.Email), Password: in.Password}); err != nil {
		return nil, err
	}
	email := normalizeEmail(in.Email)

	user, err := s.getUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			// same bcrypt cost as a real check, so response time does not reveal the email
			_, _ = s.hasher.Verify(ctx, in.Password, s.hasher.dummyDigest())
			return nil, ErrInvalidCredentials
		}
		return nil, s.storeFailure(ctx, "get_user_by_email", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("user.id", user.ID.String()))

	if !user.IsActive {
		return nil, ErrAccountDisabled
	}

	now := s.now()
	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		return nil, newAccountLockedError(*user.LockedUntil, now)
	}

	ok, err := s.hasher.Verify(ctx, in.Password, user.PasswordHash)
	if err != nil {
		log.Warn("password verification aborted", slog.String("error", err.Error()))
		return nil, ErrServiceUnavailable
	}
	if !ok {
		return nil, s.recordFailure(ctx, user, now)
	}

	if user.PlanExpiresAt != nil && user.PlanExpiresAt.Before(now) {
		return nil, ErrPlanExpired
	}

	if err := s.withStore(ctx, "record_successful_login", func(ctx context.Context) error {
		return s.repos.Users.RecordSuccessfulLogin(ctx, user.ID, now)
	}); err != nil {
		return nil, err
	}
	user.LoginAttempts = 0
	user.LockedUntil = nil
	user.LastLogin = &now

	if s.hasher.NeedsRehash(user.PasswordHash) {
		s.upgradeHash(ctx, user.ID, in.Password)
	}

	token, expiresAt, err := s.tokenService.Issue(user.ID.String(), user.Email, user.Role)
	if err != nil {
		log.Error("failed to sign token", slog.String("error", err.Error()))
		return nil, fmt.Errorf("sign token: %w", err)
	}

	session := &repository.Session{
		UserID:     user.ID,
		TokenHash:  HashToken(token),
		IPAddress:  orUnknown(in.IPAddress),
		UserAgent:  orUnknown(in.UserAgent),
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
		LastUsedAt: now,
	}
	if err := s.withStore(ctx, "create_session", func(ctx context.Context) error {
		return s.repos.Sessions.Create(ctx, session)
	}); err != nil {
		return nil, err
	}
	metrics.AuthSessionsCreatedTotal.Inc()

	log.Info("user logged in",
		slog.String("user_id", user.ID.String()),
		slog.String("ip", session.IPAddress),
	)

	return &LoginResult{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      NewUserView(user),
	}, nil
}

// recordFailure bumps the failure counter and always reports invalid credentials
// unless the store itself fails.
func (s *AuthService) recordFailure(ctx context.Context, user *repository.User, now time.Time) error {
	var (
		attempts    int
		lockedUntil *time.Time
	)
	err := s.withStore(ctx, "record_failed_login", func(ctx context.Context) error {
		var err error
		attempts, lockedUntil, err = s.repos.Users.RecordFailedLogin(ctx, user.ID,
			s.cfg.MaxLoginAttempts, now.Add(s.cfg.LockoutDuration), now)
		return err
	})
	if err != nil {
		return err
	}

	if attempts >= s.cfg.MaxLoginAttempts && lockedUntil != nil && lockedUntil.After(now) {
		metrics.AuthLockoutsTotal.Inc()
		logger.WithCorrelationID(ctx, s.logger).Warn("account locked after failed logins",
			slog.String("user_id", user.ID.String()),
			slog.Int("attempts", attempts),
			slog.Time("locked_until", *lockedUntil),
		)
	}
	return ErrInvalidCredentials
}

// upgradeHash re-hashes a password stored with a stale cost. Failures are only logged.
func (s *AuthService) upgradeHash(ctx context.Context, userID uuid.UUID, password string) {
	log := logger.WithCorrelationID(ctx, s.logger)

	digest, err := s.hasher.Hash(ctx, password)
	if err != nil {
		log.Warn("password rehash failed", slog.String("user_id", userID.String()), slog.String("error", err.Error()))
		return
	}
	err = s.withStore(ctx, "update_password_hash", func(ctx context.Context) error {
		return s.repos.Users.UpdatePasswordHash(ctx, userID, digest, s.now())
	})
	if err != nil {
		log.Warn("storing upgraded password hash failed", slog.String("user_id", userID.String()))
		return
	}
	log.Info("password hash upgraded", slog.String("user_id", userID.String()), slog.Int("cost", s.hasher.Cost()))
}

// VerifyToken resolves a presented token to its user. Any token that fails the
// signature check, has no live session or belongs to a disabled user yields
// ErrInvalidToken.
func (s *AuthService) VerifyToken(ctx context.Context, token string) (*UserView, error) {
	ctx, span := s.tracer.Start(ctx, "auth.VerifyToken")
	defer span.End()

	view, err := s.verifyToken(ctx, token)
	metrics.AuthTokenVerificationsTotal.WithLabelValues(verifyOutcome(err)).Inc()
	endSpan(span, err)
	return view, err
}

func (s *AuthService) verifyToken(ctx context.Context, token string) (*UserView, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims, err := s.tokenService.Verify(token)
	if err != nil {
		return nil, ErrInvalidToken
	}

	tokenHash := HashToken(token)
	var session *repository.Session
	err = s.withStore(ctx, "get_session", func(ctx context.Context) error {
		var err error
		session, err = s.repos.Sessions.GetByTokenHash(ctx, tokenHash)
		return err
	}, repository.ErrSessionNotFound)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	now := s.now()
	if session.ExpiresAt.Before(now) {
		s.deleteSession(ctx, tokenHash)
		return nil, ErrInvalidToken
	}
	if claims.Subject != session.UserID.String() {
		return nil, ErrInvalidToken
	}

	var user *repository.User
	err = s.withStore(ctx, "get_user_by_id", func(ctx context.Context) error {
		var err error
		user, err = s.repos.Users.GetByID(ctx, session.UserID)
		return err
	}, repository.ErrUserNotFound)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInvalidToken
	}

	err = s.withStore(ctx, "touch_session", func(ctx context.Context) error {
		return s.repos.Sessions.Touch(ctx, session.ID, now)
	}, repository.ErrSessionNotFound)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			// revoked concurrently
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	view := NewUserView(user)
	return &view, nil
}

// Logout revokes the session for token. It is idempotent and never fails;
// store errors are logged.
func (s *AuthService) Logout(ctx context.Context, token string) {
	ctx, span := s.tracer.Start(ctx, "auth.Logout")
	defer span.End()

	if token == "" {
		return
	}
	s.deleteSession(ctx, HashToken(token))
}

func (s *AuthService) deleteSession(ctx context.Context, tokenHash string) {
	err := s.withStore(ctx, "delete_session", func(ctx context.Context) error {
		return s.repos.Sessions.DeleteByTokenHash(ctx, tokenHash)
	})
	if err != nil {
		logger.WithCorrelationID(ctx, s.logger).Warn("session delete failed")
	}
}

// RequestPasswordReset creates a single-use reset token for the account and
// returns it in raw form. Only its digest is stored.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) (*PasswordResetToken, error) {
	ctx, span := s.tracer.Start(ctx, "auth.RequestPasswordReset")
	defer span.End()

	result, err := s.requestPasswordReset(ctx, email)
	switch {
	case err == nil:
		metrics.AuthPasswordResetsTotal.WithLabelValues("requested").Inc()
	case errors.Is(err, ErrEmailNotFound):
		metrics.AuthPasswordResetsTotal.WithLabelValues("unknown_email").Inc()
	}
	endSpan(span, err)
	return result, err
}

func (s *AuthService) requestPasswordReset(ctx context.Context, email string) (*PasswordResetToken, error) {
	if err := ValidateStruct(PasswordResetRequest{Email: strings.TrimSpace(email)}); err != nil {
		return nil, err
	}

	user, err := s.getUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrEmailNotFound
		}
		return nil, s.storeFailure(ctx, "get_user_by_email", err)
	}

	raw, err := generateResetToken()
	if err != nil {
		return nil, fmt.Errorf("generate reset token: %w", err)
	}

	now := s.now()
	row := &repository.VerificationToken{
		UserID:    user.ID,
		TokenHash: HashToken(raw),
		Type:      repository.TokenTypePasswordReset,
		ExpiresAt: now.Add(s.cfg.ResetTokenTTL),
		CreatedAt: now,
	}
	if err := s.withStore(ctx, "create_verification_token", func(ctx context.Context) error {
		return s.repos.VerificationTokens.Create(ctx, row)
	}); err != nil {
		return nil, err
	}

	logger.WithCorrelationID(ctx, s.logger).Info("password reset requested",
		slog.String("user_id", user.ID.String()),
		slog.Time("expires_at", row.ExpiresAt),
	)

	return &PasswordResetToken{Token: raw, ExpiresAt: row.ExpiresAt}, nil
}

// ResetPassword consumes a reset token and sets a new password. In the same
// transaction the lock state is cleared and every session of the user revoked.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	ctx, span := s.tracer.Start(ctx, "auth.ResetPassword")
	defer span.End()

	err := s.resetPassword(ctx, token, newPassword)
	switch {
	case err == nil:
		metrics.AuthPasswordResetsTotal.WithLabelValues("completed").Inc()
	case errors.Is(err, ErrInvalidOrExpiredToken):
		metrics.AuthPasswordResetsTotal.WithLabelValues("rejected").Inc()
	}
	endSpan(span, err)
	return err
}

func (s *AuthService) resetPassword(ctx context.Context, token, newPassword string) error {
	if err := ValidateStruct(ResetPasswordRequest{Token: token, Password: newPassword}); err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) && onlyTokenErrors(verrs) {
			return ErrInvalidOrExpiredToken
		}
		return err
	}
	if verrs := s.passwordValidator.ValidatePassword(newPassword); len(verrs) > 0 {
		return ValidationErrors(verrs)
	}

	tokenHash := HashToken(token)
	now := s.now()

	// Cheap pre-check so bad tokens do not cost a bcrypt round.
	var existing *repository.VerificationToken
	err := s.withStore(ctx, "get_verification_token", func(ctx context.Context) error {
		var err error
		existing, err = s.repos.VerificationTokens.GetByTokenHash(ctx, tokenHash)
		return err
	}, repository.ErrTokenNotFound)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return err
	}
	if existing.Type != repository.TokenTypePasswordReset || existing.UsedAt != nil || !existing.ExpiresAt.After(now) {
		return ErrInvalidOrExpiredToken
	}

	digest, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		logger.WithCorrelationID(ctx, s.logger).Warn("password hashing aborted", slog.String("error", err.Error()))
		return ErrServiceUnavailable
	}

	var revoked int64
	err = s.withStore(ctx, "reset_password_tx", func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
			consumed, err := repos.VerificationTokens.Consume(ctx, tokenHash, repository.TokenTypePasswordReset, now)
			if err != nil {
				return err
			}
			if err := repos.Users.ResetPassword(ctx, consumed.UserID, digest, now); err != nil {
				return err
			}
			revoked, err = repos.Sessions.DeleteByUserID(ctx, consumed.UserID)
			return err
		})
	}, repository.ErrTokenNotFound, repository.ErrUserNotFound)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) || errors.Is(err, repository.ErrUserNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return err
	}

	logger.WithCorrelationID(ctx, s.logger).Info("password reset completed",
		slog.String("user_id", existing.UserID.String()),
		slog.Int64("sessions_revoked", revoked),
	)
	return nil
}

func onlyTokenErrors(verrs ValidationErrors) bool {
	for _, v := range verrs {
		if v.Field != "token" {
			return false
		}
	}
	return true
}

func (s *AuthService) getUserByEmail(ctx context.Context, email string) (*repository.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	defer metrics.TimeQuery("get_user_by_email")()
	return s.repos.Users.GetByEmail(ctx, email)
}

// withStore runs fn under the store timeout. Errors matching one of passthrough
// are returned as-is; anything else is logged and becomes ErrServiceUnavailable.
func (s *AuthService) withStore(ctx context.Context, op string, fn func(ctx context.Context) error, passthrough ...error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	defer metrics.TimeQuery(op)()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	for _, target := range passthrough {
		if errors.Is(err, target) {
			return err
		}
	}
	return s.storeFailure(ctx, op, err)
}

func (s *AuthService) storeFailure(ctx context.Context, op string, err error) error {
	metrics.AuthStoreErrorsTotal.WithLabelValues(op).Inc()
	logger.WithCorrelationID(ctx, s.logger).Error("credential store failure",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	return ErrServiceUnavailable
}

func generateResetToken() (string, error) {
	b := make([]byte, resetTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return unknownClient
	}
	return s
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, ErrServiceUnavailable) {
		span.RecordError(err)
	}
}

func loginOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrValidation):
		return "invalid_request"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountDisabled):
		return "disabled"
	case errors.Is(err, ErrAccountLocked):
		return "locked"
	case errors.Is(err, ErrPlanExpired):
		return "plan_expired"
	case errors.Is(err, ErrServiceUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func verifyOutcome(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrInvalidToken):
		return "invalid"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrServiceUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

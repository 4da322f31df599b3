package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Session manager errors
var (
	ErrInvalidCredentials    = errors.New("invalid email or password")
	ErrAccountDisabled       = errors.New("account disabled")
	ErrAccountLocked         = errors.New("account temporarily locked")
	ErrPlanExpired           = errors.New("plan expired")
	ErrInvalidToken          = errors.New("invalid or expired token")
	ErrUserNotFound          = errors.New("user not found")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired reset token")
	ErrServiceUnavailable    = errors.New("authentication service unavailable")
	ErrValidation            = errors.New("validation failed")
	ErrEmailNotFound         = errors.New("email not found")
	ErrEmailExists           = errors.New("email already exists")
	ErrPasswordTooLong       = errors.New("password exceeds 72 bytes")
)

// Error codes for API responses
const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeInvalidCredentials   = "INVALID_CREDENTIALS"
	CodeAccountDisabled      = "ACCOUNT_DISABLED"
	CodeAccountLocked        = "ACCOUNT_LOCKED"
	CodePlanExpired          = "PLAN_EXPIRED"
	CodeAuthTokenMissing     = "AUTH_TOKEN_MISSING"
	CodeAuthTokenInvalid     = "AUTH_TOKEN_INVALID"
	CodeUserNotFound         = "USER_NOT_FOUND"
	CodeInvalidResetToken    = "INVALID_RESET_TOKEN"
	CodeEmailExists          = "EMAIL_EXISTS"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeForbidden            = "FORBIDDEN"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeInvalidRequestFormat = "INVALID_REQUEST"
)

// AccountLockedError carries the remaining lock time. It matches ErrAccountLocked.
type AccountLockedError struct {
	RetryAfter       time.Time
	RemainingMinutes int
}

func newAccountLockedError(until, now time.Time) *AccountLockedError {
	remaining := until.Sub(now)
	minutes := int((remaining + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return &AccountLockedError{RetryAfter: until, RemainingMinutes: minutes}
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked, try again in %d minutes", e.RemainingMinutes)
}

func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// ValidationError represents a validation error with field details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors matches ErrValidation and carries per-field details.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		msgs = append(msgs, e.Field+": "+e.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (v ValidationErrors) Is(target error) bool {
	return target == ErrValidation
}

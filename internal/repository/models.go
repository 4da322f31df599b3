package repository

import (
	"time"

	"github.com/google/uuid"
)

// Role values stored in users.role
const (
	RoleUser       = "USER"
	RoleAdmin      = "ADMIN"
	RoleSuperAdmin = "SUPER_ADMIN"
)

// TokenTypePasswordReset is the verification_tokens.type for password resets.
const TokenTypePasswordReset = "password_reset"

// User represents a user account in the database
type User struct {
	ID            uuid.UUID  `db:"id"`
	Email         string     `db:"email"`
	PasswordHash  string     `db:"password_hash"`
	Name          string     `db:"name"`
	Role          string     `db:"role"`
	PoliticalRole *string    `db:"political_role"`
	PlanID        *uuid.UUID `db:"plan_id"`
	PlanExpiresAt *time.Time `db:"plan_expires_at"`
	IsActive      bool       `db:"is_active"`
	LoginAttempts int        `db:"login_attempts"`
	LockedUntil   *time.Time `db:"locked_until"`
	LastLogin     *time.Time `db:"last_login"`
	CreatedBy     *uuid.UUID `db:"created_by"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// Session represents an authentication session in the database.
// Only the SHA-256 digest of the bearer token is stored.
type Session struct {
	ID         uuid.UUID `db:"id"`
	UserID     uuid.UUID `db:"user_id"`
	TokenHash  string    `db:"token_hash"`
	IPAddress  string    `db:"ip_address"`
	UserAgent  string    `db:"user_agent"`
	CreatedAt  time.Time `db:"created_at"`
	ExpiresAt  time.Time `db:"expires_at"`
	LastUsedAt time.Time `db:"last_used_at"`
}

// VerificationToken is a single-use token such as a password reset link.
type VerificationToken struct {
	ID        uuid.UUID  `db:"id"`
	UserID    uuid.UUID  `db:"user_id"`
	TokenHash string     `db:"token_hash"`
	Type      string     `db:"type"`
	ExpiresAt time.Time  `db:"expires_at"`
	UsedAt    *time.Time `db:"used_at"`
	CreatedAt time.Time  `db:"created_at"`
}

// ListUsersParams holds parameters for listing accounts
type ListUsersParams struct {
	Page   int
	Limit  int
	Search string
}

// Offset returns the row offset for the requested page.
func (p ListUsersParams) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

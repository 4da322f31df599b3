package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Common errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailAlreadyExists = errors.New("email already exists")
)

// UserRepository defines the data access the session manager needs for users.
// It holds no policy: lockout thresholds and durations are supplied by callers.
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	// RecordFailedLogin increments login_attempts in one statement and sets
	// locked_until to lockUntil once the new count reaches maxAttempts.
	RecordFailedLogin(ctx context.Context, id uuid.UUID, maxAttempts int, lockUntil, now time.Time) (attempts int, lockedUntil *time.Time, err error)
	RecordSuccessfulLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string, at time.Time) error
	// ResetPassword stores a new hash and clears the lock state.
	ResetPassword(ctx context.Context, id uuid.UUID, hash string, at time.Time) error
}

const userColumns = `id, email, password_hash, name, role, political_role, plan_id, plan_expires_at,
	is_active, login_attempts, locked_until, last_login, created_by, created_at, updated_at`

type userRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository instance
func NewUserRepository(db DBTX) UserRepository {
	return &userRepository{db: db}
}

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Name,
		&user.Role,
		&user.PoliticalRole,
		&user.PlanID,
		&user.PlanExpiresAt,
		&user.IsActive,
		&user.LoginAttempts,
		&user.LockedUntil,
		&user.LastLogin,
		&user.CreatedBy,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return user, err
}

// GetByEmail retrieves a user by email. Stored emails are lowercase.
func (r *userRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	user, err := scanUser(r.db.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(email))))
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return user, err
}

// RecordFailedLogin relies on SET expressions seeing the pre-update row, so
// concurrent failures serialize on the row lock and none are lost.
func (r *userRepository) RecordFailedLogin(ctx context.Context, id uuid.UUID, maxAttempts int, lockUntil, now time.Time) (int, *time.Time, error) {
	query := `
		UPDATE users
		SET login_attempts = login_attempts + 1,
		    locked_until = CASE WHEN login_attempts + 1 >= $2 THEN $3 ELSE locked_until END,
		    updated_at = $4
		WHERE id = $1
		RETURNING login_attempts, locked_until
	`

	var (
		attempts    int
		lockedUntil *time.Time
	)
	err := r.db.QueryRow(ctx, query, id, maxAttempts, lockUntil, now).Scan(&attempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, ErrUserNotFound
		}
		return 0, nil, fmt.Errorf("record failed login: %w", err)
	}
	return attempts, lockedUntil, nil
}

// RecordSuccessfulLogin resets the failure counter, clears the lock and stamps last_login.
func (r *userRepository) RecordSuccessfulLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE users
		SET login_attempts = 0, locked_until = NULL, last_login = $2, updated_at = $2
		WHERE id = $1
	`
	return r.execOne(ctx, "record successful login", query, id, at)
}

// UpdatePasswordHash replaces the stored hash without touching lock state.
func (r *userRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string, at time.Time) error {
	query := `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`
	return r.execOne(ctx, "update password hash", query, id, hash, at)
}

func (r *userRepository) ResetPassword(ctx context.Context, id uuid.UUID, hash string, at time.Time) error {
	query := `
		UPDATE users
		SET password_hash = $2, login_attempts = 0, locked_until = NULL, updated_at = $3
		WHERE id = $1
	`
	return r.execOne(ctx, "reset password", query, id, hash, at)
}

func (r *userRepository) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

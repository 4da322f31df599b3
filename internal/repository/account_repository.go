package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

const pgUniqueViolation = "23505"

// AccountRepository covers administrative account queries: provisioning,
// listing and soft activation toggles.
type AccountRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	List(ctx context.Context, params ListUsersParams) ([]User, int, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	EmailExists(ctx context.Context, email string) (bool, error)
}

// AccountRepo implements AccountRepository on sqlx
type AccountRepo struct {
	db *sqlx.DB
}

// NewAccountRepo creates a new AccountRepo instance
func NewAccountRepo(db *sqlx.DB) *AccountRepo {
	return &AccountRepo{db: db}
}

// Create inserts a new user. The email is stored lowercase.
func (r *AccountRepo) Create(ctx context.Context, user *User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Role == "" {
		user.Role = RoleUser
	}

	query := `
		INSERT INTO users (id, email, password_hash, name, role, political_role, plan_id, plan_expires_at, is_active, created_by)
		VALUES (:id, :email, :password_hash, :name, :role, :political_role, :plan_id, :plan_expires_at, :is_active, :created_by)
		RETURNING created_at, updated_at
	`

	rows, err := r.db.NamedQueryContext(ctx, query, user)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrEmailAlreadyExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&user.CreatedAt, &user.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan created user: %w", err)
		}
	}
	return rows.Err()
}

// GetByID returns one account
func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var user User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// List returns a page of users ordered by creation time, newest first.
func (r *AccountRepo) List(ctx context.Context, params ListUsersParams) ([]User, int, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.Limit < 1 {
		params.Limit = 20
	}
	if params.Limit > 100 {
		params.Limit = 100
	}

	baseQuery := ` FROM users WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if params.Search != "" {
		baseQuery += fmt.Sprintf(` AND (email LIKE LOWER($%d) ESCAPE '\' OR LOWER(name) LIKE LOWER($%d) ESCAPE '\')`, argIdx, argIdx)
		args = append(args, "%"+escapeLike(params.Search)+"%")
		argIdx++
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*)"+baseQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	selectQuery := "SELECT " + userColumns + baseQuery +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, params.Limit, params.Offset())

	users := []User{}
	if err := r.db.SelectContext(ctx, &users, selectQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to query users: %w", err)
	}

	return users, total, nil
}

// SetActive toggles is_active. Users are never deleted.
func (r *AccountRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// EmailExists checks if an email address is already registered
func (r *AccountRepo) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)`, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return exists, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// escapeLike makes s match literally inside a LIKE pattern with ESCAPE '\'
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

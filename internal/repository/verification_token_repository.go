package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrTokenNotFound = errors.New("verification token not found")
)

// VerificationTokenRepository stores single-use tokens by their digest.
type VerificationTokenRepository interface {
	Create(ctx context.Context, token *VerificationToken) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*VerificationToken, error)
	// Consume marks an unused, unexpired token of the given type as used and
	// returns it. Anything else yields ErrTokenNotFound.
	Consume(ctx context.Context, tokenHash, tokenType string, at time.Time) (*VerificationToken, error)
	// DeleteStale removes tokens expired before expiredBefore and tokens used before usedBefore.
	DeleteStale(ctx context.Context, expiredBefore, usedBefore time.Time) (int64, error)
}

type verificationTokenRepository struct {
	db DBTX
}

// NewVerificationTokenRepository creates a new VerificationTokenRepository instance
func NewVerificationTokenRepository(db DBTX) VerificationTokenRepository {
	return &verificationTokenRepository{db: db}
}

func (r *verificationTokenRepository) Create(ctx context.Context, token *VerificationToken) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}

	query := `
		INSERT INTO verification_tokens (id, user_id, token_hash, type, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		token.ID, token.UserID, token.TokenHash, token.Type, token.ExpiresAt, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("create verification token: %w", err)
	}
	return nil
}

func scanVerificationToken(row pgx.Row) (*VerificationToken, error) {
	t := &VerificationToken{}
	err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.Type, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *verificationTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*VerificationToken, error) {
	query := `
		SELECT id, user_id, token_hash, type, expires_at, used_at, created_at
		FROM verification_tokens
		WHERE token_hash = $1
	`
	t, err := scanVerificationToken(r.db.QueryRow(ctx, query, tokenHash))
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		return nil, fmt.Errorf("get verification token: %w", err)
	}
	return t, err
}

// Consume is a single conditional UPDATE, so two concurrent callers cannot both succeed.
func (r *verificationTokenRepository) Consume(ctx context.Context, tokenHash, tokenType string, at time.Time) (*VerificationToken, error) {
	query := `
		UPDATE verification_tokens
		SET used_at = $3
		WHERE token_hash = $1 AND type = $2 AND used_at IS NULL AND expires_at > $3
		RETURNING id, user_id, token_hash, type, expires_at, used_at, created_at
	`
	t, err := scanVerificationToken(r.db.QueryRow(ctx, query, tokenHash, tokenType, at))
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		return nil, fmt.Errorf("consume verification token: %w", err)
	}
	return t, err
}

func (r *verificationTokenRepository) DeleteStale(ctx context.Context, expiredBefore, usedBefore time.Time) (int64, error) {
	query := `
		DELETE FROM verification_tokens
		WHERE expires_at < $1 OR (used_at IS NOT NULL AND used_at < $2)
	`
	result, err := r.db.Exec(ctx, query, expiredBefore, usedBefore)
	if err != nil {
		return 0, fmt.Errorf("delete stale verification tokens: %w", err)
	}
	return result.RowsAffected(), nil
}

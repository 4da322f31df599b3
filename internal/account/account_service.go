// Package account implements administrative account management: provisioning
// new users, listing them and toggling their activation.
package account

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gpropadm/brpolis/internal/auth"
	"github.com/gpropadm/brpolis/internal/logger"
	"github.com/gpropadm/brpolis/internal/repository"
	"github.com/gpropadm/brpolis/internal/sanitizer"
)

// Service errors
var (
	ErrForbiddenRole = errors.New("role cannot be granted by this actor")
	ErrEmptyName     = errors.New("name is empty after sanitizing")
)

// Hasher produces password digests
type Hasher interface {
	Hash(ctx context.Context, password string) (string, error)
}

// CreateUserRequest represents the request to provision an account
type CreateUserRequest struct {
	Email         string     `json:"email" validate:"required,email,max=255"`
	Password      string     `json:"password" validate:"required"`
	Name          string     `json:"name" validate:"required,max=255"`
	Role          string     `json:"role,omitempty" validate:"omitempty,oneof=USER ADMIN SUPER_ADMIN"`
	PoliticalRole *string    `json:"political_role,omitempty" validate:"omitempty,max=64"`
	PlanExpiresAt *time.Time `json:"plan_expires_at,omitempty"`
}

// Actor is the authenticated administrator performing a change. A nil actor
// is the provisioning CLI.
type Actor struct {
	ID   uuid.UUID
	Role string
}

// ListParams holds parameters for listing accounts
type ListParams struct {
	Page   int    `json:"page"`
	Limit  int    `json:"limit"`
	Search string `json:"search,omitempty" validate:"omitempty,max=255"`
}

// Pagination represents pagination metadata
type Pagination struct {
	CurrentPage int `json:"current_page"`
	PerPage     int `json:"per_page"`
	TotalPages  int `json:"total_pages"`
	TotalCount  int `json:"total_count"`
}

// UserList represents a page of accounts
type UserList struct {
	Users      []auth.UserView `json:"users"`
	Pagination Pagination      `json:"pagination"`
}

// Service manages accounts on behalf of administrators
type Service struct {
	accounts          repository.AccountRepository
	sessions          repository.SessionRepository
	hasher            Hasher
	names             sanitizer.TextSanitizer
	passwordValidator *auth.PasswordValidator
	logger            *slog.Logger
}

// NewService creates a new account Service
func NewService(accounts repository.AccountRepository, sessions repository.SessionRepository, hasher Hasher, names sanitizer.TextSanitizer, log *slog.Logger) *Service {
	if names == nil {
		names = sanitizer.NewPlainTextSanitizer()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		accounts:          accounts,
		sessions:          sessions,
		hasher:            hasher,
		names:             names,
		passwordValidator: auth.NewPasswordValidator(),
		logger:            log,
	}
}

// CreateUser provisions a new account. The name is reduced to plain text and
// the password must satisfy the account password policy.
func (s *Service) CreateUser(ctx context.Context, actor *Actor, req CreateUserRequest) (*auth.UserView, error) {
	req.Email = strings.TrimSpace(req.Email)
	if err := auth.ValidateStruct(req); err != nil {
		return nil, err
	}
	if verrs := s.passwordValidator.ValidatePassword(req.Password); len(verrs) > 0 {
		return nil, auth.ValidationErrors(verrs)
	}

	role := req.Role
	if role == "" {
		role = repository.RoleUser
	}
	if !canGrant(actor, role) {
		return nil, ErrForbiddenRole
	}

	name := s.names.Sanitize(req.Name)
	if name == "" {
		return nil, auth.ValidationErrors{{Field: "name", Message: ErrEmptyName.Error()}}
	}

	email := strings.ToLower(req.Email)
	exists, err := s.accounts.EmailExists(ctx, email)
	if err != nil {
		return nil, s.storeFailure(ctx, "email_exists", err)
	}
	if exists {
		return nil, auth.ErrEmailExists
	}

	digest, err := s.hasher.Hash(ctx, req.Password)
	if err != nil {
		return nil, s.storeFailure(ctx, "hash_password", err)
	}

	user := &repository.User{
		Email:         email,
		PasswordHash:  digest,
		Name:          name,
		Role:          role,
		PoliticalRole: req.PoliticalRole,
		PlanExpiresAt: req.PlanExpiresAt,
		IsActive:      true,
	}
	if actor != nil {
		createdBy := actor.ID
		user.CreatedBy = &createdBy
	}

	if err := s.accounts.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailAlreadyExists) {
			return nil, auth.ErrEmailExists
		}
		return nil, s.storeFailure(ctx, "create_user", err)
	}

	logger.WithCorrelationID(ctx, s.logger).Info("account provisioned",
		slog.String("user_id", user.ID.String()),
		slog.String("role", user.Role),
		slog.Bool("by_cli", actor == nil),
	)

	view := auth.NewUserView(user)
	return &view, nil
}

// ListUsers returns a page of accounts, newest first
func (s *Service) ListUsers(ctx context.Context, params ListParams) (*UserList, error) {
	if err := auth.ValidateStruct(params); err != nil {
		return nil, err
	}
	if params.Page < 1 {
		params.Page = 1
	}
	if params.Limit < 1 {
		params.Limit = 20
	}
	if params.Limit > 100 {
		params.Limit = 100
	}

	users, total, err := s.accounts.List(ctx, repository.ListUsersParams{
		Page:   params.Page,
		Limit:  params.Limit,
		Search: strings.TrimSpace(params.Search),
	})
	if err != nil {
		return nil, s.storeFailure(ctx, "list_users", err)
	}

	views := make([]auth.UserView, 0, len(users))
	for i := range users {
		views = append(views, auth.NewUserView(&users[i]))
	}

	totalPages := (total + params.Limit - 1) / params.Limit
	return &UserList{
		Users: views,
		Pagination: Pagination{
			CurrentPage: params.Page,
			PerPage:     params.Limit,
			TotalPages:  totalPages,
			TotalCount:  total,
		},
	}, nil
}

// SetActive enables or disables an account. Actors are held to the same role
// rule as CreateUser: an ADMIN may only toggle USER accounts. Disabling also
// revokes every session of the account.
func (s *Service) SetActive(ctx context.Context, actor *Actor, id uuid.UUID, active bool) error {
	if actor != nil {
		if actor.ID == id && !active {
			return ErrForbiddenRole
		}
		target, err := s.accounts.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				return auth.ErrUserNotFound
			}
			return s.storeFailure(ctx, "get_user", err)
		}
		if !canGrant(actor, target.Role) {
			return ErrForbiddenRole
		}
	}

	if err := s.accounts.SetActive(ctx, id, active); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return auth.ErrUserNotFound
		}
		return s.storeFailure(ctx, "set_active", err)
	}

	log := logger.WithCorrelationID(ctx, s.logger)
	if active {
		log.Info("account activated", slog.String("user_id", id.String()))
		return nil
	}

	// VerifyToken rejects sessions of inactive owners; leftover rows expire and are swept.
	revoked, err := s.sessions.DeleteByUserID(ctx, id)
	if err != nil {
		log.Warn("account deactivated, session revocation failed",
			slog.String("user_id", id.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	log.Info("account deactivated",
		slog.String("user_id", id.String()),
		slog.Int64("sessions_revoked", revoked),
	)
	return nil
}

// canGrant reports whether actor may create an account with role. Only the
// CLI and super admins can create administrators.
func canGrant(actor *Actor, role string) bool {
	if actor == nil || actor.Role == repository.RoleSuperAdmin {
		return true
	}
	return actor.Role == repository.RoleAdmin && role == repository.RoleUser
}

func (s *Service) storeFailure(ctx context.Context, op string, err error) error {
	logger.WithCorrelationID(ctx, s.logger).Error("account store failure",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	return auth.ErrServiceUnavailable
}

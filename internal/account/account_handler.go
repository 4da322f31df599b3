package account

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gpropadm/brpolis/internal/auth"
	appctx "github.com/gpropadm/brpolis/internal/context"
	"github.com/gpropadm/brpolis/internal/logger"
)

const maxRequestBody = 1 << 20

// SetActiveRequest toggles an account
type SetActiveRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

// Handler handles HTTP requests for account administration
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new Handler instance
func NewHandler(service *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{service: service, logger: log}
}

// Create handles POST /api/v1/admin/users
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		auth.WriteError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Sessão inválida ou expirada", nil)
		return
	}

	var req CreateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.service.CreateUser(r.Context(), actor, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	auth.WriteSuccess(w, http.StatusCreated, map[string]interface{}{"user": user})
}

// List handles GET /api/v1/admin/users?page=&limit=&search=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := ListParams{
		Page:   atoiOr(q.Get("page"), 1),
		Limit:  atoiOr(q.Get("limit"), 20),
		Search: q.Get("search"),
	}

	list, err := h.service.ListUsers(r.Context(), params)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	auth.WriteSuccess(w, http.StatusOK, list)
}

// SetActive handles PATCH /api/v1/admin/users/{id}
func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		auth.WriteError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Sessão inválida ou expirada", nil)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		auth.WriteError(w, http.StatusBadRequest, auth.CodeValidationError, "ID de usuário inválido", nil)
		return
	}

	var req SetActiveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := auth.ValidateStruct(req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if err := h.service.SetActive(r.Context(), actor, id, *req.IsActive); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	auth.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"id":        id.String(),
		"is_active": *req.IsActive,
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs auth.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		auth.WriteError(w, http.StatusBadRequest, auth.CodeValidationError, "Dados da requisição inválidos", auth.ValidationDetails(verrs))
	case errors.Is(err, auth.ErrEmailExists):
		auth.WriteError(w, http.StatusConflict, auth.CodeEmailExists, "Este email já está em uso", nil)
	case errors.Is(err, ErrForbiddenRole):
		auth.WriteError(w, http.StatusForbidden, auth.CodeForbidden, "Acesso negado", nil)
	case errors.Is(err, auth.ErrUserNotFound):
		auth.WriteError(w, http.StatusNotFound, auth.CodeUserNotFound, "Usuário não encontrado", nil)
	case errors.Is(err, auth.ErrServiceUnavailable):
		auth.WriteError(w, http.StatusServiceUnavailable, auth.CodeServiceUnavailable, "Serviço temporariamente indisponível", nil)
	default:
		logger.WithCorrelationID(r.Context(), h.logger).Error("unhandled account error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		auth.WriteError(w, http.StatusInternalServerError, auth.CodeInternalError, "Erro interno do servidor", nil)
	}
}

func actorFromRequest(r *http.Request) (*Actor, bool) {
	idStr, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		return nil, false
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, false
	}
	role, _ := appctx.ExtractRole(r.Context())
	return &Actor{ID: id, Role: role}, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		auth.WriteError(w, http.StatusBadRequest, auth.CodeInvalidRequestFormat, "Corpo da requisição inválido", nil)
		return false
	}
	return true
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

package users

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/loomhq/loom/internal/platform/httpx"
	"github.com/loomhq/loom/internal/rbac"
	"github.com/loomhq/loom/internal/shared"
)

// Handler manages user management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	audit     *shared.AuditLogger
	mw        rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, audit *shared.AuditLogger, mw rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, audit: audit, mw: mw, validator: validator.New()}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.Require(shared.PermUsersView))
		r.Get("/", h.listUsers)
		r.Get("/{userID}", h.getUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.Require(shared.PermUsersEdit))
		r.Post("/", h.createUser)
		r.Patch("/{userID}", h.updateUser)
		r.Delete("/{userID}", h.deleteUser)
	})
}

type userResponse struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type userListResponse struct {
	Users      []userResponse `json:"users"`
	Page       int            `json:"page"`
	PerPage    int            `json:"per_page"`
	Total      int            `json:"total"`
	TotalPages int            `json:"total_pages"`
}

type createUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,min=1,max=120"`
	Password string `json:"password" validate:"required,min=8"`
}

type updateUserRequest struct {
	Name     *string `json:"name" validate:"omitempty,min=1,max=120"`
	IsActive *bool   `json:"is_active"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

	list, pag, err := h.service.ListUsers(r.Context(), page, perPage)
	if err != nil {
		h.respondError(w, "list users", err)
		return
	}
	resp := userListResponse{
		Users:      make([]userResponse, 0, len(list)),
		Page:       pag.Page,
		PerPage:    pag.PerPage,
		Total:      pag.Total,
		TotalPages: pag.TotalPages,
	}
	for _, user := range list {
		resp.Users = append(resp.Users, toUserResponse(user))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.userID(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		h.respondError(w, "get user", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toUserResponse(*user))
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "Request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "Email, name and password are required")
		return
	}
	user, err := h.service.CreateUser(r.Context(), NewUser{Email: req.Email, Name: req.Name, Password: req.Password})
	if err != nil {
		h.respondError(w, "create user", err)
		return
	}
	h.recordAudit(r, "user.create", user.ID)
	httpx.JSON(w, http.StatusCreated, toUserResponse(*user))
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req updateUserRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "Request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "Invalid user fields")
		return
	}
	user, err := h.service.UpdateUser(r.Context(), id, Patch{Name: req.Name, IsActive: req.IsActive})
	if err != nil {
		h.respondError(w, "update user", err)
		return
	}
	h.recordAudit(r, "user.update", user.ID)
	httpx.JSON(w, http.StatusOK, toUserResponse(*user))
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteUser(r.Context(), id); err != nil {
		h.respondError(w, "delete user", err)
		return
	}
	h.recordAudit(r, "user.delete", id)
	httpx.NoContent(w)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "User id must be numeric")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "User not found")
	case errors.Is(err, ErrDuplicateEmail):
		httpx.Problem(w, http.StatusConflict, "Conflict", "Email is already in use")
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "Internal server error")
	}
}

func (h *Handler) recordAudit(r *http.Request, action string, entityID int64) {
	if h.audit == nil {
		return
	}
	actorID, _ := shared.UserIDFromContext(r.Context())
	if err := h.audit.Record(r.Context(), shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "user",
		EntityID: strconv.FormatInt(entityID, 10),
	}); err != nil {
		h.logger.Warn("audit record", slog.Any("error", err))
	}
}

func toUserResponse(user User) userResponse {
	return userResponse{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		IsActive:  user.IsActive,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}

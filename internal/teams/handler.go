package teams

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

// Handler manages team endpoints. Member listing is team scoped: the caller
// must belong to the team named in the URL.
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

// MountRoutes registers team routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.Require(shared.PermTeamsView))
		r.Get("/", h.listTeams)
		r.Get("/{teamID}", h.getTeam)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.Require(shared.PermTeamsEdit))
		r.Post("/", h.createTeam)
		r.Patch("/{teamID}", h.renameTeam)
		r.Delete("/{teamID}", h.deleteTeam)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireTeam(shared.PermMembersView, "teamID"))
		r.Get("/{teamID}/members", h.listMembers)
	})
}

type teamResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type memberResponse struct {
	UserID   int64     `json:"user_id"`
	Email    string    `json:"email"`
	Name     string    `json:"name"`
	RoleID   int64     `json:"role_id"`
	RoleName string    `json:"role_name"`
	JoinedAt time.Time `json:"joined_at"`
}

type teamRequest struct {
	Name string `json:"name" validate:"required,min=1,max=120"`
}

func (h *Handler) listTeams(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListTeams(r.Context())
	if err != nil {
		h.respondError(w, "list teams", err)
		return
	}
	resp := make([]teamResponse, 0, len(list))
	for _, team := range list {
		resp = append(resp, toTeamResponse(team))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"teams": resp})
}

func (h *Handler) getTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := h.teamID(w, r)
	if !ok {
		return
	}
	team, err := h.service.GetTeam(r.Context(), id)
	if err != nil {
		h.respondError(w, "get team", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTeamResponse(*team))
}

func (h *Handler) createTeam(w http.ResponseWriter, r *http.Request) {
	var req teamRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "Request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "Team name is required")
		return
	}
	team, err := h.service.CreateTeam(r.Context(), req.Name)
	if err != nil {
		h.respondError(w, "create team", err)
		return
	}
	h.recordAudit(r, "team.create", team.ID)
	httpx.JSON(w, http.StatusCreated, toTeamResponse(*team))
}

func (h *Handler) renameTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := h.teamID(w, r)
	if !ok {
		return
	}
	var req teamRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "Request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "Team name is required")
		return
	}
	team, err := h.service.RenameTeam(r.Context(), id, req.Name)
	if err != nil {
		h.respondError(w, "rename team", err)
		return
	}
	h.recordAudit(r, "team.rename", team.ID)
	httpx.JSON(w, http.StatusOK, toTeamResponse(*team))
}

func (h *Handler) deleteTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := h.teamID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteTeam(r.Context(), id); err != nil {
		h.respondError(w, "delete team", err)
		return
	}
	h.recordAudit(r, "team.delete", id)
	httpx.NoContent(w)
}

func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.teamID(w, r)
	if !ok {
		return
	}
	members, err := h.service.ListMembers(r.Context(), id)
	if err != nil {
		h.respondError(w, "list members", err)
		return
	}
	resp := make([]memberResponse, 0, len(members))
	for _, m := range members {
		resp = append(resp, memberResponse{
			UserID:   m.UserID,
			Email:    m.Email,
			Name:     m.Name,
			RoleID:   m.RoleID,
			RoleName: m.RoleName,
			JoinedAt: m.JoinedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"members": resp})
}

func (h *Handler) teamID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "teamID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "Team id must be numeric")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "Team not found")
	case errors.Is(err, ErrDuplicateSlug):
		httpx.Problem(w, http.StatusConflict, "Conflict", "Team name is already in use")
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
		Entity:   "team",
		EntityID: strconv.FormatInt(entityID, 10),
	}); err != nil {
		h.logger.Warn("audit record", slog.Any("error", err))
	}
}

func toTeamResponse(team Team) teamResponse {
	return teamResponse{
		ID:        team.ID,
		Name:      team.Name,
		Slug:      team.Slug,
		CreatedAt: team.CreatedAt,
		UpdatedAt: team.UpdatedAt,
	}
}

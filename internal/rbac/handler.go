package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/loomhq/loom/internal/platform/httpx"
	"github.com/loomhq/loom/internal/shared"
)

// AssignmentNotifier delivers an out-of-band notification after a role
// assignment is created. A nil notifier disables notifications.
type AssignmentNotifier interface {
	RoleAssigned(ctx context.Context, userID, teamID int64, roleName string) error
}

// Handler exposes role administration endpoints.
type Handler struct {
	logger    *slog.Logger
	store     *Store
	hierarchy *Hierarchy
	resolver  *Resolver
	audit     *shared.AuditLogger
	mw        Middleware
	notifier  AssignmentNotifier
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, store *Store, hierarchy *Hierarchy, resolver *Resolver, audit *shared.AuditLogger, mw Middleware, notifier AssignmentNotifier) *Handler {
	return &Handler{
		logger:    logger,
		store:     store,
		hierarchy: hierarchy,
		resolver:  resolver,
		audit:     audit,
		mw:        mw,
		notifier:  notifier,
		validator: validator.New(),
	}
}

// MountRoutes registers role administration routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.Require(shared.PermRolesView))
		r.Get("/", h.listRoles)
		r.Get("/hierarchy", h.roleHierarchy)
		r.Get("/{roleID}", h.getRole)
		r.Get("/{roleID}/permissions", h.rolePermissions)
		r.Get("/{roleID}/ancestors", h.roleAncestors)
		r.Get("/{roleID}/descendants", h.roleDescendants)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.Require(shared.PermRolesEdit))
		r.Post("/", h.createRole)
		r.Patch("/{roleID}", h.updateRole)
		r.Delete("/{roleID}", h.deleteRole)
		r.Put("/{roleID}/parent", h.setParent)
		r.Post("/{roleID}/permissions", h.grantPermission)
		r.Delete("/{roleID}/permissions/{permission}", h.revokePermission)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.Require(shared.PermRolesAssign))
		r.Get("/assignments/users/{userID}", h.userAssignments)
		r.Post("/assignments", h.createAssignment)
		r.Delete("/assignments/{assignmentID}", h.deleteAssignment)
	})
}

type roleResponse struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	IsSystemRole bool   `json:"is_system_role"`
	ParentRoleID *int64 `json:"parent_role_id"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type roleNodeResponse struct {
	roleResponse
	Children []roleNodeResponse `json:"children"`
}

func toRoleResponse(role Role) roleResponse {
	return roleResponse{
		ID:           role.ID,
		Name:         role.Name,
		Description:  role.Description,
		IsSystemRole: role.IsSystemRole,
		ParentRoleID: role.ParentRoleID,
		CreatedAt:    role.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    role.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toNodeResponse(node *RoleNode) roleNodeResponse {
	out := roleNodeResponse{roleResponse: toRoleResponse(node.Role), Children: []roleNodeResponse{}}
	for _, child := range node.Children {
		out.Children = append(out.Children, toNodeResponse(child))
	}
	return out
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) roleHierarchy(w http.ResponseWriter, r *http.Request) {
	forest, err := h.hierarchy.RoleHierarchy(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleNodeResponse, 0, len(forest))
	for _, node := range forest {
		out = append(out, toNodeResponse(node))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"hierarchy": out})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.store.GetRole(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

type createRoleRequest struct {
	Name         string `json:"name" validate:"required,min=1,max=120"`
	Description  string `json:"description" validate:"max=500"`
	ParentRoleID *int64 `json:"parent_role_id"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.store.CreateRole(r.Context(), req.Name, req.Description, req.ParentRoleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.recordAudit(r, "role.create", strconv.FormatInt(role.ID, 10), map[string]any{"name": role.Name})
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

type updateRoleRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=120"`
	Description *string `json:"description" validate:"omitempty,max=500"`
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req updateRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.store.UpdateRole(r.Context(), id, RolePatch{Name: req.Name, Description: req.Description})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.recordAudit(r, "role.update", strconv.FormatInt(id, 10), map[string]any{"name": role.Name})
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.store.DeleteRole(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	h.recordAudit(r, "role.delete", strconv.FormatInt(id, 10), nil)
	httpx.NoContent(w)
}

type setParentRequest struct {
	ParentRoleID *int64 `json:"parent_role_id"`
}

func (h *Handler) setParent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req setParentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.store.SetParentRole(r.Context(), id, req.ParentRoleID); err != nil {
		h.respondError(w, err)
		return
	}
	h.recordAudit(r, "role.set_parent", strconv.FormatInt(id, 10), map[string]any{"parent_role_id": req.ParentRoleID})
	httpx.NoContent(w)
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	if r.URL.Query().Get("effective") == "true" {
		perms, err := h.resolver.EffectivePermissions(r.Context(), id)
		if err != nil {
			h.respondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms, "effective": true})
		return
	}
	perms, err := h.store.GetRolePermissions(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms, "effective": false})
}

func (h *Handler) roleAncestors(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	ancestors, err := h.hierarchy.AncestorRoles(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(ancestors))
	for _, role := range ancestors {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) roleDescendants(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	descendants, err := h.hierarchy.DescendantRoles(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(descendants))
	for _, role := range descendants {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

type grantPermissionRequest struct {
	Permission string `json:"permission" validate:"required,min=1,max=200"`
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req grantPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.store.GrantPermission(r.Context(), id, req.Permission); err != nil {
		h.respondError(w, err)
		return
	}
	h.recordAudit(r, "role.grant_permission", strconv.FormatInt(id, 10), map[string]any{"permission": req.Permission})
	httpx.NoContent(w)
}

func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	permission := chi.URLParam(r, "permission")
	if err := h.store.RevokePermission(r.Context(), id, permission); err != nil {
		h.respondError(w, err)
		return
	}
	h.recordAudit(r, "role.revoke_permission", strconv.FormatInt(id, 10), map[string]any{"permission": permission})
	httpx.NoContent(w)
}

type assignmentResponse struct {
	ID         int64         `json:"id"`
	UserID     int64         `json:"user_id"`
	TeamID     int64         `json:"team_id"`
	RoleID     int64         `json:"role_id"`
	AssignedBy int64         `json:"assigned_by"`
	CreatedAt  string        `json:"created_at"`
	ExpiresAt  *string       `json:"expires_at,omitempty"`
	Role       *roleResponse `json:"role,omitempty"`
}

func toAssignmentResponse(a UserRoleAssignment) assignmentResponse {
	out := assignmentResponse{
		ID:         a.ID,
		UserID:     a.UserID,
		TeamID:     a.TeamID,
		RoleID:     a.RoleID,
		AssignedBy: a.AssignedBy,
		CreatedAt:  a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.ExpiresAt != nil {
		s := a.ExpiresAt.UTC().Format(time.RFC3339)
		out.ExpiresAt = &s
	}
	if a.Role != nil {
		role := toRoleResponse(*a.Role)
		out.Role = &role
	}
	return out
}

func (h *Handler) userAssignments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	assignments, err := h.store.GetUserRoles(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]assignmentResponse, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, toAssignmentResponse(a))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": out})
}

type createAssignmentRequest struct {
	UserID    int64      `json:"user_id" validate:"required,gt=0"`
	TeamID    int64      `json:"team_id" validate:"required,gt=0"`
	RoleID    int64      `json:"role_id" validate:"required,gt=0"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) createAssignment(w http.ResponseWriter, r *http.Request) {
	var req createAssignmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	assignedBy, _ := shared.UserIDFromContext(r.Context())
	created, err := h.store.AssignRole(r.Context(), UserRoleAssignment{
		UserID:     req.UserID,
		TeamID:     req.TeamID,
		RoleID:     req.RoleID,
		AssignedBy: assignedBy,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.recordAudit(r, "role.assign", strconv.FormatInt(created.ID, 10), map[string]any{
		"user_id": req.UserID,
		"team_id": req.TeamID,
		"role_id": req.RoleID,
	})
	h.notifyAssignment(r.Context(), created)
	httpx.JSON(w, http.StatusCreated, toAssignmentResponse(created))
}

func (h *Handler) deleteAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "assignmentID")
	if !ok {
		return
	}
	if err := h.store.RevokeAssignment(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	h.recordAudit(r, "role.unassign", strconv.FormatInt(id, 10), nil)
	httpx.NoContent(w)
}

// notifyAssignment hands the new assignment to the notifier. Delivery failures
// are logged, never surfaced: the assignment itself already committed.
func (h *Handler) notifyAssignment(ctx context.Context, a UserRoleAssignment) {
	if h.notifier == nil {
		return
	}
	roleName := ""
	if role, err := h.store.GetRole(ctx, a.RoleID); err == nil {
		roleName = role.Name
	}
	if err := h.notifier.RoleAssigned(ctx, a.UserID, a.TeamID, roleName); err != nil && h.logger != nil {
		h.logger.Warn("assignment notification", slog.Any("error", err))
	}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+param)
		return 0, false
	}
	return id, true
}

// respondError maps business-rule violations onto the HTTP surface without
// correcting them.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicateName):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrCircularHierarchy), errors.Is(err, ErrDepthLimitExceeded):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Hierarchy", err.Error())
	case errors.Is(err, ErrSystemRoleProtected):
		httpx.Problem(w, http.StatusForbidden, "Protected", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("rbac handler", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (h *Handler) recordAudit(r *http.Request, action, entityID string, meta map[string]any) {
	if h.audit == nil {
		return
	}
	actorID, _ := shared.UserIDFromContext(r.Context())
	if err := h.audit.Record(r.Context(), shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "role",
		EntityID: entityID,
		Meta:     meta,
	}); err != nil && h.logger != nil {
		h.logger.Warn("audit record", slog.Any("error", err))
	}
}

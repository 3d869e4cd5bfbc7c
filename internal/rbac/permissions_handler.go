package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loomhq/loom/internal/platform/httpx"
	"github.com/loomhq/loom/internal/shared"
)

// PermissionsHandler lists the permission catalog: the platform-defined
// permissions plus every opaque string currently attached to a role.
type PermissionsHandler struct {
	logger *slog.Logger
	repo   Repository
	mw     Middleware
}

// NewPermissionsHandler builds a PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, repo Repository, mw Middleware) *PermissionsHandler {
	return &PermissionsHandler{logger: logger, repo: repo, mw: mw}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.Require(shared.PermPermissionsView))
		r.Get("/", h.listPermissions)
	})
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	inUse, err := h.repo.ListPermissionsInUse(r.Context())
	if err != nil {
		if h.logger != nil {
			h.logger.Error("list permissions", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	seen := make(map[string]struct{})
	catalog := make([]string, 0, len(inUse)+len(shared.CorePermissions()))
	for _, p := range shared.CorePermissions() {
		seen[p] = struct{}{}
		catalog = append(catalog, p)
	}
	for _, p := range inUse {
		if _, dup := seen[p]; dup {
			continue
		}
		catalog = append(catalog, p)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": catalog})
}

package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/loomhq/loom/internal/platform/httpx"
	"github.com/loomhq/loom/internal/shared"
)

// Outcome is the terminal state of an authorization check.
type Outcome string

// Authorization outcomes. These map 1:1 to the fixed status/message contract
// below; clients never learn more about a denial than one of these categories.
const (
	OutcomeAllowed         Outcome = "allowed"
	OutcomeUnauthenticated Outcome = "unauthenticated"
	OutcomeNoRole          Outcome = "forbidden_no_role"
	OutcomePermission      Outcome = "forbidden_permission"
	OutcomeResource        Outcome = "forbidden_resource"
	OutcomeError           Outcome = "internal_error"
)

// Resource scope kinds. Only team scoping is enforced; project and
// organization resources default-allow until a scoping rule is declared.
const (
	ScopeTeam         = "team"
	ScopeProject      = "project"
	ScopeOrganization = "organization"
)

// Requirement declares what a protected route demands.
type Requirement struct {
	Permission    string
	ResourceKind  string
	ResourceParam string
}

// AuthContext carries the authorization result into the wrapped handler.
type AuthContext struct {
	UserID     int64
	TeamID     int64
	RoleID     int64
	Permission string
	ResourceID string
}

type authContextKey struct{}

// ContextWithAuth stores the authorization context.
func ContextWithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// AuthFromContext extracts the authorization context set by the middleware.
func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(AuthContext)
	return ac, ok
}

// DecisionObserver receives one event per authorization decision.
type DecisionObserver interface {
	ObserveAuthzDecision(outcome string)
}

// Middleware enforces permissions on HTTP routes. The principal comes from
// the session in the request context; the team/role binding and effective
// permissions come from the repository and resolver, memoized in the shared
// decision cache.
type Middleware struct {
	Repo      Repository
	Resolver  *Resolver
	Decisions *DecisionCache
	Logger    *slog.Logger
	Observer  DecisionObserver
}

// Require guards a route with a permission and no resource scope.
func (m Middleware) Require(permission string) func(http.Handler) http.Handler {
	return m.Authorize(Requirement{Permission: permission})
}

// RequireTeam guards a route with a permission and a team-scoped resource
// whose id is read from the named chi URL parameter.
func (m Middleware) RequireTeam(permission, urlParam string) func(http.Handler) http.Handler {
	return m.Authorize(Requirement{Permission: permission, ResourceKind: ScopeTeam, ResourceParam: urlParam})
}

// Authorize builds the middleware for a requirement.
func (m Middleware) Authorize(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := shared.UserIDFromContext(r.Context())
			if !ok {
				m.finish(w, OutcomeUnauthenticated)
				return
			}

			resourceID := ""
			if req.ResourceParam != "" {
				resourceID = chi.URLParam(r, req.ResourceParam)
			}

			ac, outcome := m.decide(r.Context(), userID, req, resourceID)
			if outcome != OutcomeAllowed {
				m.finish(w, outcome)
				return
			}
			m.observe(OutcomeAllowed)
			next.ServeHTTP(w, r.WithContext(ContextWithAuth(r.Context(), ac)))
		})
	}
}

// decide runs the membership, permission and resource-scope checks, reading
// and populating the decision cache. Errors never surface past here except
// as OutcomeError; the underlying cause is only logged.
func (m Middleware) decide(ctx context.Context, userID int64, req Requirement, resourceID string) (AuthContext, Outcome) {
	ac := AuthContext{UserID: userID, Permission: req.Permission, ResourceID: resourceID}

	if m.Decisions != nil {
		if d, hit := m.Decisions.get(userID, req.Permission, req.ResourceKind, resourceID); hit {
			ac.RoleID = d.roleID
			ac.TeamID = d.teamID
			return ac, d.outcome
		}
	}

	membership, err := m.Repo.FindMembership(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.remember(userID, req, resourceID, decision{outcome: OutcomeNoRole})
			return ac, OutcomeNoRole
		}
		m.logError("resolve membership", err)
		return ac, OutcomeError
	}
	ac.RoleID = membership.RoleID
	ac.TeamID = membership.TeamID

	granted, err := m.Resolver.HasPermission(ctx, membership.RoleID, req.Permission)
	if err != nil {
		m.logError("resolve permissions", err)
		return ac, OutcomeError
	}
	d := decision{roleID: membership.RoleID, teamID: membership.TeamID}
	if !granted {
		d.outcome = OutcomePermission
		m.remember(userID, req, resourceID, d)
		return ac, OutcomePermission
	}

	if !scopeSatisfied(req.ResourceKind, resourceID, membership.TeamID) {
		d.outcome = OutcomeResource
		m.remember(userID, req, resourceID, d)
		return ac, OutcomeResource
	}

	d.outcome = OutcomeAllowed
	m.remember(userID, req, resourceID, d)
	return ac, OutcomeAllowed
}

// scopeSatisfied enforces resource scoping. Team-scoped resources require
// the principal's bound team to match; other kinds default-allow. A team
// requirement with no resource id (a ResourceParam that never matched the
// route) fails closed.
func scopeSatisfied(kind, resourceID string, teamID int64) bool {
	if kind != ScopeTeam {
		return true
	}
	id, err := strconv.ParseInt(resourceID, 10, 64)
	if err != nil {
		return false
	}
	return id == teamID
}

func (m Middleware) remember(userID int64, req Requirement, resourceID string, d decision) {
	if m.Decisions != nil {
		m.Decisions.set(userID, req.Permission, req.ResourceKind, resourceID, d)
	}
}

func (m Middleware) finish(w http.ResponseWriter, outcome Outcome) {
	m.observe(outcome)
	switch outcome {
	case OutcomeUnauthenticated:
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
	case OutcomeNoRole:
		httpx.Problem(w, http.StatusForbidden, "No role assigned", "")
	case OutcomePermission:
		httpx.Problem(w, http.StatusForbidden, "Insufficient permissions", "")
	case OutcomeResource:
		httpx.Problem(w, http.StatusForbidden, "Resource access denied", "")
	default:
		httpx.Problem(w, http.StatusInternalServerError, "Internal server error", "")
	}
}

func (m Middleware) observe(outcome Outcome) {
	if m.Observer != nil {
		m.Observer.ObserveAuthzDecision(string(outcome))
	}
}

func (m Middleware) logError(msg string, err error) {
	if m.Logger != nil {
		m.Logger.Error("rbac "+msg, slog.Any("error", err))
	}
}

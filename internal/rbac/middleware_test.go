package rbac

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/shared"
)

type recordingObserver struct {
	outcomes []string
}

func (o *recordingObserver) ObserveAuthzDecision(outcome string) {
	o.outcomes = append(o.outcomes, outcome)
}

func newTestMiddleware(repo Repository) (Middleware, *recordingObserver) {
	decisions, err := NewDecisionCache(64)
	if err != nil {
		panic(err)
	}
	observer := &recordingObserver{}
	return Middleware{
		Repo:      repo,
		Resolver:  NewResolver(repo, NewHierarchy(repo), NewPermissionCache()),
		Decisions: decisions,
		Observer:  observer,
	}, observer
}

func authedRequest(t *testing.T, target string, userID string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if userID == "" {
		return req
	}
	sess := &shared.Session{ID: "test-session"}
	sess.SetUser(userID)
	return req.WithContext(shared.ContextWithSession(req.Context(), sess))
}

func okHandler(t *testing.T, gotAuth *AuthContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			ac, ok := AuthFromContext(r.Context())
			require.True(t, ok, "authorization context missing")
			*gotAuth = ac
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// seedAdmin builds the canonical fixture: role "admin" holding
// VIEW_TEAM_MEMBERS, user 42 assigned to it in team 1.
func seedAdmin(repo *mockRepository) *Role {
	admin := repo.addRole("admin", 0, true)
	repo.perms[admin.ID] = []string{"VIEW_TEAM_MEMBERS"}
	repo.assignments[repo.nextAssignmentID] = &UserRoleAssignment{
		ID: repo.nextAssignmentID, UserID: 42, TeamID: 1, RoleID: admin.ID, AssignedBy: 1,
	}
	repo.nextAssignmentID++
	return admin
}

func TestMiddlewareAllows(t *testing.T) {
	repo := newMockRepository()
	seedAdmin(repo)
	mw, observer := newTestMiddleware(repo)

	var ac AuthContext
	r := chi.NewRouter()
	r.With(mw.Require("VIEW_TEAM_MEMBERS")).Get("/members", okHandler(t, &ac))

	res := httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/members", "42"))

	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, int64(42), ac.UserID)
	assert.Equal(t, int64(1), ac.TeamID)
	assert.Equal(t, "VIEW_TEAM_MEMBERS", ac.Permission)
	assert.Equal(t, []string{"allowed"}, observer.outcomes)
}

func TestMiddlewareUnauthenticated(t *testing.T) {
	repo := newMockRepository()
	mw, _ := newTestMiddleware(repo)

	r := chi.NewRouter()
	r.With(mw.Require("VIEW_TEAM_MEMBERS")).Get("/members", okHandler(t, nil))

	res := httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/members", ""))

	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Contains(t, res.Body.String(), "Unauthorized")
	assert.Zero(t, repo.membershipCalls)
}

func TestMiddlewareNoRoleAssigned(t *testing.T) {
	repo := newMockRepository()
	mw, _ := newTestMiddleware(repo)

	r := chi.NewRouter()
	r.With(mw.Require("VIEW_TEAM_MEMBERS")).Get("/members", okHandler(t, nil))

	res := httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/members", "42"))

	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Contains(t, res.Body.String(), "No role assigned")
}

func TestMiddlewareInsufficientPermissions(t *testing.T) {
	repo := newMockRepository()
	seedAdmin(repo)
	mw, _ := newTestMiddleware(repo)

	r := chi.NewRouter()
	r.With(mw.Require("MANAGE_BILLING")).Get("/billing", okHandler(t, nil))

	res := httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/billing", "42"))

	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Contains(t, res.Body.String(), "Insufficient permissions")
}

func TestMiddlewareResourceAccessDenied(t *testing.T) {
	repo := newMockRepository()
	seedAdmin(repo)
	mw, _ := newTestMiddleware(repo)

	r := chi.NewRouter()
	r.With(mw.RequireTeam("VIEW_TEAM_MEMBERS", "teamID")).Get("/teams/{teamID}/members", okHandler(t, nil))

	// User 42 is bound to team 1; team 2 is someone else's.
	res := httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/teams/2/members", "42"))
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Contains(t, res.Body.String(), "Resource access denied")

	// The bound team passes.
	res = httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/teams/1/members", "42"))
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestMiddlewareNonTeamScopesDefaultAllow(t *testing.T) {
	repo := newMockRepository()
	seedAdmin(repo)
	mw, _ := newTestMiddleware(repo)

	r := chi.NewRouter()
	r.With(mw.Authorize(Requirement{
		Permission:    "VIEW_TEAM_MEMBERS",
		ResourceKind:  ScopeProject,
		ResourceParam: "projectID",
	})).Get("/projects/{projectID}", okHandler(t, nil))

	res := httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/projects/9", "42"))
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestMiddlewareInternalError(t *testing.T) {
	repo := newMockRepository()
	repo.failMembership = errors.New("connection refused")
	mw, _ := newTestMiddleware(repo)

	r := chi.NewRouter()
	r.With(mw.Require("VIEW_TEAM_MEMBERS")).Get("/members", okHandler(t, nil))

	res := httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/members", "42"))

	assert.Equal(t, http.StatusInternalServerError, res.Code)
	assert.Contains(t, res.Body.String(), "Internal server error")
	assert.NotContains(t, res.Body.String(), "connection refused", "cause must not leak")
}

func TestMiddlewareInheritedPermissionAllows(t *testing.T) {
	repo := newMockRepository()
	a := repo.addRole("a", 0, false)
	b := repo.addRole("b", a.ID, false)
	c := repo.addRole("c", b.ID, false)
	repo.perms[a.ID] = []string{"root.perm"}
	repo.assignments[1] = &UserRoleAssignment{ID: 1, UserID: 7, TeamID: 3, RoleID: c.ID}
	repo.nextAssignmentID = 2

	mw, _ := newTestMiddleware(repo)
	r := chi.NewRouter()
	r.With(mw.Require("root.perm")).Get("/x", okHandler(t, nil))

	res := httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/x", "7"))
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestMiddlewareDecisionCacheHit(t *testing.T) {
	mock := newMockRepository()
	seedAdmin(mock)
	mw, observer := newTestMiddleware(mock)

	r := chi.NewRouter()
	r.With(mw.Require("VIEW_TEAM_MEMBERS")).Get("/members", okHandler(t, nil))

	res := httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/members", "42"))
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, 1, mock.membershipCalls)

	res = httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/members", "42"))
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, 1, mock.membershipCalls, "cache hit skips membership lookup")
	assert.Equal(t, []string{"allowed", "allowed"}, observer.outcomes)
}

func TestMiddlewareScopeKindsDoNotShareDecisions(t *testing.T) {
	repo := newMockRepository()
	seedAdmin(repo)
	mw, _ := newTestMiddleware(repo)

	// Two routes share the permission but scope resource id 2 differently.
	r := chi.NewRouter()
	r.With(mw.Authorize(Requirement{
		Permission:    "VIEW_TEAM_MEMBERS",
		ResourceKind:  ScopeProject,
		ResourceParam: "projectID",
	})).Get("/projects/{projectID}", okHandler(t, nil))
	r.With(mw.RequireTeam("VIEW_TEAM_MEMBERS", "teamID")).Get("/teams/{teamID}/members", okHandler(t, nil))

	// Project 2 default-allows for the user bound to team 1.
	res := httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/projects/2", "42"))
	require.Equal(t, http.StatusOK, res.Code)

	// The cached project allow must not satisfy the team check for id 2.
	res = httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/teams/2/members", "42"))
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Contains(t, res.Body.String(), "Resource access denied")

	// Nor must the cached team denial poison the project route.
	res = httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/projects/2", "42"))
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestMiddlewareTeamScopeMissingParamFailsClosed(t *testing.T) {
	repo := newMockRepository()
	seedAdmin(repo)
	mw, _ := newTestMiddleware(repo)

	// The requirement names a param the route never binds, so the resource
	// id is always empty.
	r := chi.NewRouter()
	r.With(mw.RequireTeam("VIEW_TEAM_MEMBERS", "orgID")).Get("/teams/{teamID}/members", okHandler(t, nil))

	res := httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/teams/1/members", "42"))

	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Contains(t, res.Body.String(), "Resource access denied")
}

func timePast() time.Time {
	return time.Now().Add(-time.Hour)
}

func TestMiddlewareExpiredAssignmentIgnored(t *testing.T) {
	mock := newMockRepository()
	admin := mock.addRole("admin", 0, true)
	mock.perms[admin.ID] = []string{"VIEW_TEAM_MEMBERS"}
	past := timePast()
	mock.assignments[1] = &UserRoleAssignment{ID: 1, UserID: 42, TeamID: 1, RoleID: admin.ID, ExpiresAt: &past}
	mock.nextAssignmentID = 2

	mw, _ := newTestMiddleware(mock)
	r := chi.NewRouter()
	r.With(mw.Require("VIEW_TEAM_MEMBERS")).Get("/members", okHandler(t, nil))

	res := httptest.NewRecorder()
	r.ServeHTTP(res, authedRequest(t, "/members", "42"))
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Contains(t, res.Body.String(), "No role assigned")
}

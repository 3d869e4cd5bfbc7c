package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRepository is an in-memory Repository with call counters for cache
// assertions and error injection for failure paths.
type mockRepository struct {
	mu sync.Mutex

	roles       map[int64]*Role
	perms       map[int64][]string
	assignments map[int64]*UserRoleAssignment

	nextRoleID       int64
	nextAssignmentID int64

	findRoleCalls   int
	bulkPermCalls   int
	membershipCalls int

	failMembership error
	failBulkPerms  error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		roles:            make(map[int64]*Role),
		perms:            make(map[int64][]string),
		assignments:      make(map[int64]*UserRoleAssignment),
		nextRoleID:       1,
		nextAssignmentID: 1,
	}
}

// addRole seeds a role directly, bypassing store validation. parent may be 0
// for roots. Useful for building corrupted hierarchies in tests.
func (m *mockRepository) addRole(name string, parent int64, system bool) *Role {
	role := &Role{
		ID:           m.nextRoleID,
		Name:         name,
		IsSystemRole: system,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if parent != 0 {
		p := parent
		role.ParentRoleID = &p
	}
	m.roles[role.ID] = role
	m.nextRoleID++
	return role
}

func (m *mockRepository) FindRoleByID(ctx context.Context, id int64) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findRoleCalls++
	role, ok := m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *role
	return &copied, nil
}

func (m *mockRepository) FindRoleByName(ctx context.Context, name string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, role := range m.roles {
		if role.Name == name {
			copied := *role
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepository) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, 0, len(m.roles))
	for id := int64(1); id < m.nextRoleID; id++ {
		if role, ok := m.roles[id]; ok {
			out = append(out, *role)
		}
	}
	return out, nil
}

func (m *mockRepository) FindRolesByParent(ctx context.Context, parentID int64) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Role
	for id := int64(1); id < m.nextRoleID; id++ {
		role, ok := m.roles[id]
		if ok && role.ParentRoleID != nil && *role.ParentRoleID == parentID {
			out = append(out, *role)
		}
	}
	return out, nil
}

func (m *mockRepository) InsertRole(ctx context.Context, role Role) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role.ID = m.nextRoleID
	role.CreatedAt = time.Now()
	role.UpdatedAt = time.Now()
	m.nextRoleID++
	m.roles[role.ID] = &role
	return role, nil
}

func (m *mockRepository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.roles[role.ID]
	if !ok {
		return Role{}, ErrNotFound
	}
	role.CreatedAt = existing.CreatedAt
	role.UpdatedAt = time.Now()
	role.IsSystemRole = existing.IsSystemRole
	m.roles[role.ID] = &role
	return role, nil
}

func (m *mockRepository) DeleteRole(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return ErrNotFound
	}
	delete(m.roles, id)
	delete(m.perms, id)
	return nil
}

func (m *mockRepository) FindPermissionsForRole(ctx context.Context, roleID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.perms[roleID]...), nil
}

func (m *mockRepository) FindPermissionsForRoleIDs(ctx context.Context, ids []int64) ([]RolePermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulkPermCalls++
	if m.failBulkPerms != nil {
		return nil, m.failBulkPerms
	}
	var out []RolePermission
	for _, id := range ids {
		for _, p := range m.perms[id] {
			out = append(out, RolePermission{RoleID: id, Permission: p})
		}
	}
	return out, nil
}

func (m *mockRepository) GrantPermission(ctx context.Context, roleID int64, permission string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.perms[roleID] {
		if p == permission {
			return nil
		}
	}
	m.perms[roleID] = append(m.perms[roleID], permission)
	return nil
}

func (m *mockRepository) RevokePermission(ctx context.Context, roleID int64, permission string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.perms[roleID][:0]
	for _, p := range m.perms[roleID] {
		if p != permission {
			kept = append(kept, p)
		}
	}
	m.perms[roleID] = kept
	return nil
}

func (m *mockRepository) ListPermissionsInUse(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for id := int64(1); id < m.nextRoleID; id++ {
		for _, p := range m.perms[id] {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockRepository) ListAssignmentsForUser(ctx context.Context, userID int64) ([]UserRoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []UserRoleAssignment
	for id := int64(1); id < m.nextAssignmentID; id++ {
		a, ok := m.assignments[id]
		if !ok || a.UserID != userID {
			continue
		}
		copied := *a
		if role, ok := m.roles[a.RoleID]; ok {
			roleCopy := *role
			copied.Role = &roleCopy
		}
		out = append(out, copied)
	}
	return out, nil
}

func (m *mockRepository) InsertAssignment(ctx context.Context, a UserRoleAssignment) (UserRoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.nextAssignmentID
	a.CreatedAt = time.Now()
	m.nextAssignmentID++
	m.assignments[a.ID] = &a
	return a, nil
}

func (m *mockRepository) DeleteAssignment(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[id]; !ok {
		return ErrNotFound
	}
	delete(m.assignments, id)
	return nil
}

func (m *mockRepository) FindMembership(ctx context.Context, userID int64) (*Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.membershipCalls++
	if m.failMembership != nil {
		return nil, m.failMembership
	}
	for id := int64(1); id < m.nextAssignmentID; id++ {
		a, ok := m.assignments[id]
		if !ok || a.UserID != userID {
			continue
		}
		if a.ExpiresAt != nil && a.ExpiresAt.Before(time.Now()) {
			continue
		}
		return &Membership{UserID: a.UserID, TeamID: a.TeamID, RoleID: a.RoleID}, nil
	}
	return nil, ErrNotFound
}

func (m *mockRepository) DeleteExpiredAssignments(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, a := range m.assignments {
		if a.ExpiresAt != nil && a.ExpiresAt.Before(before) {
			delete(m.assignments, id)
			removed++
		}
	}
	return removed, nil
}

var _ Repository = (*mockRepository)(nil)

func newTestStore(repo Repository, maxDepth int) (*Store, *PermissionCache, *DecisionCache) {
	permCache := NewPermissionCache()
	decisions, err := NewDecisionCache(128)
	if err != nil {
		panic(err)
	}
	return NewStore(repo, maxDepth, permCache, decisions), permCache, decisions
}

func TestCreateRoleDuplicateName(t *testing.T) {
	repo := newMockRepository()
	store, _, _ := newTestStore(repo, 0)
	ctx := context.Background()

	_, err := store.CreateRole(ctx, "editor", "", nil)
	require.NoError(t, err)

	_, err = store.CreateRole(ctx, "editor", "second", nil)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestCreateRoleNameIsCaseSensitive(t *testing.T) {
	repo := newMockRepository()
	store, _, _ := newTestStore(repo, 0)
	ctx := context.Background()

	_, err := store.CreateRole(ctx, "Editor", "", nil)
	require.NoError(t, err)

	_, err = store.CreateRole(ctx, "editor", "", nil)
	assert.NoError(t, err, "names differing only by case are distinct")
}

func TestUpdateRoleRename(t *testing.T) {
	repo := newMockRepository()
	store, _, _ := newTestStore(repo, 0)
	ctx := context.Background()

	a, err := store.CreateRole(ctx, "alpha", "", nil)
	require.NoError(t, err)
	b, err := store.CreateRole(ctx, "beta", "", nil)
	require.NoError(t, err)

	// Renaming to another role's name fails.
	name := b.Name
	_, err = store.UpdateRole(ctx, a.ID, RolePatch{Name: &name})
	assert.ErrorIs(t, err, ErrDuplicateName)

	// Renaming to the current name succeeds.
	own := a.Name
	updated, err := store.UpdateRole(ctx, a.ID, RolePatch{Name: &own})
	require.NoError(t, err)
	assert.Equal(t, "alpha", updated.Name)
}

func TestSetParentRejectsDescendant(t *testing.T) {
	repo := newMockRepository()
	store, _, _ := newTestStore(repo, 0)
	ctx := context.Background()

	root, err := store.CreateRole(ctx, "root", "", nil)
	require.NoError(t, err)
	mid, err := store.CreateRole(ctx, "mid", "", &root.ID)
	require.NoError(t, err)
	leaf, err := store.CreateRole(ctx, "leaf", "", &mid.ID)
	require.NoError(t, err)

	// root → leaf would close the loop.
	err = store.SetParentRole(ctx, root.ID, &leaf.ID)
	assert.ErrorIs(t, err, ErrCircularHierarchy)

	// Self-parenting is the degenerate cycle.
	err = store.SetParentRole(ctx, root.ID, &root.ID)
	assert.ErrorIs(t, err, ErrCircularHierarchy)

	// Re-parenting onto an unrelated root succeeds.
	other, err := store.CreateRole(ctx, "other", "", nil)
	require.NoError(t, err)
	assert.NoError(t, store.SetParentRole(ctx, leaf.ID, &other.ID))
}

func TestSetParentNilDetaches(t *testing.T) {
	repo := newMockRepository()
	store, _, _ := newTestStore(repo, 0)
	ctx := context.Background()

	root, err := store.CreateRole(ctx, "root", "", nil)
	require.NoError(t, err)
	child, err := store.CreateRole(ctx, "child", "", &root.ID)
	require.NoError(t, err)

	require.NoError(t, store.SetParentRole(ctx, child.ID, nil))
	got, err := store.GetRole(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ParentRoleID)
}

func TestDepthLimit(t *testing.T) {
	repo := newMockRepository()
	store, _, _ := newTestStore(repo, 3)
	ctx := context.Background()

	a, err := store.CreateRole(ctx, "a", "", nil)
	require.NoError(t, err)
	b, err := store.CreateRole(ctx, "b", "", &a.ID)
	require.NoError(t, err)
	c, err := store.CreateRole(ctx, "c", "", &b.ID)
	require.NoError(t, err)

	// c sits at depth 3; one more level would exceed the bound.
	_, err = store.CreateRole(ctx, "d", "", &c.ID)
	assert.ErrorIs(t, err, ErrDepthLimitExceeded)

	// Attaching below b (depth 2) still fits.
	_, err = store.CreateRole(ctx, "d", "", &b.ID)
	assert.NoError(t, err)
}

func TestDepthUnboundedByDefault(t *testing.T) {
	repo := newMockRepository()
	store, _, _ := newTestStore(repo, 0)
	ctx := context.Background()

	parent, err := store.CreateRole(ctx, "r0", "", nil)
	require.NoError(t, err)
	for i := 1; i <= 20; i++ {
		parent, err = store.CreateRole(ctx, "r"+string(rune('a'+i)), "", &parent.ID)
		require.NoError(t, err)
	}
}

func TestDeleteSystemRoleProtected(t *testing.T) {
	repo := newMockRepository()
	store, _, _ := newTestStore(repo, 0)
	ctx := context.Background()

	admin := repo.addRole("admin", 0, true)

	err := store.DeleteRole(ctx, admin.ID)
	assert.ErrorIs(t, err, ErrSystemRoleProtected)

	// No mutation happened.
	got, err := store.GetRole(ctx, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Name)
}

func TestSystemRoleStillUpdatable(t *testing.T) {
	repo := newMockRepository()
	store, _, _ := newTestStore(repo, 0)
	ctx := context.Background()

	admin := repo.addRole("admin", 0, true)
	desc := "built-in administrator"
	updated, err := store.UpdateRole(ctx, admin.ID, RolePatch{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, desc, updated.Description)
	assert.True(t, updated.IsSystemRole)
}

func TestMutationsClearCaches(t *testing.T) {
	repo := newMockRepository()
	store, permCache, decisions := newTestStore(repo, 0)
	ctx := context.Background()

	role, err := store.CreateRole(ctx, "viewer", "", nil)
	require.NoError(t, err)

	permCache.Set(role.ID, []string{"docs.view"})
	decisions.set(7, "docs.view", "", "", decision{outcome: OutcomeAllowed})
	require.Equal(t, 1, permCache.Len())
	require.Equal(t, 1, decisions.Len())

	require.NoError(t, store.GrantPermission(ctx, role.ID, "docs.edit"))

	assert.Zero(t, permCache.Len())
	assert.Zero(t, decisions.Len())
}

func TestGetRolePermissionsDirectOnly(t *testing.T) {
	repo := newMockRepository()
	store, _, _ := newTestStore(repo, 0)
	ctx := context.Background()

	parent, err := store.CreateRole(ctx, "parent", "", nil)
	require.NoError(t, err)
	child, err := store.CreateRole(ctx, "child", "", &parent.ID)
	require.NoError(t, err)
	require.NoError(t, store.GrantPermission(ctx, parent.ID, "inherited.perm"))
	require.NoError(t, store.GrantPermission(ctx, child.ID, "direct.perm"))

	perms, err := store.GetRolePermissions(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"direct.perm"}, perms)
}

func TestGetUserRolesJoinsRoles(t *testing.T) {
	repo := newMockRepository()
	store, _, _ := newTestStore(repo, 0)
	ctx := context.Background()

	role, err := store.CreateRole(ctx, "member", "", nil)
	require.NoError(t, err)
	_, err = store.AssignRole(ctx, UserRoleAssignment{UserID: 42, TeamID: 1, RoleID: role.ID, AssignedBy: 1})
	require.NoError(t, err)

	assignments, err := store.GetUserRoles(ctx, 42)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.NotNil(t, assignments[0].Role)
	assert.Equal(t, "member", assignments[0].Role.Name)
}

func TestAssignRoleUnknownRole(t *testing.T) {
	repo := newMockRepository()
	store, _, _ := newTestStore(repo, 0)

	_, err := store.AssignRole(context.Background(), UserRoleAssignment{UserID: 1, TeamID: 1, RoleID: 99})
	assert.ErrorIs(t, err, ErrNotFound)
}

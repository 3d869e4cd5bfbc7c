package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAncestorRolesNearestFirst(t *testing.T) {
	repo := newMockRepository()
	a := repo.addRole("a", 0, false)
	b := repo.addRole("b", a.ID, false)
	c := repo.addRole("c", b.ID, false)

	h := NewHierarchy(repo)
	ancestors, err := h.AncestorRoles(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	assert.Equal(t, b.ID, ancestors[0].ID)
	assert.Equal(t, a.ID, ancestors[1].ID)
}

func TestAncestorRolesRoot(t *testing.T) {
	repo := newMockRepository()
	a := repo.addRole("a", 0, false)

	h := NewHierarchy(repo)
	ancestors, err := h.AncestorRoles(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, ancestors)
}

func TestAncestorRolesCycleGuard(t *testing.T) {
	repo := newMockRepository()
	a := repo.addRole("a", 0, false)
	b := repo.addRole("b", a.ID, false)
	c := repo.addRole("c", b.ID, false)
	// Corrupt the data: a's parent points back down to c.
	a.ParentRoleID = &c.ID

	h := NewHierarchy(repo)
	ancestors, err := h.AncestorRoles(context.Background(), c.ID)
	require.NoError(t, err)

	seen := make(map[int64]struct{})
	for _, role := range ancestors {
		assert.NotEqual(t, c.ID, role.ID, "role must not be its own ancestor")
		_, dup := seen[role.ID]
		assert.False(t, dup, "duplicate ancestor %d", role.ID)
		seen[role.ID] = struct{}{}
	}
}

func TestAncestorRolesDanglingParent(t *testing.T) {
	repo := newMockRepository()
	a := repo.addRole("a", 0, false)
	missing := int64(99)
	a.ParentRoleID = &missing

	h := NewHierarchy(repo)
	ancestors, err := h.AncestorRoles(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, ancestors)
}

func TestDescendantRoles(t *testing.T) {
	repo := newMockRepository()
	root := repo.addRole("root", 0, false)
	left := repo.addRole("left", root.ID, false)
	right := repo.addRole("right", root.ID, false)
	leaf := repo.addRole("leaf", left.ID, false)
	repo.addRole("stranger", 0, false)

	h := NewHierarchy(repo)
	descendants, err := h.DescendantRoles(context.Background(), root.ID)
	require.NoError(t, err)

	ids := make(map[int64]bool)
	for _, role := range descendants {
		require.False(t, ids[role.ID], "role visited twice")
		ids[role.ID] = true
	}
	assert.Len(t, ids, 3)
	assert.True(t, ids[left.ID])
	assert.True(t, ids[right.ID])
	assert.True(t, ids[leaf.ID])
}

func TestDescendantRolesUnknownRole(t *testing.T) {
	repo := newMockRepository()
	h := NewHierarchy(repo)
	_, err := h.DescendantRoles(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoleHierarchyForest(t *testing.T) {
	repo := newMockRepository()
	rootA := repo.addRole("rootA", 0, false)
	childA1 := repo.addRole("childA1", rootA.ID, false)
	repo.addRole("grandA", childA1.ID, false)
	rootB := repo.addRole("rootB", 0, false)
	repo.addRole("childB1", rootB.ID, false)

	h := NewHierarchy(repo)
	forest, err := h.RoleHierarchy(context.Background())
	require.NoError(t, err)
	require.Len(t, forest, 2)

	counts := make(map[int64]int)
	var walk func(node *RoleNode, parent *int64)
	walk = func(node *RoleNode, parent *int64) {
		counts[node.Role.ID]++
		if parent == nil {
			assert.Nil(t, node.Role.ParentRoleID)
		} else {
			require.NotNil(t, node.Role.ParentRoleID)
			assert.Equal(t, *parent, *node.Role.ParentRoleID)
		}
		for _, child := range node.Children {
			walk(child, &node.Role.ID)
		}
	}
	for _, root := range forest {
		walk(root, nil)
	}

	assert.Len(t, counts, 5, "every role appears in the forest")
	for id, n := range counts {
		assert.Equal(t, 1, n, "role %d appears exactly once", id)
	}
}

func TestRoleHierarchyOrphansSurface(t *testing.T) {
	repo := newMockRepository()
	repo.addRole("root", 0, false)
	orphan := repo.addRole("orphan", 0, false)
	missing := int64(77)
	orphan.ParentRoleID = &missing

	h := NewHierarchy(repo)
	forest, err := h.RoleHierarchy(context.Background())
	require.NoError(t, err)
	assert.Len(t, forest, 2, "orphan is lifted to root level")
}

// Ancestor, descendant and forest queries must agree with one another.
func TestHierarchyQueriesAgree(t *testing.T) {
	repo := newMockRepository()
	a := repo.addRole("a", 0, false)
	b := repo.addRole("b", a.ID, false)
	c := repo.addRole("c", b.ID, false)

	h := NewHierarchy(repo)
	ctx := context.Background()

	ancestors, err := h.AncestorRoles(ctx, c.ID)
	require.NoError(t, err)
	for _, ancestor := range ancestors {
		descendants, err := h.DescendantRoles(ctx, ancestor.ID)
		require.NoError(t, err)
		found := false
		for _, d := range descendants {
			if d.ID == c.ID {
				found = true
			}
		}
		assert.True(t, found, "descendants of ancestor %d must include c", ancestor.ID)
	}
}

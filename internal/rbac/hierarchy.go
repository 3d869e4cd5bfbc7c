package rbac

import (
	"context"
	"errors"
)

// Hierarchy answers pure graph queries over the role forest. It performs no
// mutations and holds no state beyond the repository handle.
type Hierarchy struct {
	repo Repository
}

// NewHierarchy constructs a Hierarchy over the given repository.
func NewHierarchy(repo Repository) *Hierarchy {
	return &Hierarchy{repo: repo}
}

// AncestorRoles walks parent pointers upward from roleID, nearest ancestor
// first. The walk stops at the first root or at a revisited id, so corrupted
// cycles terminate and never yield duplicates or the role itself.
func (h *Hierarchy) AncestorRoles(ctx context.Context, roleID int64) ([]Role, error) {
	role, err := h.repo.FindRoleByID(ctx, roleID)
	if err != nil {
		return nil, err
	}

	visited := map[int64]struct{}{role.ID: {}}
	var ancestors []Role
	current := role
	for current.ParentRoleID != nil {
		parentID := *current.ParentRoleID
		if _, seen := visited[parentID]; seen {
			break
		}
		parent, err := h.repo.FindRoleByID(ctx, parentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Dangling parent pointer; treat the chain as ended.
				break
			}
			return nil, err
		}
		visited[parent.ID] = struct{}{}
		ancestors = append(ancestors, *parent)
		current = parent
	}
	return ancestors, nil
}

// DescendantRoles returns every role reachable from roleID via child edges.
// The full role set is loaded once and traversed depth-first; each role is
// visited at most once.
func (h *Hierarchy) DescendantRoles(ctx context.Context, roleID int64) ([]Role, error) {
	if _, err := h.repo.FindRoleByID(ctx, roleID); err != nil {
		return nil, err
	}
	all, err := h.repo.ListRoles(ctx)
	if err != nil {
		return nil, err
	}

	children := make(map[int64][]Role, len(all))
	for _, role := range all {
		if role.ParentRoleID != nil {
			children[*role.ParentRoleID] = append(children[*role.ParentRoleID], role)
		}
	}

	visited := map[int64]struct{}{roleID: {}}
	var descendants []Role
	stack := []int64{roleID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range children[id] {
			if _, seen := visited[child.ID]; seen {
				continue
			}
			visited[child.ID] = struct{}{}
			descendants = append(descendants, child)
			stack = append(stack, child.ID)
		}
	}
	return descendants, nil
}

// RoleHierarchy builds the full forest: one tree per root role, every role
// appearing exactly once. Roles whose parent id does not resolve are lifted
// to the root level so malformed data never drops a role from the listing.
func (h *Hierarchy) RoleHierarchy(ctx context.Context) ([]*RoleNode, error) {
	all, err := h.repo.ListRoles(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]Role, len(all))
	for _, role := range all {
		byID[role.ID] = role
	}

	byParent := make(map[int64][]Role)
	var roots []Role
	for _, role := range all {
		if role.ParentRoleID == nil {
			roots = append(roots, role)
			continue
		}
		if _, ok := byID[*role.ParentRoleID]; !ok {
			roots = append(roots, role)
			continue
		}
		byParent[*role.ParentRoleID] = append(byParent[*role.ParentRoleID], role)
	}

	placed := make(map[int64]struct{}, len(all))
	var build func(role Role) *RoleNode
	build = func(role Role) *RoleNode {
		placed[role.ID] = struct{}{}
		node := &RoleNode{Role: role}
		for _, child := range byParent[role.ID] {
			if _, done := placed[child.ID]; done {
				continue
			}
			node.Children = append(node.Children, build(child))
		}
		return node
	}

	forest := make([]*RoleNode, 0, len(roots))
	for _, root := range roots {
		if _, done := placed[root.ID]; done {
			continue
		}
		forest = append(forest, build(root))
	}

	// Roles trapped in a parent cycle are unreachable from any root; surface
	// them as additional roots rather than omitting them.
	for _, role := range all {
		if _, done := placed[role.ID]; !done {
			forest = append(forest, build(role))
		}
	}
	return forest, nil
}

package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store performs validated mutations on roles, role permissions and user
// role assignments. Every write clears the shared caches; authorization
// reads between a mutation and its invalidation would otherwise be stale.
type Store struct {
	repo     Repository
	maxDepth int

	permCache *PermissionCache
	decisions *DecisionCache
}

// NewStore constructs a Store. maxDepth bounds the role hierarchy; zero
// means unbounded. Either cache may be nil.
func NewStore(repo Repository, maxDepth int, permCache *PermissionCache, decisions *DecisionCache) *Store {
	return &Store{
		repo:      repo,
		maxDepth:  maxDepth,
		permCache: permCache,
		decisions: decisions,
	}
}

// CreateRole inserts a new role after name, cycle and depth validation.
func (s *Store) CreateRole(ctx context.Context, name, description string, parentRoleID *int64) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	if err := s.ensureNameFree(ctx, name, 0); err != nil {
		return Role{}, err
	}
	if parentRoleID != nil {
		// A brand-new role cannot be its own ancestor, but the parent must
		// exist and the chain must respect the depth bound.
		if err := s.validateParent(ctx, 0, *parentRoleID); err != nil {
			return Role{}, err
		}
	}
	created, err := s.repo.InsertRole(ctx, Role{
		Name:         name,
		Description:  strings.TrimSpace(description),
		ParentRoleID: parentRoleID,
	})
	if err != nil {
		return Role{}, err
	}
	s.clearCaches()
	return created, nil
}

// UpdateRole applies a patch, revalidating the name (excluding the role
// itself) and any new parent pointer.
func (s *Store) UpdateRole(ctx context.Context, id int64, patch RolePatch) (Role, error) {
	role, err := s.repo.FindRoleByID(ctx, id)
	if err != nil {
		return Role{}, err
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return Role{}, errors.New("rbac: role name required")
		}
		if name != role.Name {
			if err := s.ensureNameFree(ctx, name, id); err != nil {
				return Role{}, err
			}
		}
		role.Name = name
	}
	if patch.Description != nil {
		role.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.SetParent {
		if patch.ParentID != nil {
			if err := s.validateParent(ctx, id, *patch.ParentID); err != nil {
				return Role{}, err
			}
		}
		role.ParentRoleID = patch.ParentID
	}

	updated, err := s.repo.UpdateRole(ctx, *role)
	if err != nil {
		return Role{}, err
	}
	s.clearCaches()
	return updated, nil
}

// SetParentRole re-parents a role; nil detaches it to a root.
func (s *Store) SetParentRole(ctx context.Context, roleID int64, parentRoleID *int64) error {
	_, err := s.UpdateRole(ctx, roleID, RolePatch{SetParent: true, ParentID: parentRoleID})
	return err
}

// DeleteRole removes a role. System roles are protected; the persistence
// layer detaches child roles and removes dependent rows atomically.
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	role, err := s.repo.FindRoleByID(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return ErrSystemRoleProtected
	}
	if err := s.repo.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.clearCaches()
	return nil
}

// GetRole fetches a role by id.
func (s *Store) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := s.repo.FindRoleByID(ctx, id)
	if err != nil {
		return Role{}, err
	}
	return *role, nil
}

// ListRoles returns all roles.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRolePermissions returns the direct (non-inherited) permissions of a role.
func (s *Store) GetRolePermissions(ctx context.Context, roleID int64) ([]string, error) {
	if _, err := s.repo.FindRoleByID(ctx, roleID); err != nil {
		return nil, err
	}
	return s.repo.FindPermissionsForRole(ctx, roleID)
}

// GrantPermission attaches a permission string to a role.
func (s *Store) GrantPermission(ctx context.Context, roleID int64, permission string) error {
	permission = strings.TrimSpace(permission)
	if permission == "" {
		return errors.New("rbac: permission required")
	}
	if _, err := s.repo.FindRoleByID(ctx, roleID); err != nil {
		return err
	}
	if err := s.repo.GrantPermission(ctx, roleID, permission); err != nil {
		return err
	}
	s.clearCaches()
	return nil
}

// RevokePermission detaches a permission string from a role.
func (s *Store) RevokePermission(ctx context.Context, roleID int64, permission string) error {
	if err := s.repo.RevokePermission(ctx, roleID, permission); err != nil {
		return err
	}
	s.clearCaches()
	return nil
}

// GetUserRoles returns the user's assignments joined with role records.
func (s *Store) GetUserRoles(ctx context.Context, userID int64) ([]UserRoleAssignment, error) {
	return s.repo.ListAssignmentsForUser(ctx, userID)
}

// AssignRole binds a user to a role within a team.
func (s *Store) AssignRole(ctx context.Context, a UserRoleAssignment) (UserRoleAssignment, error) {
	if _, err := s.repo.FindRoleByID(ctx, a.RoleID); err != nil {
		return UserRoleAssignment{}, err
	}
	created, err := s.repo.InsertAssignment(ctx, a)
	if err != nil {
		return UserRoleAssignment{}, err
	}
	s.clearCaches()
	return created, nil
}

// RevokeAssignment removes a user-role binding.
func (s *Store) RevokeAssignment(ctx context.Context, id int64) error {
	if err := s.repo.DeleteAssignment(ctx, id); err != nil {
		return err
	}
	s.clearCaches()
	return nil
}

func (s *Store) ensureNameFree(ctx context.Context, name string, excludeID int64) error {
	existing, err := s.repo.FindRoleByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if existing.ID == excludeID {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrDuplicateName, name)
}

// validateParent rejects a candidate parent that would make roleID its own
// ancestor or push the chain past the configured depth. roleID is zero for
// role creation, where the cycle check is vacuous but the walk still guards
// against pre-existing corruption via the visited set.
func (s *Store) validateParent(ctx context.Context, roleID, parentID int64) error {
	if roleID != 0 && parentID == roleID {
		return ErrCircularHierarchy
	}

	visited := make(map[int64]struct{})
	depth := 0
	currentID := parentID
	for {
		if roleID != 0 && currentID == roleID {
			return ErrCircularHierarchy
		}
		if _, seen := visited[currentID]; seen {
			// Pre-existing cycle above the candidate parent; the chain is
			// malformed but finite for our purposes.
			break
		}
		visited[currentID] = struct{}{}
		depth++

		current, err := s.repo.FindRoleByID(ctx, currentID)
		if err != nil {
			return err
		}
		if current.ParentRoleID == nil {
			break
		}
		currentID = *current.ParentRoleID
	}

	if s.maxDepth > 0 && depth >= s.maxDepth {
		return fmt.Errorf("%w: max %d", ErrDepthLimitExceeded, s.maxDepth)
	}
	return nil
}

func (s *Store) clearCaches() {
	if s.permCache != nil {
		s.permCache.Clear()
	}
	if s.decisions != nil {
		s.decisions.Clear()
	}
}

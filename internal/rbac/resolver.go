package rbac

import (
	"context"
	"strconv"

	"golang.org/x/sync/singleflight"
)

// Resolver computes the effective (inherited) permission set for a role.
// Results are memoized in the shared permission cache; concurrent misses for
// the same role collapse into a single ancestor walk and bulk fetch.
type Resolver struct {
	repo      Repository
	hierarchy *Hierarchy
	cache     *PermissionCache
	group     singleflight.Group
}

// NewResolver constructs a Resolver.
func NewResolver(repo Repository, hierarchy *Hierarchy, cache *PermissionCache) *Resolver {
	return &Resolver{repo: repo, hierarchy: hierarchy, cache: cache}
}

// EffectivePermissions returns the union of the role's direct permissions
// and those of every ancestor, deduplicated in first-seen order (role first,
// then nearest ancestor outward). The result is always reconstructable from
// role and role_permission records alone; the cache is a pure memo.
func (r *Resolver) EffectivePermissions(ctx context.Context, roleID int64) ([]string, error) {
	if r.cache != nil {
		if perms, ok := r.cache.Get(roleID); ok {
			return perms, nil
		}
	}

	// The flight outlives the caller that started it: other collapsed
	// callers share its result, so cancellation of the first request must
	// not fail them all.
	flightCtx := context.WithoutCancel(ctx)
	result, err, _ := r.group.Do(strconv.FormatInt(roleID, 10), func() (any, error) {
		// Re-check under the flight; a concurrent caller may have populated
		// the entry while this goroutine queued.
		if r.cache != nil {
			if perms, ok := r.cache.Get(roleID); ok {
				return perms, nil
			}
		}
		perms, err := r.compute(flightCtx, roleID)
		if err != nil {
			return nil, err
		}
		if r.cache != nil {
			r.cache.Set(roleID, perms)
		}
		return perms, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

func (r *Resolver) compute(ctx context.Context, roleID int64) ([]string, error) {
	ancestors, err := r.hierarchy.AncestorRoles(ctx, roleID)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(ancestors)+1)
	ids = append(ids, roleID)
	for _, ancestor := range ancestors {
		ids = append(ids, ancestor.ID)
	}

	rows, err := r.repo.FindPermissionsForRoleIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byRole := make(map[int64][]string, len(ids))
	for _, row := range rows {
		byRole[row.RoleID] = append(byRole[row.RoleID], row.Permission)
	}

	seen := make(map[string]struct{}, len(rows))
	perms := make([]string, 0, len(rows))
	for _, id := range ids {
		for _, p := range byRole[id] {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			perms = append(perms, p)
		}
	}
	return perms, nil
}

// HasPermission reports whether the role's effective set contains the
// permission.
func (r *Resolver) HasPermission(ctx context.Context, roleID int64, permission string) (bool, error) {
	perms, err := r.EffectivePermissions(ctx, roleID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == permission {
			return true, nil
		}
	}
	return false, nil
}

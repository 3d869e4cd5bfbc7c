package rbac

import (
	"context"
	"time"
)

// Repository is the narrow persistence surface the authorization core
// depends on. Any backend providing point lookups by id and set lookups by a
// list of ids can implement it; tests use an in-memory version.
type Repository interface {
	FindRoleByID(ctx context.Context, id int64) (*Role, error)
	FindRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	FindRolesByParent(ctx context.Context, parentID int64) ([]Role, error)
	InsertRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	DeleteRole(ctx context.Context, id int64) error

	FindPermissionsForRole(ctx context.Context, roleID int64) ([]string, error)
	FindPermissionsForRoleIDs(ctx context.Context, ids []int64) ([]RolePermission, error)
	GrantPermission(ctx context.Context, roleID int64, permission string) error
	RevokePermission(ctx context.Context, roleID int64, permission string) error
	ListPermissionsInUse(ctx context.Context) ([]string, error)

	ListAssignmentsForUser(ctx context.Context, userID int64) ([]UserRoleAssignment, error)
	InsertAssignment(ctx context.Context, a UserRoleAssignment) (UserRoleAssignment, error)
	DeleteAssignment(ctx context.Context, id int64) error
	FindMembership(ctx context.Context, userID int64) (*Membership, error)
	DeleteExpiredAssignments(ctx context.Context, before time.Time) (int64, error)
}

// Package rbac implements the authorization core: a hierarchical role model
// with permission inheritance, cached effective-permission resolution and
// request-time authorization middleware.
package rbac

import "time"

// Role represents a named permission grouping. Roles form a forest via
// ParentRoleID; a role inherits every permission of its ancestors.
type Role struct {
	ID           int64
	Name         string
	Description  string
	IsSystemRole bool
	ParentRoleID *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RoleNode is a role with its materialized children, used for hierarchy
// listings.
type RoleNode struct {
	Role     Role
	Children []*RoleNode
}

// RolePermission ties an opaque permission string to a role.
type RolePermission struct {
	RoleID     int64
	Permission string
}

// UserRoleAssignment binds a user to a role within a team. An assignment
// with a past ExpiresAt is logically inactive; the field is advisory and
// enforced by consumers, not validated here.
type UserRoleAssignment struct {
	ID         int64
	UserID     int64
	TeamID     int64
	RoleID     int64
	AssignedBy int64
	CreatedAt  time.Time
	ExpiresAt  *time.Time

	// Role is populated on joined reads.
	Role *Role
}

// Membership is the principal's team/role binding consumed by the
// authorization middleware.
type Membership struct {
	UserID int64
	TeamID int64
	RoleID int64
}

// RolePatch carries optional fields for UpdateRole. A nil pointer leaves the
// field untouched; SetParent distinguishes "unchanged" from "detach".
type RolePatch struct {
	Name        *string
	Description *string
	SetParent   bool
	ParentID    *int64
}

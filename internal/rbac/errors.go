package rbac

import "errors"

// Business-rule violations raised by the role store. Callers surface these
// verbatim; they are never silently corrected.
var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrDuplicateName rejects a role name already in use (case-sensitive).
	ErrDuplicateName = errors.New("rbac: role name already exists")
	// ErrCircularHierarchy rejects a parent pointer that would make a role
	// its own ancestor.
	ErrCircularHierarchy = errors.New("rbac: circular role hierarchy")
	// ErrDepthLimitExceeded rejects a parent pointer that would exceed the
	// configured hierarchy depth.
	ErrDepthLimitExceeded = errors.New("rbac: hierarchy depth limit exceeded")
	// ErrSystemRoleProtected rejects deletion of a system role.
	ErrSystemRoleProtected = errors.New("rbac: system role cannot be deleted")
)

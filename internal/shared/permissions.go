package shared

// Core platform permissions.
const (
	PermUsersView = "users.view"
	PermUsersEdit = "users.edit"

	PermTeamsView   = "teams.view"
	PermTeamsEdit   = "teams.edit"
	PermMembersView = "teams.members.view"
	PermMembersEdit = "teams.members.edit"

	PermRolesView   = "roles.view"
	PermRolesEdit   = "roles.edit"
	PermRolesAssign = "roles.assign"

	PermPermissionsView = "permissions.view"
)

// CorePermissions lists all permissions the platform itself defines. Roles
// may carry additional opaque permission strings owned by product features.
func CorePermissions() []string {
	return []string{
		PermUsersView,
		PermUsersEdit,
		PermTeamsView,
		PermTeamsEdit,
		PermMembersView,
		PermMembersEdit,
		PermRolesView,
		PermRolesEdit,
		PermRolesAssign,
		PermPermissionsView,
	}
}

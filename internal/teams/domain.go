package teams

import "time"

// Team is a tenant boundary. Role assignments bind users to a team.
type Team struct {
	ID        int64
	Name      string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Member is a user bound to a team through a role assignment.
type Member struct {
	UserID   int64
	Email    string
	Name     string
	RoleID   int64
	RoleName string
	JoinedAt time.Time
}

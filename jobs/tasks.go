package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/loomhq/loom/internal/users"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeRoleAssigned is the task type for role-assignment notification emails.
	TaskTypeRoleAssigned = "mail:role_assigned"
)

// RoleAssignedPayload identifies a freshly created role assignment. The
// recipient's address is resolved at delivery time so an email changed between
// enqueue and delivery still reaches the right inbox.
type RoleAssignedPayload struct {
	UserID   int64  `json:"user_id"`
	TeamID   int64  `json:"team_id"`
	RoleName string `json:"role_name"`
}

// NewRoleAssignedTask constructs an Asynq task.
func NewRoleAssignedTask(payload RoleAssignedPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRoleAssigned, data), nil
}

// UserFinder resolves notification recipients.
type UserFinder interface {
	FindUserByID(ctx context.Context, id int64) (*users.User, error)
}

// NewRoleAssignedHandler processes TaskTypeRoleAssigned tasks.
func NewRoleAssignedHandler(directory UserFinder, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload RoleAssignedPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		user, err := directory.FindUserByID(ctx, payload.UserID)
		if err != nil {
			return fmt.Errorf("resolve recipient %d: %w", payload.UserID, err)
		}
		// Placeholder: integrate with SMTP/Mailpit when invitations ship.
		logger.Info("role assignment notification",
			slog.String("to", user.Email),
			slog.String("role", payload.RoleName),
			slog.Int64("team_id", payload.TeamID),
		)
		return nil
	}
}

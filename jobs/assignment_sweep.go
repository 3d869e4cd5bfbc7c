package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/loomhq/loom/internal/jobs"
	"github.com/loomhq/loom/internal/rbac"
)

const (
	// TaskTypeAssignmentSweep removes expired role assignments.
	TaskTypeAssignmentSweep = "rbac:assignment_sweep"
)

// AssignmentSweepPayload carries scheduling metadata.
type AssignmentSweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewAssignmentSweepTask constructs an Asynq task for the expiry sweep.
func NewAssignmentSweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(AssignmentSweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAssignmentSweep, body, asynq.Queue(QueueDefault)), nil
}

// NewAssignmentSweepHandler builds the handler. Expired assignments stop
// granting access the moment they lapse; the sweep only reclaims the rows.
func NewAssignmentSweepHandler(repo rbac.Repository, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload AssignmentSweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		tracker := metrics.Track("assignment_sweep")
		removed, err := repo.DeleteExpiredAssignments(ctx, time.Now().UTC())
		if err != nil {
			if logger != nil {
				logger.Error("assignment sweep", slog.Any("error", err))
			}
			return tracker.End(err)
		}
		metrics.AddSwept("assignment_sweep", removed)
		if logger != nil && removed > 0 {
			logger.Info("expired assignments removed",
				slog.String("job", "assignment_sweep"),
				slog.Int64("removed", removed))
		}
		return tracker.End(nil)
	}
}

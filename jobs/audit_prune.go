package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/loomhq/loom/internal/jobs"
)

const (
	// TaskTypeAuditPrune removes audit log rows past retention.
	TaskTypeAuditPrune = "audit:prune"
)

// AuditPrunePayload carries the retention window. The cutoff is computed at
// run time so cron re-deliveries stay correct.
type AuditPrunePayload struct {
	Retention time.Duration `json:"retention"`
}

// NewAuditPruneTask constructs an Asynq task deleting entries older than the
// retention window.
func NewAuditPruneTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(AuditPrunePayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAuditPrune, body, asynq.Queue(QueueDefault)), nil
}

// NewAuditPruneHandler builds the handler for audit retention.
func NewAuditPruneHandler(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload AuditPrunePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.Retention <= 0 {
			return asynq.SkipRetry
		}
		before := time.Now().UTC().Add(-payload.Retention)
		tracker := metrics.Track("audit_prune")
		tag, err := pool.Exec(ctx, `DELETE FROM audit_logs WHERE occurred_at < $1`, before)
		if err != nil {
			if logger != nil {
				logger.Error("audit prune", slog.Any("error", err))
			}
			return tracker.End(err)
		}
		metrics.AddSwept("audit_prune", tag.RowsAffected())
		if logger != nil {
			logger.Info("audit logs pruned",
				slog.String("job", "audit_prune"),
				slog.Int64("removed", tag.RowsAffected()),
				slog.Time("before", before))
		}
		return tracker.End(nil)
	}
}

package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/rbac"
)

// sweepRepo overrides only the method the sweep touches.
type sweepRepo struct {
	rbac.Repository
	removed int64
	err     error
	before  time.Time
	calls   int
}

func (s *sweepRepo) DeleteExpiredAssignments(ctx context.Context, before time.Time) (int64, error) {
	s.calls++
	s.before = before
	return s.removed, s.err
}

func TestAssignmentSweepHandler(t *testing.T) {
	repo := &sweepRepo{removed: 3}
	handler := NewAssignmentSweepHandler(repo, nil, nil)

	task, err := NewAssignmentSweepTask(time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), task))
	require.Equal(t, 1, repo.calls)
	require.WithinDuration(t, time.Now().UTC(), repo.before, time.Minute)
}

func TestAssignmentSweepHandlerPropagatesError(t *testing.T) {
	repo := &sweepRepo{err: errors.New("connection refused")}
	handler := NewAssignmentSweepHandler(repo, nil, nil)

	task, err := NewAssignmentSweepTask(time.Now().UTC())
	require.NoError(t, err)

	require.Error(t, handler(context.Background(), task))
}

func TestAssignmentSweepHandlerSkipsBadPayload(t *testing.T) {
	repo := &sweepRepo{}
	handler := NewAssignmentSweepHandler(repo, nil, nil)

	err := handler(context.Background(), newRawTask(t, TaskTypeAssignmentSweep, []byte("{not json")))
	require.Error(t, err)
	require.Zero(t, repo.calls)
}

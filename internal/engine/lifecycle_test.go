package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esdata/orchestrator/internal/model"
)

func lifecycleAt(st *Lifecycle, at time.Time) *Lifecycle {
	st.now = func() time.Time { return at }
	return st
}

func TestLifecycleOpenFirstHalf(t *testing.T) {
	st := newTestStore(t)
	lc := lifecycleAt(NewLifecycle(st), time.Date(2025, time.September, 5, 10, 0, 0, 0, time.UTC))

	batch, err := lc.Open(context.Background(), []model.Task{makeTask("alpha", "Mad", 1)})
	require.NoError(t, err)
	assert.Equal(t, "Sep25_01", batch.BatchID)
	assert.Equal(t, "Sep25", batch.Period)
	assert.Equal(t, 1, batch.Sequence)
	assert.Equal(t, 1, batch.TotalTasks)
	assert.True(t, batch.IsOpen())
}

func TestLifecycleOpenSecondHalf(t *testing.T) {
	st := newTestStore(t)
	lc := lifecycleAt(NewLifecycle(st), time.Date(2025, time.September, 20, 10, 0, 0, 0, time.UTC))

	batch, err := lc.Open(context.Background(), []model.Task{makeTask("alpha", "Mad", 1)})
	require.NoError(t, err)
	assert.Equal(t, "Sep25_02", batch.BatchID)
}

func TestLifecycleOpenAdvancesTakenSequence(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	lc := lifecycleAt(NewLifecycle(st), time.Date(2025, time.September, 5, 10, 0, 0, 0, time.UTC))

	first, err := lc.Open(ctx, []model.Task{makeTask("alpha", "Mad", 1)})
	require.NoError(t, err)
	require.Equal(t, "Sep25_01", first.BatchID)
	_, err = lc.Close(ctx, first.BatchID)
	require.NoError(t, err)

	second, err := lc.Open(ctx, []model.Task{makeTask("alpha", "Bar", 1)})
	require.NoError(t, err)
	assert.Equal(t, "Sep25_02", second.BatchID)
	assert.Equal(t, 2, second.Sequence)
}

func TestLifecycleOpenConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	lc := lifecycleAt(NewLifecycle(st), time.Date(2025, time.September, 5, 10, 0, 0, 0, time.UTC))

	_, err := lc.Open(ctx, []model.Task{makeTask("alpha", "Mad", 1)})
	require.NoError(t, err)

	_, err = lc.Open(ctx, []model.Task{makeTask("alpha", "Bar", 1)})
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
	assert.Contains(t, err.Error(), "Sep25_01")
}

func TestLifecycleAbortKeepsBatchResumable(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	lc := lifecycleAt(NewLifecycle(st), time.Date(2025, time.September, 5, 10, 0, 0, 0, time.UTC))

	batch, err := lc.Open(ctx, []model.Task{makeTask("alpha", "Mad", 1)})
	require.NoError(t, err)
	require.NoError(t, lc.Abort(ctx, batch.BatchID))

	stored, err := st.GetBatch(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusAborted, stored.Status)
	assert.Nil(t, stored.ClosedAt)

	// an aborted batch still blocks a new open
	_, err = lc.Open(ctx, []model.Task{makeTask("alpha", "Bar", 1)})
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))

	current, err := lc.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, batch.BatchID, current.BatchID)
}

func TestLifecycleCloseAllCompleted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	batch := seed(t, st, openBatch(), makeTask("alpha", "Mad", 1))
	task := findTask(t, st, batch.BatchID, "alpha", "Mad")
	require.NoError(t, st.MarkRunning(ctx, task.ID))
	require.NoError(t, st.MarkCompleted(ctx, task.ID, "/tmp/out.csv"))

	closed, err := NewLifecycle(st).Close(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, closed.Status)
	assert.Equal(t, 1, closed.CompletedTasks)
	assert.Equal(t, 0, closed.FailedTasks)
	require.NotNil(t, closed.ClosedAt)
}

func TestLifecycleCloseWithFailures(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	batch := seed(t, st, openBatch(),
		makeTask("alpha", "Mad", 1), makeTask("alpha", "Bar", 2))

	good := findTask(t, st, batch.BatchID, "alpha", "Mad")
	require.NoError(t, st.MarkRunning(ctx, good.ID))
	require.NoError(t, st.MarkCompleted(ctx, good.ID, "/tmp/out.csv"))

	bad := findTask(t, st, batch.BatchID, "alpha", "Bar")
	require.NoError(t, st.MarkPermanentlyFailed(ctx, bad.ID, "never eligible"))

	closed, err := NewLifecycle(st).Close(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompletedWithFailures, closed.Status)
	assert.Equal(t, 1, closed.CompletedTasks)
	assert.Equal(t, 1, closed.FailedTasks)
}

func TestLifecycleCloseIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	batch := seed(t, st, openBatch(), makeTask("alpha", "Mad", 1))
	task := findTask(t, st, batch.BatchID, "alpha", "Mad")
	require.NoError(t, st.MarkRunning(ctx, task.ID))
	require.NoError(t, st.MarkCompleted(ctx, task.ID, "/tmp/out.csv"))

	lc := NewLifecycle(st)
	first, err := lc.Close(ctx, batch.BatchID)
	require.NoError(t, err)
	second, err := lc.Close(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.WithinDuration(t, *first.ClosedAt, *second.ClosedAt, time.Second)
}

func TestLifecycleCurrent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	lc := NewLifecycle(st)

	current, err := lc.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)

	batch := seed(t, st, openBatch(), makeTask("alpha", "Mad", 1))
	current, err = lc.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, batch.BatchID, current.BatchID)
}

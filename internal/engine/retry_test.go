package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esdata/orchestrator/internal/backoff"
	"github.com/esdata/orchestrator/internal/config"
	"github.com/esdata/orchestrator/internal/model"
)

func TestRetryControllerSchedulesRetry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	batch := seed(t, st, openBatch(), makeTask("alpha", "Mad", 1))
	task := findTask(t, st, batch.BatchID, "alpha", "Mad")

	require.NoError(t, st.MarkRunning(ctx, task.ID))
	require.NoError(t, st.MarkFailed(ctx, task.ID, model.TaskStatusFailed, "connection reset"))

	rc := NewRetryController(st, backoff.Policy{Strategy: backoff.StrategyFixed, Base: 30 * time.Minute})
	disp, err := rc.OnFailure(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, disp.Final)
	assert.Equal(t, 30*time.Minute, disp.Delay)

	after, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRetrying, after.Status)
	assert.Equal(t, 1, after.Attempts)
	assert.Equal(t, "connection reset", after.ErrorMessage)
}

func TestRetryControllerFinalizesAtCeiling(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	batch := seed(t, st, openBatch(), makeTask("alpha", "Mad", 1))
	task := findTask(t, st, batch.BatchID, "alpha", "Mad")

	rc := NewRetryController(st, backoff.Policy{Strategy: backoff.StrategyFixed, Base: time.Minute})

	// burn through every allowed attempt
	for attempt := 1; attempt < task.MaxAttempts; attempt++ {
		require.NoError(t, st.MarkRunning(ctx, task.ID))
		require.NoError(t, st.MarkFailed(ctx, task.ID, model.TaskStatusFailed, "boom"))
		disp, err := rc.OnFailure(ctx, task.ID)
		require.NoError(t, err)
		require.False(t, disp.Final)
	}

	require.NoError(t, st.MarkRunning(ctx, task.ID))
	require.NoError(t, st.MarkFailed(ctx, task.ID, model.TaskStatusTimedOut, "stuck"))
	disp, err := rc.OnFailure(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, disp.Final)

	after, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPermanentlyFailed, after.Status)
	assert.Equal(t, after.MaxAttempts, after.Attempts)
	assert.Equal(t, "stuck", after.ErrorMessage)
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.ExecutionConfig{
		RetryStrategy:     "exponential",
		RetryDelaySecs:    60,
		RetryMultiplier:   3,
		RetryMaxDelaySecs: 600,
	})
	assert.Equal(t, backoff.StrategyExponential, p.Strategy)
	assert.Equal(t, time.Minute, p.Base)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.Equal(t, 10*time.Minute, p.Max)
}

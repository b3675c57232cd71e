package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esdata/orchestrator/internal/model"
)

func detailOf(main model.Task) model.Task {
	d := main
	d.Collector = main.Collector + model.DetailSuffix
	return d
}

func TestGateMainNotFinished(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	main := makeTask("alpha", "Mad", 1)
	batch := seed(t, st, openBatch(), main, detailOf(main))
	detail := findTask(t, st, batch.BatchID, "alpha_det", "Mad")

	gate := NewGate(st)

	dec, err := gate.Check(ctx, detail)
	require.NoError(t, err)
	assert.Equal(t, GateBlocked, dec.State)

	mainTask := findTask(t, st, batch.BatchID, "alpha", "Mad")
	require.NoError(t, st.MarkRunning(ctx, mainTask.ID))
	dec, err = gate.Check(ctx, detail)
	require.NoError(t, err)
	assert.Equal(t, GateBlocked, dec.State)
}

func TestGateMainCompleted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	main := makeTask("alpha", "Mad", 1)
	batch := seed(t, st, openBatch(), main, detailOf(main))

	artifact := filepath.Join(t.TempDir(), "AlpURL_Mad_Ven_Cas_Sep25_01.csv")
	require.NoError(t, os.WriteFile(artifact, []byte("https://example.com/listing\n"), 0o644))

	mainTask := findTask(t, st, batch.BatchID, "alpha", "Mad")
	require.NoError(t, st.MarkRunning(ctx, mainTask.ID))
	require.NoError(t, st.MarkCompleted(ctx, mainTask.ID, artifact))

	dec, err := NewGate(st).Check(ctx, findTask(t, st, batch.BatchID, "alpha_det", "Mad"))
	require.NoError(t, err)
	assert.Equal(t, GateReady, dec.State)
	assert.Equal(t, artifact, dec.ArtifactPath)
	assert.True(t, ArtifactUsable(dec.ArtifactPath))
}

func TestGateMainCompletedArtifactMissing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	main := makeTask("alpha", "Mad", 1)
	batch := seed(t, st, openBatch(), main, detailOf(main))

	mainTask := findTask(t, st, batch.BatchID, "alpha", "Mad")
	require.NoError(t, st.MarkRunning(ctx, mainTask.ID))
	require.NoError(t, st.MarkCompleted(ctx, mainTask.ID, "/nonexistent/bridge.csv"))

	// Ready rather than blocked: the detail task must fail fast on its
	// first attempt instead of waiting forever.
	dec, err := NewGate(st).Check(ctx, findTask(t, st, batch.BatchID, "alpha_det", "Mad"))
	require.NoError(t, err)
	assert.Equal(t, GateReady, dec.State)
	assert.False(t, ArtifactUsable(dec.ArtifactPath))
}

func TestGateMainPermanentlyFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	main := makeTask("alpha", "Mad", 1)
	main.MaxAttempts = 1
	batch := seed(t, st, openBatch(), main, detailOf(main))

	mainTask := findTask(t, st, batch.BatchID, "alpha", "Mad")
	require.NoError(t, st.MarkRunning(ctx, mainTask.ID))
	require.NoError(t, st.MarkFailed(ctx, mainTask.ID, model.TaskStatusFailed, "blocked by target"))
	require.NoError(t, st.MarkPermanentlyFailed(ctx, mainTask.ID, "blocked by target"))

	dec, err := NewGate(st).Check(ctx, findTask(t, st, batch.BatchID, "alpha_det", "Mad"))
	require.NoError(t, err)
	assert.Equal(t, GateUnsatisfiable, dec.State)
	assert.Contains(t, dec.Reason, "blocked by target")
}

func TestGateNoPairedMain(t *testing.T) {
	st := newTestStore(t)
	detail := detailOf(makeTask("alpha", "Mad", 1))
	batch := seed(t, st, openBatch(), detail)

	dec, err := NewGate(st).Check(context.Background(), findTask(t, st, batch.BatchID, "alpha_det", "Mad"))
	require.NoError(t, err)
	assert.Equal(t, GateUnsatisfiable, dec.State)
	assert.Contains(t, dec.Reason, "no paired main task")
}

func TestGateMainTaskPassesThrough(t *testing.T) {
	st := newTestStore(t)
	main := makeTask("alpha", "Mad", 1)
	batch := seed(t, st, openBatch(), main)

	dec, err := NewGate(st).Check(context.Background(), findTask(t, st, batch.BatchID, "alpha", "Mad"))
	require.NoError(t, err)
	assert.Equal(t, GateReady, dec.State)
}

func TestArtifactUsable(t *testing.T) {
	assert.False(t, ArtifactUsable(""))
	assert.False(t, ArtifactUsable("/nonexistent/file.csv"))

	empty := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	assert.False(t, ArtifactUsable(empty))

	full := filepath.Join(t.TempDir(), "full.csv")
	require.NoError(t, os.WriteFile(full, []byte("row\n"), 0o644))
	assert.True(t, ArtifactUsable(full))
}

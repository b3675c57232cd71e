package model

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestPeriodOf(t *testing.T) {
	assert.Equal(t, "Sep25", PeriodOf(time.Date(2025, time.September, 3, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "Jan26", PeriodOf(time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC)))
}

func TestDesiredSequence_HalfMonthWindows(t *testing.T) {
	firstHalf := time.Date(2025, time.September, 15, 23, 59, 0, 0, time.UTC)
	secondHalf := time.Date(2025, time.September, 16, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 1, DesiredSequence(firstHalf))
	assert.Equal(t, 2, DesiredSequence(secondHalf))
}

func TestFormatBatchID_ZeroPadded(t *testing.T) {
	assert.Equal(t, "Sep25_01", FormatBatchID("Sep25", 1))
	assert.Equal(t, "Sep25_02", FormatBatchID("Sep25", 2))
	assert.Equal(t, "Dec25_11", FormatBatchID("Dec25", 11))
}

func TestBatch_IsOpen(t *testing.T) {
	assert.True(t, (&Batch{Status: BatchStatusOpen}).IsOpen())
	assert.False(t, (&Batch{Status: BatchStatusCompleted}).IsOpen())
	assert.False(t, (&Batch{Status: BatchStatusCompletedWithFailures}).IsOpen())
	assert.False(t, (&Batch{Status: BatchStatusAborted}).IsOpen())
}

func TestErrorTaxonomy_Matchers(t *testing.T) {
	conflict := eris.Wrap(&ConflictError{OpenBatchID: "Sep25_01"}, "open batch")
	assert.True(t, IsConflict(conflict))
	assert.False(t, IsConflict(eris.New("something else")))

	invalid := eris.Wrap(&InvalidTransitionError{TaskID: 7, From: TaskStatusCompleted, To: TaskStatusRunning}, "mark running")
	assert.True(t, IsInvalidTransition(invalid))
	assert.Contains(t, invalid.Error(), "completed -> running")

	dep := eris.Wrap(&DependencyError{TaskKey: "inm24_det::Inm24::Gdl::Ven::Dep", Reason: "main task permanently failed"}, "gate")
	assert.True(t, IsDependencyError(dep))
	assert.False(t, IsDependencyError(conflict))
}

package store

import (
	"context"

	"github.com/esdata/orchestrator/internal/model"
)

// FailureCause distinguishes how a running task ended abnormally.
type FailureCause = model.TaskStatus

// Store defines the persistence interface for batches and tasks. It is the
// single source of truth for status: all transitions are single-row, guarded
// by the task state machine, and atomically committed. A mutation that the
// state machine does not allow fails with model.InvalidTransitionError.
type Store interface {
	// Batches
	CreateBatch(ctx context.Context, batch *model.Batch, tasks []model.Task) (*model.Batch, error)
	FindOpenBatch(ctx context.Context) (*model.Batch, error)
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)
	SequencesInPeriod(ctx context.Context, period string) ([]int, error)
	CloseBatch(ctx context.Context, batchID string, status model.BatchStatus, completed, failed int) error
	AbortBatch(ctx context.Context, batchID string) error
	ReopenBatch(ctx context.Context, batchID string) error

	// Tasks
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	ListTasks(ctx context.Context, batchID string) ([]model.Task, error)
	TasksByStatus(ctx context.Context, batchID string, statuses ...model.TaskStatus) ([]model.Task, error)
	StatusCounts(ctx context.Context, batchID string) (map[model.TaskStatus]int, error)
	RunningCount(ctx context.Context, batchID string) (int, error)
	PermanentlyFailedTasks(ctx context.Context, batchID string) ([]model.Task, error)
	FindMainTask(ctx context.Context, batchID, collector, website, city, operation, product string) (*model.Task, error)

	// Guarded status transitions
	MarkRunning(ctx context.Context, taskID int64) error
	MarkCompleted(ctx context.Context, taskID int64, outputPath string) error
	MarkFailed(ctx context.Context, taskID int64, cause FailureCause, errMsg string) error
	MarkRetrying(ctx context.Context, taskID int64) error
	MarkPermanentlyFailed(ctx context.Context, taskID int64, errMsg string) error
	ResetRunning(ctx context.Context, batchID string) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

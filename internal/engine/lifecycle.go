// Package engine contains the batch orchestration core: lifecycle, dependency
// gate, executor, retry controller, scheduler and resume reconciler.
package engine

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/esdata/orchestrator/internal/model"
	"github.com/esdata/orchestrator/internal/store"
)

// Lifecycle opens and closes batches and allocates batch identifiers.
type Lifecycle struct {
	store store.Store
	now   func() time.Time
}

func NewLifecycle(st store.Store) *Lifecycle {
	return &Lifecycle{store: st, now: time.Now}
}

// Open creates a new batch holding the given tasks. It fails with
// model.ConflictError while another batch is unclosed, aborted batches
// included. The identifier combines
// the calendar period with a half-month sequence; if that sequence is
// already taken in the period, the next free one is used. Batch row and all
// task rows are persisted in a single transaction.
func (l *Lifecycle) Open(ctx context.Context, tasks []model.Task) (*model.Batch, error) {
	open, err := l.store.FindOpenBatch(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "engine: find open batch")
	}
	if open != nil {
		return nil, eris.Wrap(&model.ConflictError{OpenBatchID: open.BatchID}, "engine: open batch")
	}

	now := l.now().UTC()
	period := model.PeriodOf(now)
	seq := model.DesiredSequence(now)

	taken, err := l.store.SequencesInPeriod(ctx, period)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: sequences in %s", period)
	}
	used := make(map[int]bool, len(taken))
	for _, s := range taken {
		used[s] = true
	}
	for used[seq] {
		seq++
	}

	batch := &model.Batch{
		BatchID:    model.FormatBatchID(period, seq),
		Period:     period,
		Sequence:   seq,
		OpenedAt:   now,
		TotalTasks: len(tasks),
		Status:     model.BatchStatusOpen,
	}

	created, err := l.store.CreateBatch(ctx, batch, tasks)
	if err != nil {
		return nil, err
	}
	zap.L().Info("batch opened",
		zap.String("batch_id", created.BatchID),
		zap.Int("tasks", created.TotalTasks))
	return created, nil
}

// Close recomputes final counters from task statuses and closes the batch.
// The batch closes as completed only when every task completed; any
// permanently failed task downgrades it to completed_with_failures.
// Idempotent: closing an already closed batch changes nothing.
func (l *Lifecycle) Close(ctx context.Context, batchID string) (*model.Batch, error) {
	counts, err := l.store.StatusCounts(ctx, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: close %s", batchID)
	}
	completed := counts[model.TaskStatusCompleted]
	failed := counts[model.TaskStatusPermanentlyFailed]

	status := model.BatchStatusCompleted
	if failed > 0 {
		status = model.BatchStatusCompletedWithFailures
	}

	if err := l.store.CloseBatch(ctx, batchID, status, completed, failed); err != nil {
		return nil, err
	}
	batch, err := l.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	zap.L().Info("batch closed",
		zap.String("batch_id", batchID),
		zap.String("status", string(batch.Status)),
		zap.Int("completed", completed),
		zap.Int("failed", failed))
	return batch, nil
}

// Abort marks an interrupted batch as aborted. The batch stays unclosed;
// the resume reconciler reopens it on the next start.
func (l *Lifecycle) Abort(ctx context.Context, batchID string) error {
	if err := l.store.AbortBatch(ctx, batchID); err != nil {
		return eris.Wrapf(err, "engine: abort %s", batchID)
	}
	zap.L().Warn("batch aborted", zap.String("batch_id", batchID))
	return nil
}

// Current returns the unclosed batch, open or aborted, or nil when every
// batch is closed.
func (l *Lifecycle) Current(ctx context.Context) (*model.Batch, error) {
	return l.store.FindOpenBatch(ctx)
}

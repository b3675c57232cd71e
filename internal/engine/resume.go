package engine

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/esdata/orchestrator/internal/model"
	"github.com/esdata/orchestrator/internal/store"
)

// Reconciler recovers an interrupted batch on startup. Tasks found still
// running belonged to a process that died mid-execution; their true outcome
// is unknown, so they go back to retrying and the attempt charged at their
// admission is uncharged rather than counted as a failure.
type Reconciler struct {
	store store.Store
}

func NewReconciler(st store.Store) *Reconciler {
	return &Reconciler{store: st}
}

// Reconcile looks for an unclosed batch from a prior run. When one exists,
// its running tasks are reset to retrying, an aborted batch is reopened,
// and the batch is returned for rescheduling; completed and permanently
// failed tasks are never touched. Returns nil when no unclosed batch exists.
func (r *Reconciler) Reconcile(ctx context.Context) (*model.Batch, int, error) {
	batch, err := r.store.FindOpenBatch(ctx)
	if err != nil {
		return nil, 0, eris.Wrap(err, "engine: reconcile")
	}
	if batch == nil {
		return nil, 0, nil
	}

	if batch.Status == model.BatchStatusAborted {
		if err := r.store.ReopenBatch(ctx, batch.BatchID); err != nil {
			return nil, 0, eris.Wrapf(err, "engine: reopen %s", batch.BatchID)
		}
		batch.Status = model.BatchStatusOpen
	}

	reset, err := r.store.ResetRunning(ctx, batch.BatchID)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "engine: reset running tasks of %s", batch.BatchID)
	}

	zap.L().Info("resuming interrupted batch",
		zap.String("batch_id", batch.BatchID),
		zap.Int("reset_to_retrying", reset))
	return batch, reset, nil
}

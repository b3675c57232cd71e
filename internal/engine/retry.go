package engine

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/esdata/orchestrator/internal/backoff"
	"github.com/esdata/orchestrator/internal/config"
	"github.com/esdata/orchestrator/internal/store"
)

// PolicyFromConfig builds the retry delay policy from execution settings.
func PolicyFromConfig(e config.ExecutionConfig) backoff.Policy {
	return backoff.Policy{
		Strategy:   backoff.Strategy(e.RetryStrategy),
		Base:       e.RetryDelay(),
		Multiplier: e.RetryMultiplier,
		Max:        e.RetryMaxDelay(),
	}
}

// Disposition is the retry controller's verdict after a failed attempt.
type Disposition struct {
	// Final is true when the task was finalized as permanently failed.
	Final bool
	// Delay is how long the task must wait before it is ready again.
	// Zero when Final. Delays live in memory only: a crash forgets them,
	// which can only make retries happen earlier.
	Delay time.Duration
}

// RetryController decides, after each failure, between another attempt and
// permanent failure. Attempts are counted at admission, so a task that just
// failed its last allowed attempt already carries attempts == max_attempts.
type RetryController struct {
	store  store.Store
	policy backoff.Policy
}

func NewRetryController(st store.Store, policy backoff.Policy) *RetryController {
	return &RetryController{store: st, policy: policy}
}

// OnFailure handles a task whose status the executor just set to failed or
// timed_out. It either schedules a retry or finalizes the task.
func (r *RetryController) OnFailure(ctx context.Context, taskID int64) (Disposition, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return Disposition{}, eris.Wrapf(err, "engine: retry lookup %d", taskID)
	}

	if task.Attempts >= task.MaxAttempts {
		if err := r.store.MarkPermanentlyFailed(ctx, taskID, task.ErrorMessage); err != nil {
			return Disposition{}, err
		}
		zap.L().Warn("task permanently failed",
			zap.String("task", task.Key()),
			zap.Int("attempts", task.Attempts),
			zap.String("error", task.ErrorMessage))
		return Disposition{Final: true}, nil
	}

	if err := r.store.MarkRetrying(ctx, taskID); err != nil {
		return Disposition{}, err
	}
	delay := r.policy.Delay(task.Attempts)
	zap.L().Info("task scheduled for retry",
		zap.String("task", task.Key()),
		zap.Int("attempts", task.Attempts),
		zap.Int("max_attempts", task.MaxAttempts),
		zap.Duration("delay", delay))
	return Disposition{Delay: delay}, nil
}

package engine

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/esdata/orchestrator/internal/model"
	"github.com/esdata/orchestrator/internal/store"
)

// Report summarizes one batch: its counters plus every permanently failed
// task with the last recorded error.
type Report struct {
	Batch  *model.Batch             `json:"batch" yaml:"batch"`
	Counts map[model.TaskStatus]int `json:"counts" yaml:"counts"`
	Failed []FailedTask             `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// FailedTask is one permanently failed task in a report.
type FailedTask struct {
	Task     string `json:"task" yaml:"task"`
	Attempts int    `json:"attempts" yaml:"attempts"`
	Error    string `json:"error" yaml:"error"`
}

// Success reports whether the batch finished without permanent failures.
func (r *Report) Success() bool {
	return len(r.Failed) == 0 && r.Counts[model.TaskStatusRunning] == 0 &&
		r.Counts[model.TaskStatusPending] == 0 && r.Counts[model.TaskStatusRetrying] == 0
}

// BuildReport assembles the report for a batch from store state.
func BuildReport(ctx context.Context, st store.Store, batchID string) (*Report, error) {
	batch, err := st.GetBatch(ctx, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: report batch %s", batchID)
	}
	counts, err := st.StatusCounts(ctx, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: report counts %s", batchID)
	}
	failed, err := st.PermanentlyFailedTasks(ctx, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: report failures %s", batchID)
	}

	report := &Report{Batch: batch, Counts: counts}
	for _, t := range failed {
		report.Failed = append(report.Failed, FailedTask{
			Task:     t.Key(),
			Attempts: t.Attempts,
			Error:    t.ErrorMessage,
		})
	}
	return report, nil
}

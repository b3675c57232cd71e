package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/esdata/orchestrator/internal/engine"
	"github.com/esdata/orchestrator/internal/loader"
	"github.com/esdata/orchestrator/internal/model"
	"github.com/esdata/orchestrator/internal/store"
)

var runCollectors []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open a new batch and schedule it to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tasks, err := loadJobs(runCollectors)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return eris.Errorf("no job definitions found in %s", cfg.Paths.JobsDir)
		}

		batch, err := engine.NewLifecycle(st).Open(ctx, tasks)
		if err != nil {
			if model.IsConflict(err) {
				return eris.Wrap(err, "use `orchestrator resume` to continue the open batch")
			}
			return err
		}

		return scheduleAndClose(ctx, st, batch)
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runCollectors, "collectors", nil, "restrict the batch to these collectors (default: all configured)")
	rootCmd.AddCommand(runCmd)
}

// loadJobs reads job definitions for the selected collectors. An empty
// selection means every configured collector.
func loadJobs(selected []string) ([]model.Task, error) {
	include := func(string) bool { return true }
	if len(selected) > 0 {
		set := make(map[string]bool, len(selected))
		for _, name := range selected {
			set[name] = true
		}
		include = func(name string) bool { return set[name] }
	}

	ld := loader.New(cfg.Paths.JobsDir, cfg.Execution.MaxAttempts)
	var tasks []model.Task
	for _, col := range cfg.Collectors {
		if !include(col.Name) {
			continue
		}
		ts, err := ld.Load(col)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, ts...)
	}
	return tasks, nil
}

// scheduleAndClose drives a batch to quiescence, closes it, and prints the
// final report. A batch with permanently failed tasks yields a non-zero
// exit; an aborted run marks the batch aborted and leaves it unclosed for
// resume.
func scheduleAndClose(ctx context.Context, st store.Store, batch *model.Batch) error {
	lc := engine.NewLifecycle(st)
	sched := engine.NewScheduler(
		st,
		engine.NewGate(st),
		engine.NewExecutor(cfg),
		engine.NewRetryController(st, engine.PolicyFromConfig(cfg.Execution)),
		cfg,
	)
	if err := sched.Run(ctx, batch); err != nil {
		if ctx.Err() != nil {
			if aerr := lc.Abort(context.Background(), batch.BatchID); aerr != nil {
				zap.L().Error("could not mark batch aborted", zap.Error(aerr))
			}
		}
		return eris.Wrapf(err, "batch %s left unclosed", batch.BatchID)
	}

	if _, err := lc.Close(ctx, batch.BatchID); err != nil {
		return err
	}

	report, err := engine.BuildReport(ctx, st, batch.BatchID)
	if err != nil {
		return err
	}
	printReport(report)

	if !report.Success() {
		return eris.Errorf("batch %s closed with %d permanently failed tasks",
			batch.BatchID, len(report.Failed))
	}
	return nil
}

func printReport(r *engine.Report) {
	b := r.Batch
	fmt.Printf("batch %s  [%s]\n", b.BatchID, b.Status)
	fmt.Printf("  total: %d  completed: %d  failed: %d\n",
		b.TotalTasks, r.Counts[model.TaskStatusCompleted], r.Counts[model.TaskStatusPermanentlyFailed])
	for _, status := range []model.TaskStatus{
		model.TaskStatusPending, model.TaskStatusRunning, model.TaskStatusRetrying,
	} {
		if n := r.Counts[status]; n > 0 {
			fmt.Printf("  %s: %d\n", status, n)
		}
	}
	if len(r.Failed) > 0 {
		fmt.Println("permanently failed tasks:")
		for _, f := range r.Failed {
			fmt.Printf("  %s  attempts=%d  %s\n", f.Task, f.Attempts, f.Error)
		}
	}
}

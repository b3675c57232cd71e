package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/esdata/orchestrator/internal/engine"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted batch",
	Long:  "Finds the open batch left by a crashed or aborted run, resets its running tasks to retrying without charging an attempt, and schedules it to completion.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		batch, _, err := engine.NewReconciler(st).Reconcile(ctx)
		if err != nil {
			return err
		}
		if batch == nil {
			return eris.New("no open batch to resume")
		}

		return scheduleAndClose(ctx, st, batch)
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

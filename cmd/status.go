package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/esdata/orchestrator/internal/engine"
)

var statusBatchID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current batch and its task counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		batchID := statusBatchID
		if batchID == "" {
			current, err := engine.NewLifecycle(st).Current(ctx)
			if err != nil {
				return err
			}
			if current == nil {
				fmt.Println("no open batch")
				return nil
			}
			batchID = current.BatchID
		}

		report, err := engine.BuildReport(ctx, st, batchID)
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusBatchID, "batch", "", "inspect a specific batch instead of the open one")
	rootCmd.AddCommand(statusCmd)
}

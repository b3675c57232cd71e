package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/esdata/orchestrator/internal/loader"
)

type planEntry struct {
	Collector string `yaml:"collector"`
	Priority  int    `yaml:"priority"`
	Main      int    `yaml:"main"`
	Detail    int    `yaml:"detail"`
}

type planSummary struct {
	Collectors []planEntry `yaml:"collectors"`
	TotalTasks int         `yaml:"total_tasks"`
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what a new batch would contain without executing anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		ld := loader.New(cfg.Paths.JobsDir, cfg.Execution.MaxAttempts)

		summary := planSummary{}
		for _, col := range cfg.Collectors {
			tasks, err := ld.Load(col)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				continue
			}
			entry := planEntry{Collector: col.Name, Priority: col.Priority}
			for _, t := range tasks {
				if t.IsDetail() {
					entry.Detail++
				} else {
					entry.Main++
				}
			}
			summary.Collectors = append(summary.Collectors, entry)
			summary.TotalTasks += len(tasks)
		}

		out, err := yaml.Marshal(summary)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
}

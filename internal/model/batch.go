package model

import (
	"fmt"
	"time"
)

// BatchStatus represents the lifecycle state of an execution batch.
type BatchStatus string

const (
	BatchStatusOpen                  BatchStatus = "open"
	BatchStatusCompleted             BatchStatus = "completed"
	BatchStatusCompletedWithFailures BatchStatus = "completed_with_failures"
	BatchStatusAborted               BatchStatus = "aborted"
)

// Batch is one coordinated execution cycle comprising all tasks for a run.
type Batch struct {
	ID             int64       `json:"id"`
	BatchID        string      `json:"batch_id"` // e.g. "Sep25_01"
	Period         string      `json:"period"`   // e.g. "Sep25"
	Sequence       int         `json:"sequence"`
	OpenedAt       time.Time   `json:"opened_at"`
	ClosedAt       *time.Time  `json:"closed_at,omitempty"`
	TotalTasks     int         `json:"total_tasks"`
	CompletedTasks int         `json:"completed_tasks"`
	FailedTasks    int         `json:"failed_tasks"`
	Status         BatchStatus `json:"status"`
}

// IsOpen reports whether the batch is still accepting scheduling work.
func (b *Batch) IsOpen() bool {
	return b.Status == BatchStatusOpen
}

// PeriodOf formats a time as the batch calendar period, e.g. "Sep25".
func PeriodOf(t time.Time) string {
	return t.Format("Jan06")
}

// DesiredSequence returns the half-month sequence for a date: 1 for the
// first half of the month, 2 for the second.
func DesiredSequence(t time.Time) int {
	if t.Day() <= 15 {
		return 1
	}
	return 2
}

// FormatBatchID builds the durable batch identifier from a period and a
// two-digit zero-padded sequence number.
func FormatBatchID(period string, sequence int) string {
	return fmt.Sprintf("%s_%02d", period, sequence)
}

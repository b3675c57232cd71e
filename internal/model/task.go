package model

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the current state of a collection task.
type TaskStatus string

const (
	TaskStatusPending           TaskStatus = "pending"
	TaskStatusRunning           TaskStatus = "running"
	TaskStatusCompleted         TaskStatus = "completed"
	TaskStatusFailed            TaskStatus = "failed"
	TaskStatusTimedOut          TaskStatus = "timed_out"
	TaskStatusRetrying          TaskStatus = "retrying"
	TaskStatusPermanentlyFailed TaskStatus = "permanently_failed"
)

// IsTerminal reports whether the status is final for the batch's lifetime.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusPermanentlyFailed
}

// taskTransitions is the authoritative state machine. The scheduler admits
// pending/retrying tasks, the executor finishes running ones, and the retry
// controller disposes of failures. pending -> permanently_failed covers a
// detail task whose main task can never complete; running -> retrying covers
// the crash-resume reset.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:  {TaskStatusRunning, TaskStatusPermanentlyFailed},
	TaskStatusRetrying: {TaskStatusRunning},
	TaskStatusRunning:  {TaskStatusCompleted, TaskStatusFailed, TaskStatusTimedOut, TaskStatusRetrying},
	TaskStatusFailed:   {TaskStatusRetrying, TaskStatusPermanentlyFailed},
	TaskStatusTimedOut: {TaskStatusRetrying, TaskStatusPermanentlyFailed},
}

// CanTransition reports whether moving a task from one status to another is
// legal. Stores reject anything else with an InvalidTransitionError.
func CanTransition(from, to TaskStatus) bool {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedSources returns the statuses a task may be in for a transition to
// the given status to be legal.
func AllowedSources(to TaskStatus) []TaskStatus {
	var froms []TaskStatus
	for from, tos := range taskTransitions {
		for _, t := range tos {
			if t == to {
				froms = append(froms, from)
			}
		}
	}
	return froms
}

// DetailSuffix marks a collector as the detail (enrichment) counterpart of a
// main collector, e.g. "inm24_det" enriches "inm24".
const DetailSuffix = "_det"

// Task is one unit of work against one (collector, website, city, operation,
// product) combination within a batch.
type Task struct {
	ID           int64      `json:"id"`
	Collector    string     `json:"collector"`
	Website      string     `json:"website"`
	City         string     `json:"city"`
	Operation    string     `json:"operation"`
	Product      string     `json:"product"`
	Locator      string     `json:"locator"` // seed URL for main tasks
	Ordinal      int        `json:"ordinal"` // position within the collector's job list
	Status       TaskStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	BatchID      string     `json:"batch_id"`
	OutputPath   string     `json:"output_path,omitempty"`
}

// Key returns the task's natural key within its batch.
func (t *Task) Key() string {
	return strings.Join([]string{t.Collector, t.Website, t.City, t.Operation, t.Product}, "::")
}

// IsDetail reports whether the task runs a detail collector that depends on
// a main task's bridge artifact.
func (t *Task) IsDetail() bool {
	return strings.HasSuffix(t.Collector, DetailSuffix)
}

// MainCollector returns the name of the main collector this detail task
// depends on, or the task's own collector if it is not a detail task.
func (t *Task) MainCollector() string {
	return strings.TrimSuffix(t.Collector, DetailSuffix)
}

func (t *Task) String() string {
	return fmt.Sprintf("%s[%s]", t.Key(), t.Status)
}

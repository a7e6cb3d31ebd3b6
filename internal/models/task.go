package models

import (
	"time"
)

// TaskStatus enumerates task lifecycle states.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskSucceeded  = "succeeded"
	TaskFailed     = "failed"
	TaskRetrying   = "retrying"
)

// Task is a single add-member operation: move Member into Group.
type Task struct {
	ID              string  `json:"id"`
	Member          string  `json:"member"`
	Group           string  `json:"group"`
	Status          string  `json:"status"`
	Attempts        int     `json:"attempts"`
	AssignedAccount *string `json:"assigned_account,omitempty"`
	LastError       *string `json:"last_error,omitempty"`
}

// Terminal reports whether the task reached a final status.
func (t *Task) Terminal() bool {
	return t.Status == TaskSucceeded || t.Status == TaskFailed
}

// RunStats aggregates task outcomes for one run.
type RunStats struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// AccountStats counts per-account outcomes within a run.
type AccountStats struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RunStatus enumerates run lifecycle states.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunAborted   = "aborted"
)

// Run is one orchestrated batch of tasks with its chosen strategy and
// aggregate counters. Tasks keep their submission order.
type Run struct {
	ID           string                  `json:"id"`
	Group        string                  `json:"group"`
	Strategy     string                  `json:"strategy"`
	Status       string                  `json:"status"`
	Tasks        []*Task                 `json:"tasks"`
	Stats        RunStats                `json:"stats"`
	AccountStats map[string]AccountStats `json:"account_stats,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	EndedAt      *time.Time              `json:"ended_at,omitempty"`
}

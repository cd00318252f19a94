package models

import "time"

// RunStatus represents the status of a workflow run
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transitions
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// DefaultPriority is assigned to runs submitted without an explicit priority
const DefaultPriority = 5

// WorkflowRun is one execution attempt of a workflow
// Maps to: workflow_runs table
type WorkflowRun struct {
	ID          string         `db:"id" json:"id"`
	WorkflowID  string         `db:"workflow_id" json:"workflow_id"`
	Status      RunStatus      `db:"status" json:"status"`
	TriggerData map[string]any `db:"trigger_data" json:"trigger_data,omitempty"`
	ResultData  map[string]any `db:"result_data" json:"result_data,omitempty"`
	Error       *RunError      `db:"error" json:"error,omitempty"`
	StartedAt   *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	StartedBy   string         `db:"started_by" json:"started_by"`
	Priority    int            `db:"priority" json:"priority"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

// RunError is the structured failure summary recorded on a failed run
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
}

// CanRetry reports whether a fresh run may be created from this one
func (r *WorkflowRun) CanRetry() bool {
	return r.Status == RunFailed || r.Status == RunCancelled
}

// RunProgress summarizes how far a run has advanced through its graph
type RunProgress struct {
	CompletedNodes int    `json:"completedNodes"`
	TotalNodes     int    `json:"totalNodes"`
	CurrentNode    string `json:"currentNode,omitempty"`
}

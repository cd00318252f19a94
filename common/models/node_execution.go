package models

import "time"

// NodeExecutionStatus represents the status of a single node attempt
type NodeExecutionStatus string

const (
	NodePending   NodeExecutionStatus = "PENDING"
	NodeRunning   NodeExecutionStatus = "RUNNING"
	NodeCompleted NodeExecutionStatus = "COMPLETED"
	NodeFailed    NodeExecutionStatus = "FAILED"
	NodeSkipped   NodeExecutionStatus = "SKIPPED"
	NodeCancelled NodeExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether the attempt status admits no further transitions
func (s NodeExecutionStatus) IsTerminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// NodeExecution records one attempt of one node within a run.
// Retries append new rows; terminal rows are never mutated.
// Maps to: node_executions table
type NodeExecution struct {
	ID             string              `db:"id" json:"id"`
	WorkflowRunID  string              `db:"workflow_run_id" json:"workflow_run_id"`
	NodeID         string              `db:"node_id" json:"node_id"`
	NodeType       string              `db:"node_type" json:"node_type"`
	Status         NodeExecutionStatus `db:"status" json:"status"`
	InputData      map[string]any      `db:"input_data" json:"input_data,omitempty"`
	OutputData     any                 `db:"output_data" json:"output_data,omitempty"`
	Error          string              `db:"error" json:"error,omitempty"`
	StartedAt      *time.Time          `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time          `db:"completed_at" json:"completed_at,omitempty"`
	ExecutionOrder int                 `db:"execution_order" json:"execution_order"`
	RetryCount     int                 `db:"retry_count" json:"retry_count"`
}

// Duration returns the wall time of the attempt, or zero if still open
func (n *NodeExecution) Duration() time.Duration {
	if n.StartedAt == nil || n.CompletedAt == nil {
		return 0
	}
	return n.CompletedAt.Sub(*n.StartedAt)
}

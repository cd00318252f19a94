package models

import "time"

// TaskStatus represents the lifecycle of a queued task
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskStarted TaskStatus = "STARTED"
	TaskSuccess TaskStatus = "SUCCESS"
	TaskFailure TaskStatus = "FAILURE"
	TaskRetry   TaskStatus = "RETRY"
	TaskRevoked TaskStatus = "REVOKED"
)

// IsTerminal reports whether redelivery of the task must be ignored
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSuccess, TaskFailure, TaskRevoked:
		return true
	}
	return false
}

// Queue names, drained by workers in descending static priority
const (
	QueueWorkflow      = "workflow"
	QueueForms         = "forms"
	QueueIntegration   = "integration"
	QueueNotifications = "notifications"
	QueueSystem        = "system"
)

// QueuePriorities maps each queue to its static drain priority
var QueuePriorities = map[string]int{
	QueueWorkflow:      3,
	QueueForms:         2,
	QueueIntegration:   2,
	QueueNotifications: 1,
	QueueSystem:        0,
}

// QueueDrainOrder lists all queues from highest to lowest static priority.
// Workflow wins the forms/integration tie by position.
var QueueDrainOrder = []string{
	QueueWorkflow,
	QueueForms,
	QueueIntegration,
	QueueNotifications,
	QueueSystem,
}

// Well-known task names, {domain.verb}
const (
	TaskWorkflowExecute  = "workflow.execute"
	TaskFormsProcess     = "forms.process_submission"
	TaskIntegrationSync  = "integration.sync_data"
	TaskNotificationSend = "notifications.send"
	TaskSystemCleanup    = "system.cleanup_state"
)

// TaskRetryPolicy governs transient-failure requeueing
type TaskRetryPolicy struct {
	MaxRetries     int           `json:"max_retries"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	BackoffFactor  float64       `json:"backoff_factor"`
}

// Backoff returns the delay before the given retry attempt (1-based)
func (p TaskRetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	if d <= 0 {
		d = time.Second
	}
	factor := p.BackoffFactor
	if factor <= 1 {
		factor = 2
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// DefaultTaskRetryPolicy applies when a submission names no policy
var DefaultTaskRetryPolicy = TaskRetryPolicy{
	MaxRetries:     3,
	InitialBackoff: 2 * time.Second,
	BackoffFactor:  2,
}

// Task is the broker-side envelope for a unit of queued work
type Task struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Queue       string          `json:"queue"`
	Args        []any           `json:"args,omitempty"`
	Kwargs      map[string]any  `json:"kwargs,omitempty"`
	Priority    int             `json:"priority"`
	ETA         *time.Time      `json:"eta,omitempty"`
	Expires     *time.Time      `json:"expires,omitempty"`
	RetryPolicy TaskRetryPolicy `json:"retry_policy"`
	RetryCount  int             `json:"retry_count"`
	SubmittedAt time.Time       `json:"submitted_at"`
	SubmittedBy string          `json:"submitted_by,omitempty"`
}

// TaskInfo is the status view returned to callers of GetTaskStatus
type TaskInfo struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Queue      string         `json:"queue"`
	Status     TaskStatus     `json:"status"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TaskResult is the uniform return shape of task handlers
type TaskResult struct {
	Status string `json:"status"` // "completed" or "failed"
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

package queue

import (
	"context"
	"time"

	"github.com/trellishq/trellis/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Broker is the durable, priority-capable task transport behind the worker
// manager. Delivery is at-least-once; callers treat terminal task statuses
// as final and ignore redelivery after them.
type Broker interface {
	// Submit enqueues a task, optionally delayed. Task metadata is recorded
	// under the task id at submission time.
	Submit(ctx context.Context, task *models.Task, delay time.Duration) error

	// Reserve pops the next task, draining queues in static priority order
	// and by task priority within a queue. Returns (nil, nil) when idle.
	Reserve(ctx context.Context) (*models.Task, error)

	// Requeue re-enqueues a task for retry after delay, preserving its id
	Requeue(ctx context.Context, task *models.Task, delay time.Duration) error

	// MoveDue promotes delayed tasks whose ETA has passed onto their queues
	MoveDue(ctx context.Context) (int64, error)

	// SetStatus records a task status transition with optional result/error
	SetStatus(ctx context.Context, taskID string, status models.TaskStatus, result any, errMsg string) error

	// GetInfo returns the task's status view; NotFound after retention
	GetInfo(ctx context.Context, taskID string) (*models.TaskInfo, error)

	// Revoke marks a task REVOKED and removes it from its queue if still
	// queued. Returns false when the task is already terminal or unknown.
	Revoke(ctx context.Context, taskID string) (bool, error)

	// Purge drops all queued tasks from a queue and returns the count
	Purge(ctx context.Context, queue string) (int64, error)

	// QueueDepths returns the number of queued tasks per queue
	QueueDepths(ctx context.Context) (map[string]int64, error)

	// Health checks broker connectivity
	Health(ctx context.Context) error

	// Close releases broker resources, draining outstanding writes
	Close() error
}

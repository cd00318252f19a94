package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trellishq/trellis/common/models"
)

type queuedTask struct {
	task *models.Task
	seq  int64
	eta  time.Time
}

// MemoryBroker implements the broker contract in-process. It backs hermetic
// tests and single-binary deployments where Redis is not available; the
// ordering semantics match the Redis broker exactly.
type MemoryBroker struct {
	mu      sync.Mutex
	queues  map[string][]*queuedTask
	delayed []*queuedTask
	info    map[string]*models.TaskInfo
	seq     int64
	closed  bool
	logger  Logger
}

// NewMemoryBroker creates an in-memory broker
func NewMemoryBroker(logger Logger) *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string][]*queuedTask),
		info:   make(map[string]*models.TaskInfo),
		logger: logger,
	}
}

// Submit enqueues a task and records its metadata
func (b *MemoryBroker) Submit(ctx context.Context, task *models.Task, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.info[task.ID] = &models.TaskInfo{
		ID:         task.ID,
		Name:       task.Name,
		Queue:      task.Queue,
		Status:     models.TaskPending,
		RetryCount: task.RetryCount,
	}
	b.enqueueLocked(task, delay)
	return nil
}

// Requeue re-enqueues a retry attempt under the same task id
func (b *MemoryBroker) Requeue(ctx context.Context, task *models.Task, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if info, ok := b.info[task.ID]; ok {
		info.Status = models.TaskRetry
		info.RetryCount = task.RetryCount
	}
	b.enqueueLocked(task, delay)
	return nil
}

func (b *MemoryBroker) enqueueLocked(task *models.Task, delay time.Duration) {
	b.seq++
	qt := &queuedTask{task: task, seq: b.seq}

	if delay > 0 {
		qt.eta = time.Now().Add(delay)
		b.delayed = append(b.delayed, qt)
		return
	}
	if task.ETA != nil && task.ETA.After(time.Now()) {
		qt.eta = *task.ETA
		b.delayed = append(b.delayed, qt)
		return
	}

	name := task.Queue
	b.queues[name] = append(b.queues[name], qt)
	sort.SliceStable(b.queues[name], func(i, j int) bool {
		a, c := b.queues[name][i], b.queues[name][j]
		if a.task.Priority != c.task.Priority {
			return a.task.Priority > c.task.Priority
		}
		return a.seq < c.seq
	})
}

// Reserve pops the next task, draining queues in static priority order
func (b *MemoryBroker) Reserve(ctx context.Context) (*models.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range models.QueueDrainOrder {
		q := b.queues[name]
		if len(q) == 0 {
			continue
		}
		qt := q[0]
		b.queues[name] = q[1:]
		return qt.task, nil
	}
	return nil, nil
}

// MoveDue promotes delayed tasks whose ETA has passed onto their queues
func (b *MemoryBroker) MoveDue(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var remaining []*queuedTask
	var moved int64
	for _, qt := range b.delayed {
		if qt.eta.After(now) {
			remaining = append(remaining, qt)
			continue
		}
		b.enqueueLocked(qt.task, 0)
		moved++
	}
	b.delayed = remaining
	return moved, nil
}

// SetStatus records a status transition; terminal statuses are sticky
func (b *MemoryBroker) SetStatus(ctx context.Context, taskID string, status models.TaskStatus, result any, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, ok := b.info[taskID]
	if !ok {
		return models.NewNotFound("task", taskID)
	}
	if info.Status.IsTerminal() {
		return nil
	}
	info.Status = status
	if result != nil {
		info.Result = result
	}
	if errMsg != "" {
		info.Error = errMsg
	}
	return nil
}

// GetInfo returns the task status view
func (b *MemoryBroker) GetInfo(ctx context.Context, taskID string) (*models.TaskInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, ok := b.info[taskID]
	if !ok {
		return nil, models.NewNotFound("task", taskID)
	}
	copied := *info
	return &copied, nil
}

// Revoke marks a task REVOKED and removes it from its queue
func (b *MemoryBroker) Revoke(ctx context.Context, taskID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, ok := b.info[taskID]
	if !ok || info.Status.IsTerminal() {
		return false, nil
	}

	b.removeQueuedLocked(taskID)
	info.Status = models.TaskRevoked
	return true, nil
}

func (b *MemoryBroker) removeQueuedLocked(taskID string) {
	for name, q := range b.queues {
		for i, qt := range q {
			if qt.task.ID == taskID {
				b.queues[name] = append(q[:i], q[i+1:]...)
				return
			}
		}
	}
	for i, qt := range b.delayed {
		if qt.task.ID == taskID {
			b.delayed = append(b.delayed[:i], b.delayed[i+1:]...)
			return
		}
	}
}

// Purge drops all queued tasks from a queue
func (b *MemoryBroker) Purge(ctx context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	purged := int64(len(b.queues[queue]))
	for _, qt := range b.queues[queue] {
		if info, ok := b.info[qt.task.ID]; ok && !info.Status.IsTerminal() {
			info.Status = models.TaskRevoked
		}
	}
	b.queues[queue] = nil
	return purged, nil
}

// QueueDepths returns the queued task count per queue
func (b *MemoryBroker) QueueDepths(ctx context.Context) (map[string]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	depths := make(map[string]int64, len(models.QueueDrainOrder))
	for _, name := range models.QueueDrainOrder {
		depths[name] = int64(len(b.queues[name]))
	}
	return depths, nil
}

// Health always succeeds for the in-memory broker
func (b *MemoryBroker) Health(ctx context.Context) error {
	return nil
}

// Close drops all broker state
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues = make(map[string][]*queuedTask)
	b.delayed = nil
	b.closed = true
	return nil
}

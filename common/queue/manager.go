package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/trellishq/trellis/common/metrics"
	"github.com/trellishq/trellis/common/models"
)

// Handler processes one task and returns the uniform result shape. A
// returned Transient error requeues the task per its retry policy; any
// other error (or a "failed" result) makes the task FAILURE.
type Handler func(ctx context.Context, task *models.Task) (*models.TaskResult, error)

// SubmitOptions carries the optional knobs of a task submission
type SubmitOptions struct {
	Priority    int
	Queue       string
	Countdown   time.Duration
	ETA         *time.Time
	Expires     *time.Time
	RetryPolicy *models.TaskRetryPolicy
	SubmittedBy string
}

// WorkerStats is the operational view of the manager
type WorkerStats struct {
	Concurrency int   `json:"concurrency"`
	InFlight    int64 `json:"in_flight"`
	Started     int64 `json:"started"`
	Succeeded   int64 `json:"succeeded"`
	Failed      int64 `json:"failed"`
	Retried     int64 `json:"retried"`
}

// Manager routes submitted tasks to registered handlers with bounded
// concurrency. It decouples run initiation from execution: submission
// returns a task id immediately, workers drain queues in static priority
// order.
type Manager struct {
	broker       Broker
	logger       Logger
	metrics      *metrics.Metrics
	sem          *semaphore.Weighted
	concurrency  int64
	pollInterval time.Duration
	defaultQueue string

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	cancelMu sync.Mutex
	running  map[string]context.CancelFunc

	statsMu sync.Mutex
	stats   WorkerStats

	wg sync.WaitGroup
}

// NewManager creates a worker manager over the given broker
func NewManager(broker Broker, logger Logger, m *metrics.Metrics, concurrency int, pollInterval time.Duration) *Manager {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	if m == nil {
		m = metrics.NewWithRegistry(prometheus.NewRegistry())
	}
	return &Manager{
		broker:       broker,
		logger:       logger,
		metrics:      m,
		sem:          semaphore.NewWeighted(int64(concurrency)),
		concurrency:  int64(concurrency),
		pollInterval: pollInterval,
		defaultQueue: models.QueueWorkflow,
		handlers:     make(map[string]Handler),
		running:      make(map[string]context.CancelFunc),
		stats:        WorkerStats{Concurrency: concurrency},
	}
}

// RegisterHandler binds a task name to its handler
func (m *Manager) RegisterHandler(name string, handler Handler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handlers[name] = handler
	m.logger.Debug("task handler registered", "task", name)
}

// SubmitTask enqueues a named task and returns its id. Every submission
// gets a fresh id; there is no dedup across submissions.
func (m *Manager) SubmitTask(ctx context.Context, name string, args []any, kwargs map[string]any, opts SubmitOptions) (string, error) {
	queueName := opts.Queue
	if queueName == "" {
		queueName = m.defaultQueue
	}
	if _, ok := models.QueuePriorities[queueName]; !ok {
		return "", &models.InvalidStateError{
			Entity:  "queue",
			ID:      queueName,
			Message: fmt.Sprintf("unknown queue '%s'", queueName),
		}
	}

	priority := opts.Priority
	if priority == 0 {
		priority = models.DefaultPriority
	}
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}

	policy := models.DefaultTaskRetryPolicy
	if opts.RetryPolicy != nil {
		policy = *opts.RetryPolicy
	}

	task := &models.Task{
		ID:          uuid.New().String(),
		Name:        name,
		Queue:       queueName,
		Args:        args,
		Kwargs:      kwargs,
		Priority:    priority,
		ETA:         opts.ETA,
		Expires:     opts.Expires,
		RetryPolicy: policy,
		SubmittedAt: time.Now().UTC(),
		SubmittedBy: opts.SubmittedBy,
	}

	if err := m.broker.Submit(ctx, task, opts.Countdown); err != nil {
		return "", fmt.Errorf("failed to submit task %s: %w", name, err)
	}

	m.metrics.TaskSubmitted(queueName, name)
	m.logger.Debug("task submitted", "task_id", task.ID, "task", name, "queue", queueName, "priority", priority)
	return task.ID, nil
}

// GetTaskStatus returns the task's status view
func (m *Manager) GetTaskStatus(ctx context.Context, taskID string) (*models.TaskInfo, error) {
	return m.broker.GetInfo(ctx, taskID)
}

// CancelTask revokes a queued task. With terminate, a currently running
// handler's context is cancelled as well.
func (m *Manager) CancelTask(ctx context.Context, taskID string, terminate bool) (bool, error) {
	revoked, err := m.broker.Revoke(ctx, taskID)
	if err != nil {
		return false, err
	}

	if terminate {
		m.cancelMu.Lock()
		cancel, inFlight := m.running[taskID]
		m.cancelMu.Unlock()
		if inFlight {
			cancel()
			return true, nil
		}
	}
	return revoked, nil
}

// PurgeQueue drops all queued tasks from a queue
func (m *Manager) PurgeQueue(ctx context.Context, queue string) (int64, error) {
	n, err := m.broker.Purge(ctx, queue)
	if err != nil {
		return 0, err
	}
	m.logger.Info("queue purged", "queue", queue, "tasks", n)
	return n, nil
}

// GetQueueStats returns the queued task count per queue
func (m *Manager) GetQueueStats(ctx context.Context) (map[string]int64, error) {
	depths, err := m.broker.QueueDepths(ctx)
	if err != nil {
		return nil, err
	}
	for queue, depth := range depths {
		m.metrics.SetQueueDepth(queue, depth)
	}
	return depths, nil
}

// GetWorkerStats returns the manager's operational counters
func (m *Manager) GetWorkerStats() WorkerStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// HealthCheck reports broker connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.broker.Health(ctx)
}

// Start runs the polling loop until ctx is cancelled. Each reserved task
// runs on its own goroutine under the concurrency semaphore, so a blocked
// handler never starves other tasks.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("worker manager started", "concurrency", m.concurrency, "poll_interval", m.pollInterval)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("worker manager stopping")
			return
		case <-ticker.C:
		}

		if _, err := m.broker.MoveDue(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("failed to move due tasks", "error", err)
		}

		for {
			if err := m.sem.Acquire(ctx, 1); err != nil {
				return
			}

			task, err := m.broker.Reserve(ctx)
			if err != nil {
				m.sem.Release(1)
				if ctx.Err() == nil {
					m.logger.Warn("failed to reserve task", "error", err)
				}
				break
			}
			if task == nil {
				m.sem.Release(1)
				break
			}

			m.wg.Add(1)
			go func(task *models.Task) {
				defer m.wg.Done()
				defer m.sem.Release(1)
				m.runTask(ctx, task)
			}(task)
		}
	}
}

// Drain waits for in-flight handlers to finish
func (m *Manager) Drain() {
	m.wg.Wait()
}

func (m *Manager) runTask(ctx context.Context, task *models.Task) {
	log := m.logger
	start := time.Now()

	info, err := m.broker.GetInfo(ctx, task.ID)
	if err == nil && info.Status.IsTerminal() {
		// Revoked while queued, or a redelivery after a terminal status
		log.Debug("skipping terminal task", "task_id", task.ID, "status", info.Status)
		return
	}

	if task.Expires != nil && time.Now().After(*task.Expires) {
		log.Info("task expired before execution", "task_id", task.ID, "task", task.Name)
		m.setStatus(ctx, task, models.TaskRevoked, nil, "expired")
		m.metrics.TaskFinished(task.Queue, string(models.TaskRevoked), time.Since(start))
		return
	}

	m.handlerMu.RLock()
	handler, ok := m.handlers[task.Name]
	m.handlerMu.RUnlock()
	if !ok {
		log.Error("no handler for task", "task_id", task.ID, "task", task.Name)
		m.setStatus(ctx, task, models.TaskFailure, nil, fmt.Sprintf("no handler registered for '%s'", task.Name))
		m.metrics.TaskFinished(task.Queue, string(models.TaskFailure), time.Since(start))
		return
	}

	m.setStatus(ctx, task, models.TaskStarted, nil, "")
	m.bumpStats(func(s *WorkerStats) { s.Started++; s.InFlight++ })
	defer m.bumpStats(func(s *WorkerStats) { s.InFlight-- })

	taskCtx, cancel := context.WithCancel(ctx)
	m.cancelMu.Lock()
	m.running[task.ID] = cancel
	m.cancelMu.Unlock()
	defer func() {
		cancel()
		m.cancelMu.Lock()
		delete(m.running, task.ID)
		m.cancelMu.Unlock()
	}()

	result, err := handler(taskCtx, task)
	duration := time.Since(start)

	switch {
	case err != nil && models.IsTransient(err) && task.RetryCount < task.RetryPolicy.MaxRetries:
		task.RetryCount++
		backoff := task.RetryPolicy.Backoff(task.RetryCount)
		log.Warn("task failed transiently, requeueing",
			"task_id", task.ID, "task", task.Name, "attempt", task.RetryCount, "backoff", backoff, "error", err)
		if rqErr := m.broker.Requeue(ctx, task, backoff); rqErr != nil {
			log.Error("failed to requeue task", "task_id", task.ID, "error", rqErr)
			m.setStatus(ctx, task, models.TaskFailure, nil, rqErr.Error())
			m.metrics.TaskFinished(task.Queue, string(models.TaskFailure), duration)
			m.bumpStats(func(s *WorkerStats) { s.Failed++ })
			return
		}
		m.bumpStats(func(s *WorkerStats) { s.Retried++ })
		m.metrics.TaskFinished(task.Queue, string(models.TaskRetry), duration)

	case err != nil:
		log.Error("task failed", "task_id", task.ID, "task", task.Name, "error", err)
		m.setStatus(ctx, task, models.TaskFailure, nil, err.Error())
		m.metrics.TaskFinished(task.Queue, string(models.TaskFailure), duration)
		m.bumpStats(func(s *WorkerStats) { s.Failed++ })

	case result != nil && result.Status == "failed":
		log.Warn("task reported failure", "task_id", task.ID, "task", task.Name, "error", result.Error)
		m.setStatus(ctx, task, models.TaskFailure, result.Data, result.Error)
		m.metrics.TaskFinished(task.Queue, string(models.TaskFailure), duration)
		m.bumpStats(func(s *WorkerStats) { s.Failed++ })

	default:
		var data any
		if result != nil {
			data = result.Data
		}
		m.setStatus(ctx, task, models.TaskSuccess, data, "")
		m.metrics.TaskFinished(task.Queue, string(models.TaskSuccess), duration)
		m.bumpStats(func(s *WorkerStats) { s.Succeeded++ })
		log.Debug("task succeeded", "task_id", task.ID, "task", task.Name, "duration", duration)
	}
}

func (m *Manager) setStatus(ctx context.Context, task *models.Task, status models.TaskStatus, result any, errMsg string) {
	// Status writes survive handler-context cancellation
	if err := m.broker.SetStatus(context.WithoutCancel(ctx), task.ID, status, result, errMsg); err != nil {
		m.logger.Warn("failed to record task status", "task_id", task.ID, "status", status, "error", err)
	}
}

func (m *Manager) bumpStats(fn func(*WorkerStats)) {
	m.statsMu.Lock()
	fn(&m.stats)
	m.statsMu.Unlock()
}

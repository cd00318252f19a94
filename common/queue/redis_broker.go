package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/trellishq/trellis/common/models"
	"github.com/trellishq/trellis/common/redis"
)

// Sorted-set score layout: priority occupies the high bits, a monotonic
// sequence the low bits (negated), so ZPOPMAX yields highest priority first
// and FIFO within a priority.
const prioritySpan = float64(1 << 40)

func queueKey(name string) string { return fmt.Sprintf("queue:%s", name) }
func taskKey(id string) string    { return fmt.Sprintf("task:%s", id) }

const (
	delayedKey = "queue:delayed"
	seqKey     = "queue:seq"
)

// RedisBroker realizes the broker contract on Redis: one sorted set per
// queue, a shared delayed set for countdown/eta/retry, and a metadata hash
// per task with bounded retention.
type RedisBroker struct {
	client    *redis.Client
	logger    Logger
	retention time.Duration
}

// NewRedisBroker creates a Redis-backed broker. retention bounds how long
// task metadata survives after submission.
func NewRedisBroker(client *redis.Client, logger Logger, retention time.Duration) *RedisBroker {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisBroker{
		client:    client,
		logger:    logger,
		retention: retention,
	}
}

// Submit enqueues a task and records its metadata hash
func (b *RedisBroker) Submit(ctx context.Context, task *models.Task, delay time.Duration) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	fields := map[string]interface{}{
		"payload":     string(payload),
		"name":        task.Name,
		"queue":       task.Queue,
		"status":      string(models.TaskPending),
		"retry_count": task.RetryCount,
	}
	if err := b.client.SetHashFields(ctx, taskKey(task.ID), fields); err != nil {
		return err
	}
	if err := b.client.Expire(ctx, taskKey(task.ID), b.retention); err != nil {
		b.logger.Warn("failed to set task retention", "task_id", task.ID, "error", err)
	}

	return b.enqueue(ctx, task, delay)
}

// Requeue re-enqueues a retry attempt under the same task id
func (b *RedisBroker) Requeue(ctx context.Context, task *models.Task, delay time.Duration) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	fields := map[string]interface{}{
		"payload":     string(payload),
		"status":      string(models.TaskRetry),
		"retry_count": task.RetryCount,
	}
	if err := b.client.SetHashFields(ctx, taskKey(task.ID), fields); err != nil {
		return err
	}
	return b.enqueue(ctx, task, delay)
}

func (b *RedisBroker) enqueue(ctx context.Context, task *models.Task, delay time.Duration) error {
	if delay > 0 {
		eta := time.Now().Add(delay)
		return b.client.ZAddWithScore(ctx, delayedKey, float64(eta.UnixMilli()), task.ID)
	}
	if task.ETA != nil && task.ETA.After(time.Now()) {
		return b.client.ZAddWithScore(ctx, delayedKey, float64(task.ETA.UnixMilli()), task.ID)
	}

	seq, err := b.client.Increment(ctx, seqKey)
	if err != nil {
		return err
	}
	score := float64(task.Priority)*prioritySpan - float64(seq)
	return b.client.ZAddWithScore(ctx, queueKey(task.Queue), score, task.ID)
}

// Reserve pops the next task, draining queues in static priority order
func (b *RedisBroker) Reserve(ctx context.Context) (*models.Task, error) {
	for _, name := range models.QueueDrainOrder {
		taskID, ok, err := b.client.ZPopMax(ctx, queueKey(name))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		task, err := b.loadTask(ctx, taskID)
		if err != nil {
			b.logger.Warn("dropping unreadable task", "task_id", taskID, "error", err)
			continue
		}
		return task, nil
	}
	return nil, nil
}

func (b *RedisBroker) loadTask(ctx context.Context, taskID string) (*models.Task, error) {
	payload, found, err := b.client.GetHashField(ctx, taskKey(taskID), "payload")
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, models.NewNotFound("task", taskID)
	}

	task := &models.Task{}
	if err := json.Unmarshal([]byte(payload), task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task %s: %w", taskID, err)
	}
	return task, nil
}

// MoveDue promotes delayed tasks whose ETA has passed onto their queues
func (b *RedisBroker) MoveDue(ctx context.Context) (int64, error) {
	now := float64(time.Now().UnixMilli())
	due, err := b.client.ZRangeByScoreUpTo(ctx, delayedKey, now, 100)
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, taskID := range due {
		removed, err := b.client.ZRem(ctx, delayedKey, taskID)
		if err != nil {
			return moved, err
		}
		if !removed {
			// Another mover claimed it
			continue
		}

		task, err := b.loadTask(ctx, taskID)
		if err != nil {
			b.logger.Warn("dropping expired delayed task", "task_id", taskID, "error", err)
			continue
		}

		seq, err := b.client.Increment(ctx, seqKey)
		if err != nil {
			return moved, err
		}
		score := float64(task.Priority)*prioritySpan - float64(seq)
		if err := b.client.ZAddWithScore(ctx, queueKey(task.Queue), score, task.ID); err != nil {
			return moved, err
		}
		moved++
	}

	return moved, nil
}

// SetStatus records a status transition. Terminal statuses are sticky:
// a transition away from SUCCESS/FAILURE/REVOKED is ignored.
func (b *RedisBroker) SetStatus(ctx context.Context, taskID string, status models.TaskStatus, result any, errMsg string) error {
	current, found, err := b.client.GetHashField(ctx, taskKey(taskID), "status")
	if err != nil {
		return err
	}
	if found && models.TaskStatus(current).IsTerminal() {
		b.logger.Debug("ignoring status write to terminal task", "task_id", taskID, "status", status)
		return nil
	}

	fields := map[string]interface{}{"status": string(status)}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal task result: %w", err)
		}
		fields["result"] = string(data)
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	return b.client.SetHashFields(ctx, taskKey(taskID), fields)
}

// GetInfo returns the task status view built from the metadata hash
func (b *RedisBroker) GetInfo(ctx context.Context, taskID string) (*models.TaskInfo, error) {
	fields, err := b.client.GetAllHash(ctx, taskKey(taskID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, models.NewNotFound("task", taskID)
	}

	info := &models.TaskInfo{
		ID:     taskID,
		Name:   fields["name"],
		Queue:  fields["queue"],
		Status: models.TaskStatus(fields["status"]),
		Error:  fields["error"],
	}
	if raw, ok := fields["retry_count"]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			info.RetryCount = n
		}
	}
	if raw, ok := fields["result"]; ok {
		var result any
		if err := json.Unmarshal([]byte(raw), &result); err == nil {
			info.Result = result
		}
	}
	return info, nil
}

// Revoke marks a task REVOKED and removes it from queue or delayed set
func (b *RedisBroker) Revoke(ctx context.Context, taskID string) (bool, error) {
	info, err := b.GetInfo(ctx, taskID)
	if err != nil {
		if models.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if info.Status.IsTerminal() {
		return false, nil
	}

	if _, err := b.client.ZRem(ctx, queueKey(info.Queue), taskID); err != nil {
		return false, err
	}
	if _, err := b.client.ZRem(ctx, delayedKey, taskID); err != nil {
		return false, err
	}
	if err := b.client.SetHashFields(ctx, taskKey(taskID), map[string]interface{}{
		"status": string(models.TaskRevoked),
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Purge drops all queued tasks from a queue
func (b *RedisBroker) Purge(ctx context.Context, queue string) (int64, error) {
	var purged int64
	for {
		taskID, ok, err := b.client.ZPopMax(ctx, queueKey(queue))
		if err != nil {
			return purged, err
		}
		if !ok {
			return purged, nil
		}
		if err := b.client.SetHashFields(ctx, taskKey(taskID), map[string]interface{}{
			"status": string(models.TaskRevoked),
		}); err != nil {
			b.logger.Warn("failed to mark purged task revoked", "task_id", taskID, "error", err)
		}
		purged++
	}
}

// QueueDepths returns the queued task count per queue
func (b *RedisBroker) QueueDepths(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64, len(models.QueueDrainOrder))
	for _, name := range models.QueueDrainOrder {
		n, err := b.client.ZCard(ctx, queueKey(name))
		if err != nil {
			return nil, err
		}
		depths[name] = n
	}
	return depths, nil
}

// Health checks Redis connectivity
func (b *RedisBroker) Health(ctx context.Context) error {
	return b.client.Ping(ctx)
}

// Close releases the underlying connection
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

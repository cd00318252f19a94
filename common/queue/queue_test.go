package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellishq/trellis/common/models"
	"github.com/trellishq/trellis/common/redis"
)

type testLogger struct{}

func (testLogger) Info(msg string, keysAndValues ...interface{})  {}
func (testLogger) Error(msg string, keysAndValues ...interface{}) {}
func (testLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (testLogger) Debug(msg string, keysAndValues ...interface{}) {}

func newRedisTestBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })
	return NewRedisBroker(redis.NewClient(raw, testLogger{}), testLogger{}, time.Hour)
}

// eachBroker runs a subtest against both broker implementations; their
// ordering semantics must not diverge
func eachBroker(t *testing.T, fn func(t *testing.T, b Broker)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryBroker(testLogger{}))
	})
	t.Run("redis", func(t *testing.T) {
		fn(t, newRedisTestBroker(t))
	})
}

func testTask(id, queue string, priority int) *models.Task {
	return &models.Task{
		ID:          id,
		Name:        models.TaskWorkflowExecute,
		Queue:       queue,
		Priority:    priority,
		RetryPolicy: models.DefaultTaskRetryPolicy,
		SubmittedAt: time.Now().UTC(),
	}
}

func TestBroker_PriorityOrderWithinQueue(t *testing.T) {
	eachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		require.NoError(t, b.Submit(ctx, testTask("low", models.QueueWorkflow, 3), 0))
		require.NoError(t, b.Submit(ctx, testTask("high", models.QueueWorkflow, 9), 0))
		require.NoError(t, b.Submit(ctx, testTask("mid", models.QueueWorkflow, 5), 0))

		var got []string
		for {
			task, err := b.Reserve(ctx)
			require.NoError(t, err)
			if task == nil {
				break
			}
			got = append(got, task.ID)
		}
		assert.Equal(t, []string{"high", "mid", "low"}, got)
	})
}

func TestBroker_FIFOWithinPriority(t *testing.T) {
	eachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, b.Submit(ctx, testTask(fmt.Sprintf("t%d", i), models.QueueWorkflow, 5), 0))
		}

		for i := 0; i < 5; i++ {
			task, err := b.Reserve(ctx)
			require.NoError(t, err)
			require.NotNil(t, task)
			assert.Equal(t, fmt.Sprintf("t%d", i), task.ID)
		}
	})
}

func TestBroker_StaticDrainOrderAcrossQueues(t *testing.T) {
	eachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		// Submitted in reverse drain order, all at the same task priority
		require.NoError(t, b.Submit(ctx, testTask("cleanup", models.QueueSystem, 5), 0))
		require.NoError(t, b.Submit(ctx, testTask("notify", models.QueueNotifications, 5), 0))
		require.NoError(t, b.Submit(ctx, testTask("form", models.QueueForms, 5), 0))
		require.NoError(t, b.Submit(ctx, testTask("run", models.QueueWorkflow, 5), 0))

		var got []string
		for {
			task, err := b.Reserve(ctx)
			require.NoError(t, err)
			if task == nil {
				break
			}
			got = append(got, task.ID)
		}
		assert.Equal(t, []string{"run", "form", "notify", "cleanup"}, got)
	})
}

func TestBroker_DelayedTaskPromotedByMoveDue(t *testing.T) {
	eachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		require.NoError(t, b.Submit(ctx, testTask("later", models.QueueWorkflow, 5), 5*time.Millisecond))

		// Not visible while delayed
		task, err := b.Reserve(ctx)
		require.NoError(t, err)
		assert.Nil(t, task)

		time.Sleep(10 * time.Millisecond)
		moved, err := b.MoveDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), moved)

		task, err = b.Reserve(ctx)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, "later", task.ID)
	})
}

func TestBroker_TerminalStatusIsSticky(t *testing.T) {
	eachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		require.NoError(t, b.Submit(ctx, testTask("t1", models.QueueWorkflow, 5), 0))
		require.NoError(t, b.SetStatus(ctx, "t1", models.TaskSuccess, map[string]any{"ok": true}, ""))

		// A late RETRY write must not reopen the task
		require.NoError(t, b.SetStatus(ctx, "t1", models.TaskRetry, nil, ""))

		info, err := b.GetInfo(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, models.TaskSuccess, info.Status)
	})
}

func TestBroker_RevokeQueuedTask(t *testing.T) {
	eachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		require.NoError(t, b.Submit(ctx, testTask("t1", models.QueueWorkflow, 5), 0))

		revoked, err := b.Revoke(ctx, "t1")
		require.NoError(t, err)
		assert.True(t, revoked)

		info, err := b.GetInfo(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, models.TaskRevoked, info.Status)

		// Already terminal: second revoke reports false
		revoked, err = b.Revoke(ctx, "t1")
		require.NoError(t, err)
		assert.False(t, revoked)

		// Revoked tasks are out of the queue
		task, err := b.Reserve(ctx)
		require.NoError(t, err)
		assert.Nil(t, task)
	})
}

func TestBroker_PurgeDropsQueuedTasks(t *testing.T) {
	eachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			require.NoError(t, b.Submit(ctx, testTask(fmt.Sprintf("f%d", i), models.QueueForms, 5), 0))
		}
		require.NoError(t, b.Submit(ctx, testTask("keep", models.QueueWorkflow, 5), 0))

		purged, err := b.Purge(ctx, models.QueueForms)
		require.NoError(t, err)
		assert.Equal(t, int64(3), purged)

		depths, err := b.QueueDepths(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), depths[models.QueueForms])
		assert.Equal(t, int64(1), depths[models.QueueWorkflow])

		info, err := b.GetInfo(ctx, "f0")
		require.NoError(t, err)
		assert.Equal(t, models.TaskRevoked, info.Status)
	})
}

func newTestManager(t *testing.T) (*Manager, *MemoryBroker) {
	t.Helper()
	broker := NewMemoryBroker(testLogger{})
	return NewManager(broker, testLogger{}, nil, 2, 10*time.Millisecond), broker
}

func TestManager_SubmitRefusesUnknownQueue(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.SubmitTask(context.Background(), models.TaskWorkflowExecute, nil, nil, SubmitOptions{Queue: "no-such-queue"})

	require.Error(t, err)
	assert.True(t, models.IsInvalidState(err))
}

func TestManager_SubmitClampsPriority(t *testing.T) {
	m, broker := newTestManager(t)
	ctx := context.Background()

	_, err := m.SubmitTask(ctx, models.TaskWorkflowExecute, nil, nil, SubmitOptions{Priority: 99})
	require.NoError(t, err)

	task, err := broker.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 10, task.Priority)
}

func TestManager_RunTaskSuccess(t *testing.T) {
	m, broker := newTestManager(t)
	ctx := context.Background()

	var gotKwargs map[string]any
	m.RegisterHandler("test.echo", func(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
		gotKwargs = task.Kwargs
		return &models.TaskResult{Status: "completed", Data: map[string]any{"echo": true}}, nil
	})

	taskID, err := m.SubmitTask(ctx, "test.echo", nil, map[string]any{"run_id": "r-1"}, SubmitOptions{})
	require.NoError(t, err)

	task, err := broker.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	m.runTask(ctx, task)

	assert.Equal(t, map[string]any{"run_id": "r-1"}, gotKwargs)

	info, err := m.GetTaskStatus(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSuccess, info.Status)

	stats := m.GetWorkerStats()
	assert.Equal(t, int64(1), stats.Started)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(0), stats.InFlight)
}

func TestManager_TransientErrorRequeuesUntilSuccess(t *testing.T) {
	m, broker := newTestManager(t)
	ctx := context.Background()

	attempts := 0
	m.RegisterHandler("test.flaky", func(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
		attempts++
		if attempts < 3 {
			return nil, models.NewTransient("broker hiccup", nil)
		}
		return &models.TaskResult{Status: "completed"}, nil
	})

	policy := &models.TaskRetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond, BackoffFactor: 2}
	taskID, err := m.SubmitTask(ctx, "test.flaky", nil, nil, SubmitOptions{RetryPolicy: policy})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		time.Sleep(10 * time.Millisecond)
		_, err := broker.MoveDue(ctx)
		require.NoError(t, err)

		task, err := broker.Reserve(ctx)
		require.NoError(t, err)
		require.NotNil(t, task, "attempt %d", i)
		m.runTask(ctx, task)
	}

	assert.Equal(t, 3, attempts)
	info, err := m.GetTaskStatus(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSuccess, info.Status)
	assert.Equal(t, 2, info.RetryCount)
	assert.Equal(t, int64(2), m.GetWorkerStats().Retried)
}

func TestManager_ExhaustedRetriesFail(t *testing.T) {
	m, broker := newTestManager(t)
	ctx := context.Background()

	m.RegisterHandler("test.down", func(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
		return nil, models.NewTransient("still down", nil)
	})

	policy := &models.TaskRetryPolicy{MaxRetries: 1, InitialBackoff: time.Millisecond, BackoffFactor: 2}
	taskID, err := m.SubmitTask(ctx, "test.down", nil, nil, SubmitOptions{RetryPolicy: policy})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		time.Sleep(10 * time.Millisecond)
		_, err := broker.MoveDue(ctx)
		require.NoError(t, err)

		task, err := broker.Reserve(ctx)
		require.NoError(t, err)
		require.NotNil(t, task, "attempt %d", i)
		m.runTask(ctx, task)
	}

	info, err := m.GetTaskStatus(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailure, info.Status)
}

func TestManager_RevokedTaskIsNotExecuted(t *testing.T) {
	m, broker := newTestManager(t)
	ctx := context.Background()

	executed := false
	m.RegisterHandler("test.noop", func(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
		executed = true
		return &models.TaskResult{Status: "completed"}, nil
	})

	taskID, err := m.SubmitTask(ctx, "test.noop", nil, nil, SubmitOptions{})
	require.NoError(t, err)

	cancelled, err := m.CancelTask(ctx, taskID, false)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// A stale redelivery after revocation is skipped
	if task, _ := broker.Reserve(ctx); task != nil {
		m.runTask(ctx, task)
	}
	assert.False(t, executed)
}

func TestManager_HandlerReportedFailure(t *testing.T) {
	m, broker := newTestManager(t)
	ctx := context.Background()

	m.RegisterHandler("test.reject", func(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
		return &models.TaskResult{Status: "failed", Error: "payload rejected"}, nil
	})

	taskID, err := m.SubmitTask(ctx, "test.reject", nil, nil, SubmitOptions{})
	require.NoError(t, err)

	task, err := broker.Reserve(ctx)
	require.NoError(t, err)
	m.runTask(ctx, task)

	info, err := m.GetTaskStatus(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailure, info.Status)
	assert.Equal(t, "payload rejected", info.Error)
}

func TestManager_UnregisteredTaskFails(t *testing.T) {
	m, broker := newTestManager(t)
	ctx := context.Background()

	taskID, err := m.SubmitTask(ctx, "test.unknown", nil, nil, SubmitOptions{})
	require.NoError(t, err)

	task, err := broker.Reserve(ctx)
	require.NoError(t, err)
	m.runTask(ctx, task)

	info, err := m.GetTaskStatus(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailure, info.Status)
	assert.Contains(t, info.Error, "no handler registered")
}

func TestManager_StartDrainsSubmittedTasks(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan string, 4)
	m.RegisterHandler("test.collect", func(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
		done <- task.ID
		return &models.TaskResult{Status: "completed"}, nil
	})

	var want []string
	for i := 0; i < 4; i++ {
		id, err := m.SubmitTask(ctx, "test.collect", nil, nil, SubmitOptions{})
		require.NoError(t, err)
		want = append(want, id)
	}

	go m.Start(ctx)

	got := map[string]bool{}
	for range want {
		select {
		case id := <-done:
			got[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for tasks to drain")
		}
	}
	cancel()
	m.Drain()

	for _, id := range want {
		assert.True(t, got[id], "task %s not executed", id)
	}
}

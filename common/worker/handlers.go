// Package worker binds the well-known task names to their handlers. The
// worker binary registers all of them; the API binary registers the same set
// when it runs with the in-memory broker.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/trellishq/trellis/common/engine"
	"github.com/trellishq/trellis/common/models"
	"github.com/trellishq/trellis/common/queue"
	"github.com/trellishq/trellis/common/redis"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// StateCleaner is the slice of the state store the cleanup task needs
type StateCleaner interface {
	CleanupExpired(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Deps carries the collaborators the task handlers use
type Deps struct {
	Engine   *engine.Engine
	Store    StateCleaner
	Redis    *redis.Client // nil with the in-memory broker
	Logger   Logger
	StateTTL time.Duration
}

// RegisterAll binds every well-known task name to its handler
func RegisterAll(m *queue.Manager, deps Deps) {
	m.RegisterHandler(models.TaskWorkflowExecute, executeWorkflow(deps))
	m.RegisterHandler(models.TaskFormsProcess, processSubmission(deps))
	m.RegisterHandler(models.TaskIntegrationSync, syncData(deps))
	m.RegisterHandler(models.TaskNotificationSend, sendNotification(deps))
	m.RegisterHandler(models.TaskSystemCleanup, cleanupState(deps))
}

// executeWorkflow claims a PENDING run and drives it to a terminal status.
// Infrastructure failures come back Transient so the task retries; the
// engine's claim guard makes redelivery safe.
func executeWorkflow(deps Deps) queue.Handler {
	return func(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
		runID, ok := task.Kwargs["run_id"].(string)
		if !ok || runID == "" {
			return &models.TaskResult{Status: "failed", Error: "missing run_id"}, nil
		}

		if err := deps.Engine.StartRun(ctx, runID); err != nil {
			if models.IsNotFound(err) {
				return &models.TaskResult{Status: "failed", Error: err.Error()}, nil
			}
			return nil, models.NewTransient(fmt.Sprintf("failed to start run %s", runID), err)
		}
		return &models.TaskResult{Status: "completed", Data: map[string]any{"run_id": runID}}, nil
	}
}

// processSubmission starts a run from a form submission
func processSubmission(deps Deps) queue.Handler {
	return triggeredRun(deps, "form", "submission")
}

// syncData starts a run from an integration payload
func syncData(deps Deps) queue.Handler {
	return triggeredRun(deps, "integration", "payload")
}

// triggeredRun builds a handler that turns an external payload into a run of
// the named workflow
func triggeredRun(deps Deps, source, payloadKey string) queue.Handler {
	return func(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
		workflowID, ok := task.Kwargs["workflow_id"].(string)
		if !ok || workflowID == "" {
			return &models.TaskResult{Status: "failed", Error: "missing workflow_id"}, nil
		}

		triggerData := map[string]any{"source": source}
		if payload, ok := task.Kwargs[payloadKey].(map[string]any); ok {
			triggerData[payloadKey] = payload
		}

		run, err := deps.Engine.ExecuteWorkflow(ctx, workflowID, triggerData, task.SubmittedBy, task.Priority)
		if err != nil {
			if models.IsNotFound(err) || models.IsInvalidState(err) {
				return &models.TaskResult{Status: "failed", Error: err.Error()}, nil
			}
			return nil, models.NewTransient(fmt.Sprintf("failed to execute workflow %s", workflowID), err)
		}
		return &models.TaskResult{Status: "completed", Data: map[string]any{"run_id": run.ID}}, nil
	}
}

// sendNotification delivers a notification onto the outbound stream where
// delivery services consume it
func sendNotification(deps Deps) queue.Handler {
	return func(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
		recipient, _ := task.Kwargs["recipient"].(string)
		message, _ := task.Kwargs["message"].(string)
		if recipient == "" || message == "" {
			return &models.TaskResult{Status: "failed", Error: "recipient and message are required"}, nil
		}

		if deps.Redis == nil {
			// In-memory deployments have no delivery pipeline; log and move on
			deps.Logger.Info("notification", "recipient", recipient, "message", message)
			return &models.TaskResult{Status: "completed"}, nil
		}

		id, err := deps.Redis.AddToStream(ctx, "notifications.outbound", map[string]interface{}{
			"recipient": recipient,
			"message":   message,
			"channel":   task.Kwargs["channel"],
			"queued_at": time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, models.NewTransient("failed to enqueue notification", err)
		}
		return &models.TaskResult{Status: "completed", Data: map[string]any{"stream_id": id}}, nil
	}
}

// cleanupState removes expired durable state rows
func cleanupState(deps Deps) queue.Handler {
	return func(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
		maxAge := deps.StateTTL
		if hours, ok := task.Kwargs["max_age_hours"].(float64); ok && hours > 0 {
			maxAge = time.Duration(hours) * time.Hour
		}
		if maxAge <= 0 {
			maxAge = 24 * time.Hour
		}

		deleted, err := deps.Store.CleanupExpired(ctx, maxAge)
		if err != nil {
			return nil, models.NewTransient("state cleanup failed", err)
		}
		deps.Logger.Info("state cleanup finished", "deleted", deleted, "max_age", maxAge)
		return &models.TaskResult{Status: "completed", Data: map[string]any{"deleted": deleted}}, nil
	}
}

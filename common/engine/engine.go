// Package engine implements the workflow execution engine: lifecycle
// operations over workflow definitions, run creation and claiming, and the
// graph walk that drives node executors through a run.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trellishq/trellis/common/cache"
	"github.com/trellishq/trellis/common/config"
	"github.com/trellishq/trellis/common/dispatch"
	"github.com/trellishq/trellis/common/expression"
	"github.com/trellishq/trellis/common/metrics"
	"github.com/trellishq/trellis/common/models"
	"github.com/trellishq/trellis/common/validation"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// WorkflowRepo is the slice of the workflow repository the engine needs
type WorkflowRepo interface {
	Create(ctx context.Context, wf *models.Workflow) error
	Update(ctx context.Context, wf *models.Workflow) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
}

// RunRepo is the slice of the run repository the engine needs
type RunRepo interface {
	Create(ctx context.Context, run *models.WorkflowRun) error
	GetByID(ctx context.Context, id string) (*models.WorkflowRun, error)
	MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)
	Finalize(ctx context.Context, run *models.WorkflowRun, state *models.WorkflowState) error
}

// NodeExecRepo is the append-only attempt log the engine writes
type NodeExecRepo interface {
	Append(ctx context.Context, ne *models.NodeExecution) error
	Resolve(ctx context.Context, id string, status models.NodeExecutionStatus, output any, errMsg string, completedAt time.Time) error
	ListByRun(ctx context.Context, runID string) ([]*models.NodeExecution, error)
}

// StateStore is the two-tier state manager the engine runs against
type StateStore interface {
	InitWorkflowState(ctx context.Context, runID string, initial, triggerData map[string]any) (*models.WorkflowState, error)
	GetWorkflowState(ctx context.Context, runID string) (*models.WorkflowState, error)
	UpdateWorkflowState(ctx context.Context, runID string, patch map[string]any) (*models.WorkflowState, error)
	SaveNodeOutput(ctx context.Context, runID, nodeID string, output any) error
	GetNodeInput(ctx context.Context, runID, nodeID string) (*models.NodeInput, error)
	AddExecutionStep(ctx context.Context, runID, nodeID string, data any) error
	CleanupRun(ctx context.Context, runID string) error
}

// NodeDispatcher resolves node types to executors.
// dispatch.Dispatcher satisfies it.
type NodeDispatcher interface {
	Dispatch(ctx context.Context, nodeType string, config map[string]any, input *models.NodeInput) (any, error)
	RetryPolicyFor(nodeType string) dispatch.RetryPolicy
}

// Scheduler hands a freshly created run off for execution. The API binary
// submits a queue task; tests and single-process setups start the run
// directly.
type Scheduler interface {
	ScheduleRun(ctx context.Context, run *models.WorkflowRun) error
}

// SchedulerFunc adapts a plain function to the Scheduler interface
type SchedulerFunc func(ctx context.Context, run *models.WorkflowRun) error

// ScheduleRun implements Scheduler
func (f SchedulerFunc) ScheduleRun(ctx context.Context, run *models.WorkflowRun) error {
	return f(ctx, run)
}

// Engine coordinates workflow lifecycle and run execution
type Engine struct {
	workflows  WorkflowRepo
	runs       RunRepo
	nodeExecs  NodeExecRepo
	store      StateStore
	dispatcher NodeDispatcher
	validator  *validation.Validator
	evaluator  *expression.Evaluator
	scheduler  Scheduler
	events     EventPublisher
	metrics    *metrics.Metrics
	logger     Logger
	cfg        config.EngineConfig

	defCache *cache.Cache

	mu         sync.Mutex
	activeRuns map[string]context.CancelFunc
}

// Deps bundles the engine's collaborators
type Deps struct {
	Workflows  WorkflowRepo
	Runs       RunRepo
	NodeExecs  NodeExecRepo
	Store      StateStore
	Dispatcher NodeDispatcher
	Validator  *validation.Validator
	Evaluator  *expression.Evaluator
	Scheduler  Scheduler
	Events     EventPublisher
	Metrics    *metrics.Metrics
	Logger     Logger
}

// New creates an execution engine
func New(cfg config.EngineConfig, deps Deps) *Engine {
	events := deps.Events
	if events == nil {
		events = NopPublisher{}
	}
	return &Engine{
		workflows:  deps.Workflows,
		runs:       deps.Runs,
		nodeExecs:  deps.NodeExecs,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		validator:  deps.Validator,
		evaluator:  deps.Evaluator,
		scheduler:  deps.Scheduler,
		events:     events,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
		defCache:   cache.New(5 * time.Minute),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Close releases engine-held resources
func (e *Engine) Close() {
	e.defCache.Close()
}

// CreateWorkflow validates a definition and saves it as version 1 in DRAFT
func (e *Engine) CreateWorkflow(ctx context.Context, name, description string, def models.Definition, createdBy string) (*models.Workflow, error) {
	if result := e.validator.Validate(&def); !result.Valid {
		return nil, &models.ValidationError{Errors: result.Errors}
	}

	now := time.Now().UTC()
	wf := &models.Workflow{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Version:     1,
		Definition:  def,
		Status:      models.WorkflowDraft,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.workflows.Create(ctx, wf); err != nil {
		return nil, err
	}

	e.logger.Info("workflow created", "workflow_id", wf.ID, "name", name, "created_by", createdBy)
	return wf, nil
}

// UpdateWorkflow replaces a workflow's definition, bumping its version.
// Archived workflows are immutable.
func (e *Engine) UpdateWorkflow(ctx context.Context, id, name, description string, def models.Definition) (*models.Workflow, error) {
	wf, err := e.workflows.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status == models.WorkflowArchived {
		return nil, &models.InvalidStateError{
			Entity: "workflow", ID: id, State: string(wf.Status),
			Message: fmt.Sprintf("workflow %s is archived and cannot be updated", id),
		}
	}

	if result := e.validator.Validate(&def); !result.Valid {
		return nil, &models.ValidationError{Errors: result.Errors}
	}

	if name != "" {
		wf.Name = name
	}
	if description != "" {
		wf.Description = description
	}
	wf.Definition = def
	wf.Version++
	wf.UpdatedAt = time.Now().UTC()

	if err := e.workflows.Update(ctx, wf); err != nil {
		return nil, err
	}
	e.defCache.Delete(id)

	e.logger.Info("workflow updated", "workflow_id", id, "version", wf.Version)
	return wf, nil
}

// ActivateWorkflow transitions DRAFT to ACTIVE after re-validating
func (e *Engine) ActivateWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := e.workflows.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch wf.Status {
	case models.WorkflowActive:
		return wf, nil
	case models.WorkflowArchived:
		return nil, &models.InvalidStateError{
			Entity: "workflow", ID: id, State: string(wf.Status),
			Message: fmt.Sprintf("workflow %s is archived and cannot be activated", id),
		}
	}

	// Definitions can only be saved valid, but the rule set may have
	// tightened since; activation is the last gate before execution
	if result := e.validator.Validate(&wf.Definition); !result.Valid {
		return nil, &models.ValidationError{Errors: result.Errors}
	}

	wf.Status = models.WorkflowActive
	wf.UpdatedAt = time.Now().UTC()
	if err := e.workflows.Update(ctx, wf); err != nil {
		return nil, err
	}
	e.defCache.Delete(id)

	e.logger.Info("workflow activated", "workflow_id", id)
	return wf, nil
}

// ArchiveWorkflow transitions a workflow to ARCHIVED. Runs already in flight
// finish; new runs are refused.
func (e *Engine) ArchiveWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := e.workflows.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status == models.WorkflowArchived {
		return wf, nil
	}

	wf.Status = models.WorkflowArchived
	wf.UpdatedAt = time.Now().UTC()
	if err := e.workflows.Update(ctx, wf); err != nil {
		return nil, err
	}
	e.defCache.Delete(id)

	e.logger.Info("workflow archived", "workflow_id", id)
	return wf, nil
}

// ExecuteWorkflow creates a PENDING run for an active workflow and hands it
// to the scheduler. The run executes when a worker claims it via StartRun.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, triggerData map[string]any, startedBy string, priority int) (*models.WorkflowRun, error) {
	wf, err := e.getWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.CanExecute() {
		return nil, &models.InvalidStateError{
			Entity: "workflow", ID: workflowID, State: string(wf.Status),
			Message: fmt.Sprintf("workflow %s is %s, only ACTIVE workflows can execute", workflowID, wf.Status),
		}
	}

	if priority < 1 || priority > 10 {
		priority = models.DefaultPriority
	}

	run := &models.WorkflowRun{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		Status:      models.RunPending,
		TriggerData: triggerData,
		StartedBy:   startedBy,
		Priority:    priority,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	if err := e.scheduler.ScheduleRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to schedule run %s: %w", run.ID, err)
	}

	e.logger.Info("run scheduled", "run_id", run.ID, "workflow_id", workflowID, "priority", priority)
	return run, nil
}

// StartRun claims a PENDING run and executes its graph to a terminal status.
// A run that is not PENDING is treated as an already-claimed redelivery and
// ignored.
func (e *Engine) StartRun(ctx context.Context, runID string) error {
	run, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}

	startedAt := time.Now().UTC()
	claimed, err := e.runs.MarkRunning(ctx, runID, startedAt)
	if err != nil {
		return err
	}
	if !claimed {
		e.logger.Warn("run already claimed, ignoring", "run_id", runID, "status", run.Status)
		return nil
	}
	run.Status = models.RunRunning
	run.StartedAt = &startedAt

	wf, err := e.getWorkflow(ctx, run.WorkflowID)
	if err != nil {
		// Claimed but cannot load the definition: fail the run rather
		// than leave it RUNNING forever
		e.finalize(ctx, run, nil, models.RunFailed, &models.RunError{
			Code:    string(models.CodeInternal),
			Message: fmt.Sprintf("failed to load workflow: %v", err),
		})
		return err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.runTimeout())
	defer cancel()
	e.trackRun(runID, cancel)
	defer e.untrackRun(runID)

	if e.metrics != nil {
		e.metrics.RunStarted()
	}
	e.events.Publish(ctx, RunEvent{Type: EventRunStarted, RunID: runID, WorkflowID: wf.ID})
	e.logger.Info("run started", "run_id", runID, "workflow_id", wf.ID, "nodes", len(wf.Definition.Nodes))

	return e.executeGraph(runCtx, run, wf)
}

// StopWorkflow requests cancellation of a run. A PENDING run is finalized
// CANCELLED immediately; a RUNNING run is cancelled cooperatively at its
// next node boundary; terminal runs are refused.
func (e *Engine) StopWorkflow(ctx context.Context, runID string) error {
	run, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return &models.InvalidStateError{
			Entity: "run", ID: runID, State: string(run.Status),
			Message: fmt.Sprintf("run %s is already %s", runID, run.Status),
		}
	}

	if run.Status == models.RunPending {
		run.Status = models.RunCancelled
		e.finalize(ctx, run, nil, models.RunCancelled, &models.RunError{
			Code:    string(models.CodeCancelled),
			Message: "cancelled before start",
		})
		e.events.Publish(ctx, RunEvent{Type: EventRunCancelled, RunID: runID, WorkflowID: run.WorkflowID})
		return nil
	}

	e.mu.Lock()
	cancel, ok := e.activeRuns[runID]
	e.mu.Unlock()
	if !ok {
		// Running on another instance; the cancel flag in state lets
		// that instance observe the request at its next boundary
		if _, err := e.store.UpdateWorkflowState(ctx, runID, map[string]any{
			"variables": map[string]any{cancelRequestedVar: true},
		}); err != nil {
			return fmt.Errorf("failed to flag cancellation for run %s: %w", runID, err)
		}
		e.logger.Info("cancellation flagged for remote run", "run_id", runID)
		return nil
	}

	cancel()
	e.logger.Info("run cancellation requested", "run_id", runID)
	return nil
}

// RetryRun creates a fresh PENDING run from a FAILED or CANCELLED one,
// reusing its trigger data. The original run stays untouched.
func (e *Engine) RetryRun(ctx context.Context, runID, requestedBy string) (*models.WorkflowRun, error) {
	run, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.CanRetry() {
		return nil, &models.InvalidStateError{
			Entity: "run", ID: runID, State: string(run.Status),
			Message: fmt.Sprintf("run %s is %s, only FAILED or CANCELLED runs can be retried", runID, run.Status),
		}
	}

	return e.ExecuteWorkflow(ctx, run.WorkflowID, run.TriggerData, requestedBy, run.Priority)
}

// getWorkflow reads a workflow through the definition cache
func (e *Engine) getWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	if cached, ok := e.defCache.Get(id); ok {
		if wf, ok := cached.(*models.Workflow); ok {
			return wf, nil
		}
	}
	wf, err := e.workflows.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	e.defCache.Set(id, wf)
	return wf, nil
}

func (e *Engine) trackRun(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.activeRuns[runID] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrackRun(runID string) {
	e.mu.Lock()
	delete(e.activeRuns, runID)
	e.mu.Unlock()
}

func (e *Engine) runTimeout() time.Duration {
	if e.cfg.RunTimeout > 0 {
		return e.cfg.RunTimeout
	}
	return time.Hour
}

func (e *Engine) nodeTimeout() time.Duration {
	if e.cfg.NodeTimeout > 0 {
		return e.cfg.NodeTimeout
	}
	return 5 * time.Minute
}

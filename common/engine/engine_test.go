package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellishq/trellis/common/config"
	"github.com/trellishq/trellis/common/dispatch"
	"github.com/trellishq/trellis/common/expression"
	"github.com/trellishq/trellis/common/models"
	"github.com/trellishq/trellis/common/validation"
)

type testLogger struct{}

func (testLogger) Info(msg string, keysAndValues ...interface{})  {}
func (testLogger) Error(msg string, keysAndValues ...interface{}) {}
func (testLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (testLogger) Debug(msg string, keysAndValues ...interface{}) {}

// memWorkflows is an in-memory WorkflowRepo
type memWorkflows struct {
	mu  sync.Mutex
	byID map[string]*models.Workflow
}

func newMemWorkflows() *memWorkflows {
	return &memWorkflows{byID: make(map[string]*models.Workflow)}
}

func (r *memWorkflows) Create(ctx context.Context, wf *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[wf.ID] = wf
	return nil
}

func (r *memWorkflows) Update(ctx context.Context, wf *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[wf.ID]; !ok {
		return models.NewNotFound("workflow", wf.ID)
	}
	r.byID[wf.ID] = wf
	return nil
}

func (r *memWorkflows) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.byID[id]
	if !ok {
		return nil, models.NewNotFound("workflow", id)
	}
	return wf, nil
}

// memRuns is an in-memory RunRepo with the same status-guarded claim the
// durable repository uses
type memRuns struct {
	mu   sync.Mutex
	byID map[string]*models.WorkflowRun
}

func newMemRuns() *memRuns {
	return &memRuns{byID: make(map[string]*models.WorkflowRun)}
}

func (r *memRuns) Create(ctx context.Context, run *models.WorkflowRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *run
	r.byID[run.ID] = &clone
	return nil
}

func (r *memRuns) GetByID(ctx context.Context, id string) (*models.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.byID[id]
	if !ok {
		return nil, models.NewNotFound("run", id)
	}
	clone := *run
	return &clone, nil
}

func (r *memRuns) MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.byID[id]
	if !ok {
		return false, models.NewNotFound("run", id)
	}
	if run.Status != models.RunPending {
		return false, nil
	}
	run.Status = models.RunRunning
	run.StartedAt = &startedAt
	return true, nil
}

func (r *memRuns) Finalize(ctx context.Context, run *models.WorkflowRun, state *models.WorkflowState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *run
	r.byID[run.ID] = &clone
	return nil
}

// memNodeExecs is an in-memory append-only attempt log
type memNodeExecs struct {
	mu   sync.Mutex
	rows []*models.NodeExecution
}

func (r *memNodeExecs) Append(ctx context.Context, ne *models.NodeExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *ne
	r.rows = append(r.rows, &clone)
	return nil
}

func (r *memNodeExecs) Resolve(ctx context.Context, id string, status models.NodeExecutionStatus, output any, errMsg string, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.Status = status
			row.OutputData = output
			row.Error = errMsg
			row.CompletedAt = &completedAt
			return nil
		}
	}
	return models.NewNotFound("node_execution", id)
}

func (r *memNodeExecs) ListByRun(ctx context.Context, runID string) ([]*models.NodeExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.NodeExecution
	for _, row := range r.rows {
		if row.WorkflowRunID == runID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *memNodeExecs) forNode(runID, nodeID string) []*models.NodeExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.NodeExecution
	for _, row := range r.rows {
		if row.WorkflowRunID == runID && row.NodeID == nodeID {
			out = append(out, row)
		}
	}
	return out
}

// memStore is an in-memory StateStore
type memStore struct {
	mu     sync.Mutex
	states map[string]*models.WorkflowState
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]*models.WorkflowState)}
}

func (s *memStore) InitWorkflowState(ctx context.Context, runID string, initial, triggerData map[string]any) (*models.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	variables := map[string]any{}
	for k, v := range initial {
		variables[k] = v
	}
	state := &models.WorkflowState{
		RunID:       runID,
		Status:      string(models.RunRunning),
		StartedAt:   time.Now().UTC(),
		Variables:   variables,
		NodeOutputs: map[string]any{},
		TriggerData: triggerData,
		UpdatedAt:   time.Now().UTC(),
	}
	s.states[runID] = state
	return state, nil
}

func (s *memStore) GetWorkflowState(ctx context.Context, runID string) (*models.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[runID]
	if !ok {
		return nil, models.NewNotFound("workflow_state", runID)
	}
	return state, nil
}

func (s *memStore) UpdateWorkflowState(ctx context.Context, runID string, patch map[string]any) (*models.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[runID]
	if !ok {
		return nil, models.NewNotFound("workflow_state", runID)
	}
	if vars, ok := patch["variables"].(map[string]any); ok {
		for k, v := range vars {
			state.Variables[k] = v
		}
	}
	state.UpdatedAt = time.Now().UTC()
	return state, nil
}

func (s *memStore) SaveNodeOutput(ctx context.Context, runID, nodeID string, output any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[runID]
	if !ok {
		return models.NewNotFound("workflow_state", runID)
	}
	state.NodeOutputs[nodeID] = output
	return nil
}

func (s *memStore) GetNodeInput(ctx context.Context, runID, nodeID string) (*models.NodeInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[runID]
	if !ok {
		return nil, models.NewNotFound("workflow_state", runID)
	}
	nodes := make(map[string]any, len(state.NodeOutputs))
	for k, v := range state.NodeOutputs {
		nodes[k] = v
	}
	variables := make(map[string]any, len(state.Variables))
	for k, v := range state.Variables {
		variables[k] = v
	}
	return &models.NodeInput{
		Workflow: models.NodeInputWorkflow{
			RunID:     runID,
			Status:    state.Status,
			Variables: variables,
		},
		Nodes:   nodes,
		Trigger: state.TriggerData,
	}, nil
}

func (s *memStore) AddExecutionStep(ctx context.Context, runID, nodeID string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[runID]
	if !ok {
		return models.NewNotFound("workflow_state", runID)
	}
	state.ExecutionPath = append(state.ExecutionPath, models.ExecutionStep{
		NodeID: nodeID, Timestamp: time.Now().UTC(), Data: data,
	})
	return nil
}

func (s *memStore) CleanupRun(ctx context.Context, runID string) error { return nil }

// recordingPublisher captures published run events in order
type recordingPublisher struct {
	mu     sync.Mutex
	events []RunEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev RunEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

// retryingExecutor declares a tight retry policy for retry tests
type retryingExecutor struct {
	fn      dispatch.ExecutorFunc
	retries int
}

func (e *retryingExecutor) Execute(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
	return e.fn(ctx, config, input)
}

func (e *retryingExecutor) RetryPolicy() dispatch.RetryPolicy {
	return dispatch.RetryPolicy{MaxRetries: e.retries, InitialBackoff: time.Millisecond, BackoffFactor: 2}
}

type testHarness struct {
	engine    *Engine
	workflows *memWorkflows
	runs      *memRuns
	execs     *memNodeExecs
	store     *memStore
	disp      *dispatch.Dispatcher
	events    *recordingPublisher
	scheduled []*models.WorkflowRun
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	return newTestHarnessWithConfig(t, config.EngineConfig{NodeTimeout: 10 * time.Second, RunTimeout: 30 * time.Second})
}

func newTestHarnessWithConfig(t *testing.T, cfg config.EngineConfig) *testHarness {
	t.Helper()
	h := &testHarness{
		workflows: newMemWorkflows(),
		runs:      newMemRuns(),
		execs:     &memNodeExecs{},
		store:     newMemStore(),
		disp:      dispatch.NewDispatcher(testLogger{}),
		events:    &recordingPublisher{},
	}
	h.engine = New(cfg, Deps{
		Workflows:  h.workflows,
		Runs:       h.runs,
		NodeExecs:  h.execs,
		Store:      h.store,
		Dispatcher: h.disp,
		Validator:  validation.NewValidator(validation.NewTypeRegistry()),
		Evaluator:  expression.NewEvaluator(),
		Events:     h.events,
		Logger:     testLogger{},
		Scheduler: SchedulerFunc(func(ctx context.Context, run *models.WorkflowRun) error {
			h.scheduled = append(h.scheduled, run)
			return nil
		}),
	})
	t.Cleanup(h.engine.Close)
	return h
}

// addWorkflow stores an ACTIVE workflow directly, bypassing validation so
// tests can use purpose-built executor types
func (h *testHarness) addWorkflow(t *testing.T, def models.Definition) *models.Workflow {
	t.Helper()
	wf := &models.Workflow{
		ID:         "wf-" + t.Name(),
		Name:       t.Name(),
		Version:    1,
		Definition: def,
		Status:     models.WorkflowActive,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, h.workflows.Create(context.Background(), wf))
	return wf
}

// startRun creates and executes a run to its terminal status
func (h *testHarness) startRun(t *testing.T, wf *models.Workflow, trigger map[string]any) *models.WorkflowRun {
	t.Helper()
	ctx := context.Background()
	run, err := h.engine.ExecuteWorkflow(ctx, wf.ID, trigger, "test", models.DefaultPriority)
	require.NoError(t, err)
	require.NoError(t, h.engine.StartRun(ctx, run.ID))

	final, err := h.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	return final
}

func emit(values map[string]any) dispatch.ExecutorFunc {
	return func(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
		return values, nil
	}
}

func TestCreateWorkflow_RejectsInvalidDefinition(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.engine.CreateWorkflow(context.Background(), "bad", "", models.Definition{
		Nodes: []models.Node{{ID: "n1", Type: "no_such_type"}},
	}, "tester")

	require.Error(t, err)
	assert.True(t, models.IsValidationFailed(err))
	assert.Empty(t, h.workflows.byID)
}

func TestExecuteWorkflow_ClampsPriorityAndSchedules(t *testing.T) {
	h := newTestHarness(t)
	h.disp.Register("emit", emit(map[string]any{"ok": true}))
	wf := h.addWorkflow(t, models.Definition{
		Nodes: []models.Node{{ID: "a", Type: "emit"}},
	})

	run, err := h.engine.ExecuteWorkflow(context.Background(), wf.ID, nil, "tester", 42)
	require.NoError(t, err)

	assert.Equal(t, models.RunPending, run.Status)
	assert.Equal(t, models.DefaultPriority, run.Priority)
	require.Len(t, h.scheduled, 1)
	assert.Equal(t, run.ID, h.scheduled[0].ID)
}

func TestExecuteWorkflow_RefusesInactiveWorkflow(t *testing.T) {
	h := newTestHarness(t)
	wf := h.addWorkflow(t, models.Definition{Nodes: []models.Node{{ID: "a", Type: "emit"}}})
	wf.Status = models.WorkflowDraft

	_, err := h.engine.ExecuteWorkflow(context.Background(), wf.ID, nil, "tester", 5)

	require.Error(t, err)
	assert.True(t, models.IsInvalidState(err))
}

func TestStartRun_LinearChainCompletes(t *testing.T) {
	h := newTestHarness(t)
	h.disp.Register("first", emit(map[string]any{"step": 1}))
	h.disp.Register("second", emit(map[string]any{"step": 2}))
	h.disp.Register("third", emit(map[string]any{"step": 3}))
	wf := h.addWorkflow(t, models.Definition{
		Nodes: []models.Node{
			{ID: "a", Type: "first"},
			{ID: "b", Type: "second"},
			{ID: "c", Type: "third"},
		},
		Edges: []models.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	})

	run := h.startRun(t, wf, map[string]any{"source": "test"})

	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Nil(t, run.Error)
	require.NotNil(t, run.CompletedAt)

	// Result data is the end node's output only
	require.Contains(t, run.ResultData, "c")
	assert.NotContains(t, run.ResultData, "a")
	assert.NotContains(t, run.ResultData, "b")

	rows, err := h.execs.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, nodeID := range []string{"a", "b", "c"} {
		assert.Equal(t, nodeID, rows[i].NodeID)
		assert.Equal(t, models.NodeCompleted, rows[i].Status)
		assert.Equal(t, i, rows[i].ExecutionOrder)
	}

	assert.Equal(t, []string{
		EventRunStarted,
		EventNodeCompleted, EventNodeCompleted, EventNodeCompleted,
		EventRunCompleted,
	}, h.events.types())
}

func TestStartRun_DownstreamSeesPredecessorOutput(t *testing.T) {
	h := newTestHarness(t)
	h.disp.Register("produce", emit(map[string]any{"amount": 40}))
	var seen *models.NodeInput
	h.disp.Register("consume", dispatch.ExecutorFunc(func(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
		seen = input
		return map[string]any{"ok": true}, nil
	}))
	wf := h.addWorkflow(t, models.Definition{
		Nodes: []models.Node{{ID: "a", Type: "produce"}, {ID: "b", Type: "consume"}},
		Edges: []models.Edge{{From: "a", To: "b"}},
	})

	run := h.startRun(t, wf, map[string]any{"form_id": "f-1"})

	assert.Equal(t, models.RunCompleted, run.Status)
	require.NotNil(t, seen)
	assert.Equal(t, map[string]any{"form_id": "f-1"}, seen.Trigger)
	require.Contains(t, seen.Previous, "a")
	assert.Equal(t, map[string]any{"amount": 40}, seen.Previous["a"])
	assert.Equal(t, run.ID, seen.Workflow.RunID)
}

func TestStartRun_ConditionalEdgeSkipPropagates(t *testing.T) {
	h := newTestHarness(t)
	h.disp.Register("decide", emit(map[string]any{"approved": true}))
	h.disp.Register("emit", emit(map[string]any{"done": true}))
	approved := "approved == true"
	rejected := "approved == false"
	wf := h.addWorkflow(t, models.Definition{
		Nodes: []models.Node{
			{ID: "gate", Type: "decide"},
			{ID: "yes", Type: "emit"},
			{ID: "no", Type: "emit"},
			{ID: "after_no", Type: "emit"},
		},
		Edges: []models.Edge{
			{From: "gate", To: "yes", Condition: &approved},
			{From: "gate", To: "no", Condition: &rejected},
			{From: "no", To: "after_no"},
		},
	})

	run := h.startRun(t, wf, nil)

	assert.Equal(t, models.RunCompleted, run.Status)

	yesRows := h.execs.forNode(run.ID, "yes")
	require.Len(t, yesRows, 1)
	assert.Equal(t, models.NodeCompleted, yesRows[0].Status)

	// The untraversed branch is skipped, and the skip cascades
	for _, nodeID := range []string{"no", "after_no"} {
		rows := h.execs.forNode(run.ID, nodeID)
		require.Len(t, rows, 1, "node %s", nodeID)
		assert.Equal(t, models.NodeSkipped, rows[0].Status, "node %s", nodeID)
	}

	// Skipped end nodes contribute nothing to result data
	assert.Contains(t, run.ResultData, "yes")
	assert.NotContains(t, run.ResultData, "after_no")
}

func TestStartRun_PermanentFailureFailsFast(t *testing.T) {
	h := newTestHarness(t)
	h.disp.Register("emit", emit(map[string]any{"ok": true}))
	h.disp.Register("boom", dispatch.ExecutorFunc(func(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
		return nil, models.NewPermanent("upstream rejected the payload", nil)
	}))
	wf := h.addWorkflow(t, models.Definition{
		Nodes: []models.Node{
			{ID: "a", Type: "emit"},
			{ID: "b", Type: "boom"},
			{ID: "c", Type: "emit"},
		},
		Edges: []models.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	})

	run := h.startRun(t, wf, nil)

	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, string(models.CodePermanent), run.Error.Code)
	assert.Equal(t, "b", run.Error.NodeID)

	// Fail-fast: nothing downstream of the failure executes
	assert.Empty(t, h.execs.forNode(run.ID, "c"))

	// Redelivery of a terminal run is a no-op
	require.NoError(t, h.engine.StartRun(context.Background(), run.ID))
	rows, err := h.execs.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestStartRun_TransientFailureRetriesWithNewRows(t *testing.T) {
	h := newTestHarness(t)
	attempts := 0
	h.disp.Register("flaky", &retryingExecutor{
		retries: 3,
		fn: func(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, models.NewTransient("connection reset", fmt.Errorf("attempt %d", attempts))
			}
			return map[string]any{"recovered": true}, nil
		},
	})
	wf := h.addWorkflow(t, models.Definition{
		Nodes: []models.Node{{ID: "a", Type: "flaky"}},
	})

	run := h.startRun(t, wf, nil)

	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 3, attempts)

	rows := h.execs.forNode(run.ID, "a")
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, i, row.RetryCount)
	}
	assert.Equal(t, models.NodeFailed, rows[0].Status)
	assert.Equal(t, models.NodeFailed, rows[1].Status)
	assert.Equal(t, models.NodeCompleted, rows[2].Status)
}

func TestStartRun_TransientFailureExhaustsRetries(t *testing.T) {
	h := newTestHarness(t)
	h.disp.Register("always_down", &retryingExecutor{
		retries: 2,
		fn: func(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
			return nil, models.NewTransient("connection refused", nil)
		},
	})
	wf := h.addWorkflow(t, models.Definition{
		Nodes: []models.Node{{ID: "a", Type: "always_down"}},
	})

	run := h.startRun(t, wf, nil)

	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, string(models.CodeTransient), run.Error.Code)
	assert.Len(t, h.execs.forNode(run.ID, "a"), 3)
}

func TestStopWorkflow_PendingRunCancelledImmediately(t *testing.T) {
	h := newTestHarness(t)
	h.disp.Register("emit", emit(nil))
	wf := h.addWorkflow(t, models.Definition{Nodes: []models.Node{{ID: "a", Type: "emit"}}})
	ctx := context.Background()

	run, err := h.engine.ExecuteWorkflow(ctx, wf.ID, nil, "tester", 5)
	require.NoError(t, err)

	require.NoError(t, h.engine.StopWorkflow(ctx, run.ID))

	stopped, err := h.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, stopped.Status)
	require.NotNil(t, stopped.Error)
	assert.Equal(t, string(models.CodeCancelled), stopped.Error.Code)

	// A second stop is refused: the run is already terminal
	err = h.engine.StopWorkflow(ctx, run.ID)
	assert.True(t, models.IsInvalidState(err))
}

func TestStopWorkflow_FlagCancelsAtNodeBoundary(t *testing.T) {
	h := newTestHarness(t)
	// The first node flags cancellation the way a remote StopWorkflow does;
	// the walk must stop before the second node starts
	h.disp.Register("flagger", dispatch.ExecutorFunc(func(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
		_, err := h.store.UpdateWorkflowState(ctx, input.Workflow.RunID, map[string]any{
			"variables": map[string]any{cancelRequestedVar: true},
		})
		return map[string]any{"flagged": true}, err
	}))
	h.disp.Register("emit", emit(nil))
	wf := h.addWorkflow(t, models.Definition{
		Nodes: []models.Node{{ID: "a", Type: "flagger"}, {ID: "b", Type: "emit"}},
		Edges: []models.Edge{{From: "a", To: "b"}},
	})

	run := h.startRun(t, wf, nil)

	assert.Equal(t, models.RunCancelled, run.Status)
	assert.Len(t, h.execs.forNode(run.ID, "a"), 1)
	assert.Empty(t, h.execs.forNode(run.ID, "b"))
	assert.Contains(t, h.events.types(), EventRunCancelled)
}

func TestRetryRun_CreatesFreshRunFromFailure(t *testing.T) {
	h := newTestHarness(t)
	h.disp.Register("boom", dispatch.ExecutorFunc(func(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
		return nil, models.NewPermanent("bad config", nil)
	}))
	wf := h.addWorkflow(t, models.Definition{Nodes: []models.Node{{ID: "a", Type: "boom"}}})
	trigger := map[string]any{"order_id": "o-7"}

	failed := h.startRun(t, wf, trigger)
	require.Equal(t, models.RunFailed, failed.Status)

	retried, err := h.engine.RetryRun(context.Background(), failed.ID, "operator")
	require.NoError(t, err)

	assert.NotEqual(t, failed.ID, retried.ID)
	assert.Equal(t, models.RunPending, retried.Status)
	assert.Equal(t, trigger, retried.TriggerData)
	assert.Equal(t, failed.Priority, retried.Priority)

	// The original run is untouched
	original, err := h.runs.GetByID(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, original.Status)
}

func TestRetryRun_RefusesCompletedRun(t *testing.T) {
	h := newTestHarness(t)
	h.disp.Register("emit", emit(map[string]any{"ok": true}))
	wf := h.addWorkflow(t, models.Definition{Nodes: []models.Node{{ID: "a", Type: "emit"}}})

	run := h.startRun(t, wf, nil)
	require.Equal(t, models.RunCompleted, run.Status)

	_, err := h.engine.RetryRun(context.Background(), run.ID, "operator")
	assert.True(t, models.IsInvalidState(err))
}

func TestGetWorkflowStatus_ReportsProgressAndResult(t *testing.T) {
	h := newTestHarness(t)
	h.disp.Register("emit", emit(map[string]any{"ok": true}))
	wf := h.addWorkflow(t, models.Definition{
		Nodes: []models.Node{{ID: "a", Type: "emit"}, {ID: "b", Type: "emit"}},
		Edges: []models.Edge{{From: "a", To: "b"}},
	})

	run := h.startRun(t, wf, nil)
	require.Equal(t, models.RunCompleted, run.Status)

	view, err := h.engine.GetWorkflowStatus(context.Background(), run.ID, false)
	require.NoError(t, err)

	assert.Equal(t, run.ID, view.RunID)
	assert.Equal(t, wf.ID, view.WorkflowID)
	assert.Equal(t, models.RunCompleted, view.Status)
	assert.Equal(t, 2, view.Progress.CompletedNodes)
	assert.Equal(t, 2, view.Progress.TotalNodes)
	assert.Contains(t, view.ResultData, "b")

	rows, err := h.engine.ListRunExecutions(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = h.engine.GetWorkflowStatus(context.Background(), "missing", false)
	assert.True(t, models.IsNotFound(err))

	// Without include_nodes the attempt rows stay out of the view
	assert.Empty(t, view.NodeExecutions)
}

func TestStartRun_FanOutFollowsDeclarationOrder(t *testing.T) {
	h := newTestHarness(t)
	h.disp.Register("emit", emit(map[string]any{"ok": true}))
	// "c" is declared before "b"; with both ready after "a", the walk must
	// take them in declaration order, not edge order
	wf := h.addWorkflow(t, models.Definition{
		Nodes: []models.Node{
			{ID: "a", Type: "emit"},
			{ID: "c", Type: "emit"},
			{ID: "b", Type: "emit"},
		},
		Edges: []models.Edge{{From: "a", To: "b"}, {From: "a", To: "c"}},
	})

	run := h.startRun(t, wf, nil)
	require.Equal(t, models.RunCompleted, run.Status)

	rows, err := h.execs.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, nodeID := range []string{"a", "c", "b"} {
		assert.Equal(t, nodeID, rows[i].NodeID)
		assert.Equal(t, i, rows[i].ExecutionOrder)
	}
}

func TestStartRun_UnreachableNodesFailTheRun(t *testing.T) {
	h := newTestHarness(t)
	h.disp.Register("emit", emit(map[string]any{"ok": true}))
	// A cycle below the start node never becomes ready. Validation refuses
	// such definitions, but a run must not complete if one slips through.
	wf := h.addWorkflow(t, models.Definition{
		Nodes: []models.Node{
			{ID: "a", Type: "emit"},
			{ID: "b", Type: "emit"},
			{ID: "c", Type: "emit"},
		},
		Edges: []models.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "c", To: "b"}},
	})

	run := h.startRun(t, wf, nil)

	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "InconsistentGraph", run.Error.Code)
	assert.Contains(t, run.Error.Message, "b")
	assert.Contains(t, run.Error.Message, "c")

	// Only the reachable node has attempt rows
	assert.Len(t, h.execs.forNode(run.ID, "a"), 1)
	assert.Empty(t, h.execs.forNode(run.ID, "b"))
	assert.Empty(t, h.execs.forNode(run.ID, "c"))
	assert.NotContains(t, h.events.types(), EventRunCompleted)
}

func TestStartRun_RunDeadlineFailsAtBoundary(t *testing.T) {
	h := newTestHarnessWithConfig(t, config.EngineConfig{
		NodeTimeout: 10 * time.Second,
		RunTimeout:  30 * time.Millisecond,
	})
	// The first node outlives the run deadline; the boundary check before
	// the second node must fail the run, not cancel it
	h.disp.Register("slow", dispatch.ExecutorFunc(func(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
		time.Sleep(100 * time.Millisecond)
		return map[string]any{"ok": true}, nil
	}))
	h.disp.Register("emit", emit(nil))
	wf := h.addWorkflow(t, models.Definition{
		Nodes: []models.Node{{ID: "a", Type: "slow"}, {ID: "b", Type: "emit"}},
		Edges: []models.Edge{{From: "a", To: "b"}},
	})

	run := h.startRun(t, wf, nil)

	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, string(models.CodeTimeout), run.Error.Code)
	assert.Empty(t, h.execs.forNode(run.ID, "b"))
	assert.NotContains(t, h.events.types(), EventRunCancelled)
}

func TestGetWorkflowStatus_IncludeNodesEmbedsAttempts(t *testing.T) {
	h := newTestHarness(t)
	h.disp.Register("emit", emit(map[string]any{"ok": true}))
	wf := h.addWorkflow(t, models.Definition{
		Nodes: []models.Node{{ID: "a", Type: "emit"}, {ID: "b", Type: "emit"}},
		Edges: []models.Edge{{From: "a", To: "b"}},
	})

	run := h.startRun(t, wf, nil)
	require.Equal(t, models.RunCompleted, run.Status)

	view, err := h.engine.GetWorkflowStatus(context.Background(), run.ID, true)
	require.NoError(t, err)

	require.Len(t, view.NodeExecutions, 2)
	for i, nodeID := range []string{"a", "b"} {
		ne := view.NodeExecutions[i]
		assert.Equal(t, nodeID, ne.NodeID)
		assert.Equal(t, models.NodeCompleted, ne.Status)
		require.NotNil(t, ne.StartedAt)
		require.NotNil(t, ne.CompletedAt)
		assert.GreaterOrEqual(t, ne.ExecutionTime, int64(0))
	}
}

func TestGetRunMetrics_AggregatesAttempts(t *testing.T) {
	h := newTestHarness(t)
	attempts := 0
	h.disp.Register("flaky", &retryingExecutor{
		retries: 2,
		fn: func(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
			attempts++
			if attempts == 1 {
				return nil, models.NewTransient("connection reset", nil)
			}
			return map[string]any{"ok": true}, nil
		},
	})
	h.disp.Register("emit", emit(map[string]any{"done": true}))
	wf := h.addWorkflow(t, models.Definition{
		Nodes: []models.Node{{ID: "a", Type: "flaky"}, {ID: "b", Type: "emit"}},
		Edges: []models.Edge{{From: "a", To: "b"}},
	})

	run := h.startRun(t, wf, nil)
	require.Equal(t, models.RunCompleted, run.Status)

	view, err := h.engine.GetRunMetrics(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, run.ID, view.RunID)
	assert.Equal(t, models.RunCompleted, view.Status)
	assert.Equal(t, 3, view.TotalAttempts)
	require.Len(t, view.Nodes, 2)
	assert.Equal(t, "a", view.Nodes[0].NodeID)
	assert.Equal(t, 2, view.Nodes[0].Attempts)
	assert.Equal(t, models.NodeCompleted, view.Nodes[0].Status)
	assert.Equal(t, "b", view.Nodes[1].NodeID)
	assert.Equal(t, 1, view.Nodes[1].Attempts)
	assert.GreaterOrEqual(t, view.RunDurationMS, int64(0))

	_, err = h.engine.GetRunMetrics(context.Background(), "missing")
	assert.True(t, models.IsNotFound(err))
}

func TestUpdateWorkflow_ArchivedIsImmutable(t *testing.T) {
	h := newTestHarness(t)
	wf := h.addWorkflow(t, models.Definition{Nodes: []models.Node{{ID: "a", Type: "emit"}}})
	wf.Status = models.WorkflowArchived

	_, err := h.engine.UpdateWorkflow(context.Background(), wf.ID, "renamed", "", wf.Definition)
	assert.True(t, models.IsInvalidState(err))
}

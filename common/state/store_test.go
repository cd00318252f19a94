package state

import (
	"context"
	"sync"
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

// memDurable is an in-memory DurableStore recording upsert counts so tests
// can observe which tier served a read
type memDurable struct {
	mu             sync.Mutex
	workflowStates map[string]*models.WorkflowState
	nodeStates     map[string]*models.NodeState
	globals        map[string]any
	globalExpiry   map[string]*time.Time
	workflowReads  int
}

func newMemDurable() *memDurable {
	return &memDurable{
		workflowStates: make(map[string]*models.WorkflowState),
		nodeStates:     make(map[string]*models.NodeState),
		globals:        make(map[string]any),
		globalExpiry:   make(map[string]*time.Time),
	}
}

func (d *memDurable) UpsertWorkflowState(ctx context.Context, state *models.WorkflowState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	clone := *state
	d.workflowStates[state.RunID] = &clone
	return nil
}

func (d *memDurable) GetWorkflowState(ctx context.Context, runID string) (*models.WorkflowState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workflowReads++
	state, ok := d.workflowStates[runID]
	if !ok {
		return nil, models.NewNotFound("workflow_state", runID)
	}
	clone := *state
	return &clone, nil
}

func (d *memDurable) UpsertNodeState(ctx context.Context, ns *models.NodeState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	clone := *ns
	d.nodeStates[ns.RunID+"/"+ns.NodeID+"/"+string(ns.StateType)] = &clone
	return nil
}

func (d *memDurable) GetNodeState(ctx context.Context, runID, nodeID string, stateType models.NodeStateType) (*models.NodeState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ns, ok := d.nodeStates[runID+"/"+nodeID+"/"+string(stateType)]
	if !ok {
		return nil, models.NewNotFound("node_state", nodeID)
	}
	return ns, nil
}

func (d *memDurable) SetGlobalVariable(ctx context.Context, name string, value any, expiresAt *time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.globals[name] = value
	d.globalExpiry[name] = expiresAt
	return nil
}

func (d *memDurable) GetGlobalVariable(ctx context.Context, name string) (any, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	value, ok := d.globals[name]
	if !ok {
		return nil, false, nil
	}
	if exp := d.globalExpiry[name]; exp != nil && time.Now().After(*exp) {
		return nil, false, nil
	}
	return value, true, nil
}

func (d *memDurable) DeleteExpiredStates(ctx context.Context, cutoff time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var deleted int64
	for runID, state := range d.workflowStates {
		if state.UpdatedAt.Before(cutoff) {
			delete(d.workflowStates, runID)
			deleted++
		}
	}
	return deleted, nil
}

func newTestStore(t *testing.T) (*Store, *memDurable, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })

	durable := newMemDurable()
	store := NewStore(redis.NewClient(raw, testLogger{}), durable, testLogger{}, time.Minute)
	return store, durable, mr
}

func TestStore_InitAndGetWorkflowState(t *testing.T) {
	store, durable, _ := newTestStore(t)
	ctx := context.Background()

	state, err := store.InitWorkflowState(ctx, "run-1",
		map[string]any{"region": "eu"},
		map[string]any{"form_id": "f-1"})
	require.NoError(t, err)
	assert.Equal(t, "eu", state.Variables["region"])

	got, err := store.GetWorkflowState(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "eu", got.Variables["region"])
	assert.Equal(t, map[string]any{"form_id": "f-1"}, got.TriggerData)

	// The read was served from cache; init's write was the only durable access
	assert.Equal(t, 0, durable.workflowReads)
	assert.Contains(t, durable.workflowStates, "run-1")
}

func TestStore_CacheMissFallsThroughAndRepopulates(t *testing.T) {
	store, durable, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.InitWorkflowState(ctx, "run-1", map[string]any{"n": float64(1)}, nil)
	require.NoError(t, err)

	// Simulate cache eviction
	mr.FlushAll()

	got, err := store.GetWorkflowState(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), got.Variables["n"])
	assert.Equal(t, 1, durable.workflowReads)

	// Second read is served by the repopulated cache
	_, err = store.GetWorkflowState(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, durable.workflowReads)
}

func TestStore_UpdateWorkflowStateMergesPatch(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.InitWorkflowState(ctx, "run-1", map[string]any{"keep": "old", "replace": "old"}, nil)
	require.NoError(t, err)

	updated, err := store.UpdateWorkflowState(ctx, "run-1", map[string]any{
		"variables": map[string]any{"replace": "new", "added": true},
	})
	require.NoError(t, err)

	assert.Equal(t, "old", updated.Variables["keep"])
	assert.Equal(t, "new", updated.Variables["replace"])
	assert.Equal(t, true, updated.Variables["added"])
}

func TestStore_SaveNodeOutputMirrorsIntoWorkflowState(t *testing.T) {
	store, durable, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.InitWorkflowState(ctx, "run-1", nil, nil)
	require.NoError(t, err)

	output := map[string]any{"total": float64(42)}
	require.NoError(t, store.SaveNodeOutput(ctx, "run-1", "calc", output))

	state, err := store.GetWorkflowState(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, output, state.NodeOutputs["calc"])

	// The node-scoped output record lands in the durable tier too
	ns, err := durable.GetNodeState(ctx, "run-1", "calc", models.StateOutput)
	require.NoError(t, err)
	assert.Equal(t, output, ns.Payload)
}

func TestStore_GetNodeInputEnvelope(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.InitWorkflowState(ctx, "run-1",
		map[string]any{"currency": "EUR"},
		map[string]any{"order_id": "o-1"})
	require.NoError(t, err)
	require.NoError(t, store.SaveNodeOutput(ctx, "run-1", "fetch", map[string]any{"rows": float64(3)}))

	input, err := store.GetNodeInput(ctx, "run-1", "transform")
	require.NoError(t, err)

	assert.Equal(t, "run-1", input.Workflow.RunID)
	assert.Equal(t, "EUR", input.Workflow.Variables["currency"])
	assert.Equal(t, map[string]any{"order_id": "o-1"}, input.Trigger)
	require.Contains(t, input.Nodes, "fetch")
}

func TestStore_WorkflowVariables(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.InitWorkflowState(ctx, "run-1", nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.SetWorkflowVariable(ctx, "run-1", "count", float64(7)))

	got, err := store.GetWorkflowVariable(ctx, "run-1", "count", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(7), got)

	missing, err := store.GetWorkflowVariable(ctx, "run-1", "unset", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", missing)
}

func TestStore_GlobalVariables(t *testing.T) {
	store, _, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetGlobalVariable(ctx, "fx_rate", 1.08, time.Minute))

	got, err := store.GetGlobalVariable(ctx, "fx_rate", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.08, got)

	// Cache dropped: the durable tier still serves the value
	mr.FlushAll()
	got, err = store.GetGlobalVariable(ctx, "fx_rate", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.08, got)

	missing, err := store.GetGlobalVariable(ctx, "unset", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", missing)
}

func TestStore_AddExecutionStepAppends(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.InitWorkflowState(ctx, "run-1", nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.AddExecutionStep(ctx, "run-1", "a", nil))
	require.NoError(t, store.AddExecutionStep(ctx, "run-1", "b", map[string]any{"note": "second"}))

	state, err := store.GetWorkflowState(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, state.ExecutionPath, 2)
	assert.Equal(t, "a", state.ExecutionPath[0].NodeID)
	assert.Equal(t, "b", state.ExecutionPath[1].NodeID)
}

func TestStore_CleanupRunDropsCacheKeepsDurable(t *testing.T) {
	store, durable, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.InitWorkflowState(ctx, "run-1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.SaveNodeOutput(ctx, "run-1", "a", map[string]any{"ok": true}))

	require.NoError(t, store.CleanupRun(ctx, "run-1"))

	// Cache tier is empty for the run
	assert.False(t, mr.Exists("state:wf:run-1"))
	assert.False(t, mr.Exists("state:keys:run-1"))

	// Durable tier still answers
	state, err := store.GetWorkflowState(ctx, "run-1")
	require.NoError(t, err)
	assert.Contains(t, state.NodeOutputs, "a")
	assert.Equal(t, 1, durable.workflowReads)
}

func TestStore_CleanupExpiredPrunesDurableTier(t *testing.T) {
	store, durable, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.InitWorkflowState(ctx, "old-run", nil, nil)
	require.NoError(t, err)
	durable.workflowStates["old-run"].UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)

	_, err = store.InitWorkflowState(ctx, "fresh-run", nil, nil)
	require.NoError(t, err)

	deleted, err := store.CleanupExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.NotContains(t, durable.workflowStates, "old-run")
	assert.Contains(t, durable.workflowStates, "fresh-run")
}

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/trellishq/trellis/common/models"
	"github.com/trellishq/trellis/common/redis"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// DurableStore is the authoritative tier behind the cache.
// repository.StateRepository satisfies it.
type DurableStore interface {
	UpsertWorkflowState(ctx context.Context, state *models.WorkflowState) error
	GetWorkflowState(ctx context.Context, runID string) (*models.WorkflowState, error)
	UpsertNodeState(ctx context.Context, ns *models.NodeState) error
	GetNodeState(ctx context.Context, runID, nodeID string, stateType models.NodeStateType) (*models.NodeState, error)
	SetGlobalVariable(ctx context.Context, name string, value any, expiresAt *time.Time) error
	GetGlobalVariable(ctx context.Context, name string) (any, bool, error)
	DeleteExpiredStates(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the two-tier state manager: a Redis cache in front of the
// durable Postgres tier. Reads prefer the cache and repopulate it on miss.
// Writes hit the cache first for latency, then the durable tier; the write
// is not persisted until the durable tier has accepted it.
type Store struct {
	cache  *redis.Client
	repo   DurableStore
	logger Logger
	ttl    time.Duration

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

// NewStore creates a state store. cacheTTL bounds how long run-scoped
// entries live in the cache tier.
func NewStore(cache *redis.Client, repo DurableStore, logger Logger, cacheTTL time.Duration) *Store {
	return &Store{
		cache:    cache,
		repo:     repo,
		logger:   logger,
		ttl:      cacheTTL,
		runLocks: make(map[string]*sync.Mutex),
	}
}

// runLock returns the mutex serializing read-merge-write cycles for a run
func (s *Store) runLock(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		s.runLocks[runID] = lock
	}
	return lock
}

func indexKey(runID string) string {
	return fmt.Sprintf("state:keys:%s", runID)
}

// cacheWrite writes a JSON value to the cache and records the key in the
// per-run index so CleanupRun can find it. Cache failures are logged and
// swallowed; the durable tier is authoritative.
func (s *Store) cacheWrite(ctx context.Context, runID, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("failed to marshal state for cache", "key", key, "error", err)
		return
	}
	if err := s.cache.Set(ctx, key, string(data), s.ttl); err != nil {
		s.logger.Warn("state cache write failed", "key", key, "error", err)
		return
	}
	if runID != "" {
		if err := s.cache.SAdd(ctx, indexKey(runID), key); err != nil {
			s.logger.Warn("state key index write failed", "run_id", runID, "error", err)
		}
	}
}

// InitWorkflowState creates the run's state object in both tiers
func (s *Store) InitWorkflowState(ctx context.Context, runID string, initial, triggerData map[string]any) (*models.WorkflowState, error) {
	if initial == nil {
		initial = map[string]any{}
	}
	now := time.Now().UTC()
	state := &models.WorkflowState{
		RunID:         runID,
		Status:        string(models.RunRunning),
		StartedAt:     now,
		Variables:     initial,
		NodeOutputs:   map[string]any{},
		ExecutionPath: []models.ExecutionStep{},
		TriggerData:   triggerData,
		UpdatedAt:     now,
	}

	if err := s.writeWorkflowState(ctx, state); err != nil {
		return nil, err
	}
	s.logger.Debug("workflow state initialized", "run_id", runID)
	return state, nil
}

// writeWorkflowState pushes a state object through both tiers
func (s *Store) writeWorkflowState(ctx context.Context, state *models.WorkflowState) error {
	key := models.StateKey{Scope: models.ScopeWorkflow, RunID: state.RunID}.String()
	s.cacheWrite(ctx, state.RunID, key, state)

	if err := s.repo.UpsertWorkflowState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist workflow state: %w", err)
	}
	return nil
}

// GetWorkflowState reads the run's state, cache first
func (s *Store) GetWorkflowState(ctx context.Context, runID string) (*models.WorkflowState, error) {
	key := models.StateKey{Scope: models.ScopeWorkflow, RunID: runID}.String()

	raw, found, err := s.cache.Get(ctx, key)
	if err == nil && found {
		var state models.WorkflowState
		if err := json.Unmarshal([]byte(raw), &state); err == nil {
			return &state, nil
		}
		s.logger.Warn("corrupt workflow state in cache, falling through", "run_id", runID)
	}

	state, err := s.repo.GetWorkflowState(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.cacheWrite(ctx, runID, key, state)
	return state, nil
}

// UpdateWorkflowState applies a merge patch over the current state and
// stamps updatedAt. Serialized per run.
func (s *Store) UpdateWorkflowState(ctx context.Context, runID string, patch map[string]any) (*models.WorkflowState, error) {
	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetWorkflowState(ctx, runID)
	if err != nil {
		return nil, err
	}

	currentJSON, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal current state: %w", err)
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state patch: %w", err)
	}

	mergedJSON, err := jsonpatch.MergePatch(currentJSON, patchJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to merge state patch: %w", err)
	}

	var merged models.WorkflowState
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, fmt.Errorf("failed to unmarshal merged state: %w", err)
	}
	merged.RunID = runID
	merged.UpdatedAt = time.Now().UTC()

	if err := s.writeWorkflowState(ctx, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// SaveNodeOutput writes the node-scoped output record and mirrors the value
// into workflowState.nodeOutputs for downstream lookup
func (s *Store) SaveNodeOutput(ctx context.Context, runID, nodeID string, output any) error {
	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.saveNodeState(ctx, runID, nodeID, models.StateOutput, output); err != nil {
		return err
	}

	state, err := s.GetWorkflowState(ctx, runID)
	if err != nil {
		return err
	}
	if state.NodeOutputs == nil {
		state.NodeOutputs = map[string]any{}
	}
	state.NodeOutputs[nodeID] = output
	state.UpdatedAt = time.Now().UTC()

	return s.writeWorkflowState(ctx, state)
}

// GetNodeInput constructs the canonical input envelope for an executor
func (s *Store) GetNodeInput(ctx context.Context, runID, nodeID string) (*models.NodeInput, error) {
	state, err := s.GetWorkflowState(ctx, runID)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("composed node input", "run_id", runID, "node_id", nodeID)
	return &models.NodeInput{
		Workflow: models.NodeInputWorkflow{
			RunID:     runID,
			Status:    state.Status,
			Variables: state.Variables,
		},
		Nodes:   state.NodeOutputs,
		Trigger: state.TriggerData,
	}, nil
}

// SaveNodeState writes a generic node-scoped audit record to both tiers
func (s *Store) SaveNodeState(ctx context.Context, runID, nodeID string, stateType models.NodeStateType, data any) error {
	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()
	return s.saveNodeState(ctx, runID, nodeID, stateType, data)
}

func (s *Store) saveNodeState(ctx context.Context, runID, nodeID string, stateType models.NodeStateType, data any) error {
	key := models.StateKey{
		Scope:  models.ScopeNode,
		RunID:  runID,
		NodeID: nodeID,
		SubKey: string(stateType),
	}.String()
	s.cacheWrite(ctx, runID, key, data)

	ns := &models.NodeState{
		RunID:     runID,
		NodeID:    nodeID,
		StateType: stateType,
		Payload:   data,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.repo.UpsertNodeState(ctx, ns); err != nil {
		return fmt.Errorf("failed to persist node state: %w", err)
	}
	return nil
}

// GetNodeState reads a node-scoped record, cache first
func (s *Store) GetNodeState(ctx context.Context, runID, nodeID string, stateType models.NodeStateType) (any, error) {
	key := models.StateKey{
		Scope:  models.ScopeNode,
		RunID:  runID,
		NodeID: nodeID,
		SubKey: string(stateType),
	}.String()

	raw, found, err := s.cache.Get(ctx, key)
	if err == nil && found {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err == nil {
			return value, nil
		}
	}

	ns, err := s.repo.GetNodeState(ctx, runID, nodeID, stateType)
	if err != nil {
		return nil, err
	}
	s.cacheWrite(ctx, runID, key, ns.Payload)
	return ns.Payload, nil
}

// SetWorkflowVariable sets one run-scoped variable
func (s *Store) SetWorkflowVariable(ctx context.Context, runID, name string, value any) error {
	_, err := s.UpdateWorkflowState(ctx, runID, map[string]any{
		"variables": map[string]any{name: value},
	})
	return err
}

// GetWorkflowVariable reads one run-scoped variable, returning def when unset
func (s *Store) GetWorkflowVariable(ctx context.Context, runID, name string, def any) (any, error) {
	state, err := s.GetWorkflowState(ctx, runID)
	if err != nil {
		return nil, err
	}
	if value, ok := state.Variables[name]; ok {
		return value, nil
	}
	return def, nil
}

// SetGlobalVariable writes a cross-run variable to both tiers. A positive
// ttl expires the value in both.
func (s *Store) SetGlobalVariable(ctx context.Context, name string, value any, ttl time.Duration) error {
	key := models.StateKey{Scope: models.ScopeGlobal, SubKey: name}.String()

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal global variable %s: %w", name, err)
	}
	if err := s.cache.Set(ctx, key, string(data), ttl); err != nil {
		s.logger.Warn("global variable cache write failed", "name", name, "error", err)
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}
	if err := s.repo.SetGlobalVariable(ctx, name, value, expiresAt); err != nil {
		return fmt.Errorf("failed to persist global variable %s: %w", name, err)
	}
	return nil
}

// GetGlobalVariable reads a cross-run variable, returning def when unset or
// expired. Durable fallbacks are not re-cached so a cache entry never
// outlives the variable's TTL.
func (s *Store) GetGlobalVariable(ctx context.Context, name string, def any) (any, error) {
	key := models.StateKey{Scope: models.ScopeGlobal, SubKey: name}.String()

	raw, found, err := s.cache.Get(ctx, key)
	if err == nil && found {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err == nil {
			return value, nil
		}
	}

	value, found, err := s.repo.GetGlobalVariable(ctx, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return def, nil
	}
	return value, nil
}

// AddExecutionStep appends one step to the run's execution path
func (s *Store) AddExecutionStep(ctx context.Context, runID, nodeID string, data any) error {
	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.GetWorkflowState(ctx, runID)
	if err != nil {
		return err
	}

	state.ExecutionPath = append(state.ExecutionPath, models.ExecutionStep{
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	state.UpdatedAt = time.Now().UTC()

	return s.writeWorkflowState(ctx, state)
}

// CleanupRun removes the run's cache entries. The durable tier is kept for
// audit; CleanupExpired owns durable retention.
func (s *Store) CleanupRun(ctx context.Context, runID string) error {
	keys, err := s.cache.SMembers(ctx, indexKey(runID))
	if err != nil {
		return err
	}
	keys = append(keys, indexKey(runID))
	if err := s.cache.Delete(ctx, keys...); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.runLocks, runID)
	s.mu.Unlock()

	s.logger.Debug("run state cache cleaned", "run_id", runID, "keys", len(keys))
	return nil
}

// CleanupExpired removes durable rows older than maxAge and returns the
// number of rows deleted
func (s *Store) CleanupExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	deleted, err := s.repo.DeleteExpiredStates(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("expired durable state removed", "rows", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

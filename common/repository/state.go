package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trellishq/trellis/common/db"
	"github.com/trellishq/trellis/common/models"
)

// StateRepository is the durable tier behind the state store: workflow
// states, node states and global variables.
type StateRepository struct {
	db *db.DB
}

// NewStateRepository creates a new state repository
func NewStateRepository(database *db.DB) *StateRepository {
	return &StateRepository{db: database}
}

// UpsertWorkflowState writes the run's state document
func (r *StateRepository) UpsertWorkflowState(ctx context.Context, state *models.WorkflowState) error {
	query := `
		INSERT INTO workflow_states (run_id, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO UPDATE SET state = $2, updated_at = $3
	`

	_, err := r.db.Exec(ctx, query, state.RunID, state, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert workflow state: %w", err)
	}

	return nil
}

// GetWorkflowState reads the run's state document
func (r *StateRepository) GetWorkflowState(ctx context.Context, runID string) (*models.WorkflowState, error) {
	query := `SELECT state FROM workflow_states WHERE run_id = $1`

	state := &models.WorkflowState{}
	err := r.db.QueryRow(ctx, query, runID).Scan(state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewNotFound("workflow_state", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow state: %w", err)
	}

	return state, nil
}

// UpsertNodeState writes one (run, node, type) audit record
func (r *StateRepository) UpsertNodeState(ctx context.Context, ns *models.NodeState) error {
	query := `
		INSERT INTO node_states (run_id, node_id, state_type, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, node_id, state_type) DO UPDATE SET payload = $4, updated_at = $5
	`

	_, err := r.db.Exec(ctx, query, ns.RunID, ns.NodeID, ns.StateType, ns.Payload, ns.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert node state: %w", err)
	}

	return nil
}

// GetNodeState reads one (run, node, type) audit record
func (r *StateRepository) GetNodeState(ctx context.Context, runID, nodeID string, stateType models.NodeStateType) (*models.NodeState, error) {
	query := `
		SELECT run_id, node_id, state_type, payload, updated_at
		FROM node_states
		WHERE run_id = $1 AND node_id = $2 AND state_type = $3
	`

	ns := &models.NodeState{}
	err := r.db.QueryRow(ctx, query, runID, nodeID, stateType).Scan(
		&ns.RunID,
		&ns.NodeID,
		&ns.StateType,
		&ns.Payload,
		&ns.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewNotFound("node_state", fmt.Sprintf("%s/%s/%s", runID, nodeID, stateType))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node state: %w", err)
	}

	return ns, nil
}

// SetGlobalVariable writes a durable global variable. A nil expiresAt keeps
// the value until overwritten.
func (r *StateRepository) SetGlobalVariable(ctx context.Context, name string, value any, expiresAt *time.Time) error {
	query := `
		INSERT INTO global_variables (name, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET value = $2, expires_at = $3, updated_at = $4
	`

	_, err := r.db.Exec(ctx, query, name, value, expiresAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set global variable: %w", err)
	}

	return nil
}

// GetGlobalVariable reads a durable global variable, honouring expiry
func (r *StateRepository) GetGlobalVariable(ctx context.Context, name string) (any, bool, error) {
	query := `
		SELECT value FROM global_variables
		WHERE name = $1 AND (expires_at IS NULL OR expires_at > now())
	`

	var value any
	err := r.db.QueryRow(ctx, query, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get global variable: %w", err)
	}

	return value, true, nil
}

// DeleteExpiredStates removes durable state for terminal runs older than the
// cutoff. Returns the number of workflow state rows removed.
func (r *StateRepository) DeleteExpiredStates(ctx context.Context, cutoff time.Time) (int64, error) {
	nodeQuery := `
		DELETE FROM node_states
		WHERE run_id IN (
			SELECT id FROM workflow_runs
			WHERE completed_at IS NOT NULL AND completed_at < $1
		)
	`
	if _, err := r.db.Exec(ctx, nodeQuery, cutoff); err != nil {
		return 0, fmt.Errorf("failed to delete expired node states: %w", err)
	}

	stateQuery := `
		DELETE FROM workflow_states
		WHERE run_id IN (
			SELECT id FROM workflow_runs
			WHERE completed_at IS NOT NULL AND completed_at < $1
		)
	`
	tag, err := r.db.Exec(ctx, stateQuery, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired workflow states: %w", err)
	}

	varQuery := `DELETE FROM global_variables WHERE expires_at IS NOT NULL AND expires_at < now()`
	if _, err := r.db.Exec(ctx, varQuery); err != nil {
		return 0, fmt.Errorf("failed to delete expired global variables: %w", err)
	}

	return tag.RowsAffected(), nil
}

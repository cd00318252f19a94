package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/trellishq/trellis/common/db"
	"github.com/trellishq/trellis/common/models"
)

// NodeExecutionRepository handles the append-only node attempt log
type NodeExecutionRepository struct {
	db *db.DB
}

// NewNodeExecutionRepository creates a new node execution repository
func NewNodeExecutionRepository(database *db.DB) *NodeExecutionRepository {
	return &NodeExecutionRepository{db: database}
}

// Append inserts a new attempt row. Each retry gets its own row; terminal
// rows are never rewritten.
func (r *NodeExecutionRepository) Append(ctx context.Context, ne *models.NodeExecution) error {
	query := `
		INSERT INTO node_executions
			(id, workflow_run_id, node_id, node_type, status, input_data, output_data, error, started_at, completed_at, execution_order, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		ne.ID,
		ne.WorkflowRunID,
		ne.NodeID,
		ne.NodeType,
		ne.Status,
		ne.InputData,
		ne.OutputData,
		ne.Error,
		ne.StartedAt,
		ne.CompletedAt,
		ne.ExecutionOrder,
		ne.RetryCount,
	)

	if err != nil {
		return fmt.Errorf("failed to append node execution: %w", err)
	}

	return nil
}

// Resolve closes an open attempt row with its terminal status. The guard on
// non-terminal status keeps closed rows immutable.
func (r *NodeExecutionRepository) Resolve(ctx context.Context, id string, status models.NodeExecutionStatus, output any, errMsg string, completedAt time.Time) error {
	query := `
		UPDATE node_executions
		SET status = $2, output_data = $3, error = $4, completed_at = $5
		WHERE id = $1 AND status IN ($6, $7)
	`

	tag, err := r.db.Exec(ctx, query, id, status, output, errMsg, completedAt, models.NodePending, models.NodeRunning)
	if err != nil {
		return fmt.Errorf("failed to resolve node execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &models.InvalidStateError{
			Entity:  "node_execution",
			ID:      id,
			Message: fmt.Sprintf("node execution %s is already terminal", id),
		}
	}

	return nil
}

// ListByRun retrieves all attempt rows for a run ordered by start time
func (r *NodeExecutionRepository) ListByRun(ctx context.Context, runID string) ([]*models.NodeExecution, error) {
	query := `
		SELECT id, workflow_run_id, node_id, node_type, status, input_data, output_data, error, started_at, completed_at, execution_order, retry_count
		FROM node_executions
		WHERE workflow_run_id = $1
		ORDER BY started_at ASC, execution_order ASC
	`

	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.NodeExecution
	for rows.Next() {
		ne := &models.NodeExecution{}
		if err := rows.Scan(
			&ne.ID,
			&ne.WorkflowRunID,
			&ne.NodeID,
			&ne.NodeType,
			&ne.Status,
			&ne.InputData,
			&ne.OutputData,
			&ne.Error,
			&ne.StartedAt,
			&ne.CompletedAt,
			&ne.ExecutionOrder,
			&ne.RetryCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan node execution: %w", err)
		}
		executions = append(executions, ne)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate node executions: %w", err)
	}

	return executions, nil
}

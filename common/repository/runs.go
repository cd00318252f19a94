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

const runColumns = `id, workflow_id, status, trigger_data, result_data, error, started_at, completed_at, started_by, priority, created_at`

// RunRepository handles database operations for workflow runs
type RunRepository struct {
	db *db.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(database *db.DB) *RunRepository {
	return &RunRepository{db: database}
}

// Create inserts a new workflow run
func (r *RunRepository) Create(ctx context.Context, run *models.WorkflowRun) error {
	query := `
		INSERT INTO workflow_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		run.ID,
		run.WorkflowID,
		run.Status,
		run.TriggerData,
		run.ResultData,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
		run.StartedBy,
		run.Priority,
		run.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetByID retrieves a run by its ID
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE id = $1`

	run := &models.WorkflowRun{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&run.ID,
		&run.WorkflowID,
		&run.Status,
		&run.TriggerData,
		&run.ResultData,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
		&run.StartedBy,
		&run.Priority,
		&run.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewNotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// MarkRunning transitions a PENDING run to RUNNING. Returns false when the
// run was not PENDING, which callers treat as an already-claimed redelivery.
func (r *RunRepository) MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	query := `
		UPDATE workflow_runs
		SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4
	`

	tag, err := r.db.Exec(ctx, query, id, models.RunRunning, startedAt, models.RunPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark run running: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// Finalize writes the run's terminal status together with its final workflow
// state in a single transaction. The status guard keeps terminal rows
// immutable.
func (r *RunRepository) Finalize(ctx context.Context, run *models.WorkflowRun, state *models.WorkflowState) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_runs
			SET status = $2, result_data = $3, error = $4, completed_at = $5
			WHERE id = $1 AND status NOT IN ($6, $7, $8)
		`,
			run.ID,
			run.Status,
			run.ResultData,
			run.Error,
			run.CompletedAt,
			models.RunCompleted,
			models.RunFailed,
			models.RunCancelled,
		)
		if err != nil {
			return fmt.Errorf("failed to finalize run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &models.InvalidStateError{
				Entity:  "run",
				ID:      run.ID,
				Message: fmt.Sprintf("run %s is already terminal", run.ID),
			}
		}

		if state != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO workflow_states (run_id, state, updated_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (run_id) DO UPDATE SET state = $2, updated_at = $3
			`, state.RunID, state, state.UpdatedAt); err != nil {
				return fmt.Errorf("failed to write final state: %w", err)
			}
		}

		return nil
	})
}

// ForceFail marks a RUNNING run as failed; used by the stale-run supervisor
func (r *RunRepository) ForceFail(ctx context.Context, id string, runErr *models.RunError, completedAt time.Time) (bool, error) {
	query := `
		UPDATE workflow_runs
		SET status = $2, error = $3, completed_at = $4
		WHERE id = $1 AND status = $5
	`

	tag, err := r.db.Exec(ctx, query, id, models.RunFailed, runErr, completedAt, models.RunRunning)
	if err != nil {
		return false, fmt.Errorf("failed to force-fail run: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListByWorkflow retrieves runs of a workflow, optionally filtered by status
func (r *RunRepository) ListByWorkflow(ctx context.Context, workflowID string, status *models.RunStatus, limit, offset int) ([]*models.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE workflow_id = $1`
	args := []any{workflowID}

	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	return r.list(ctx, query, args...)
}

// List retrieves runs across workflows, optionally filtered by status
func (r *RunRepository) List(ctx context.Context, status *models.RunStatus, limit, offset int) ([]*models.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	args := []any{}

	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, *status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	return r.list(ctx, query, args...)
}

// ListActive retrieves all non-terminal runs
func (r *RunRepository) ListActive(ctx context.Context) ([]*models.WorkflowRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM workflow_runs
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC
	`
	return r.list(ctx, query, models.RunPending, models.RunRunning)
}

// ListStaleRunning retrieves RUNNING runs that started before the cutoff.
// The supervisor uses this to detect runs orphaned by a dead engine instance.
func (r *RunRepository) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.WorkflowRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM workflow_runs
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at ASC
	`
	return r.list(ctx, query, models.RunRunning, cutoff)
}

func (r *RunRepository) list(ctx context.Context, query string, args ...any) ([]*models.WorkflowRun, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run := &models.WorkflowRun{}
		if err := rows.Scan(
			&run.ID,
			&run.WorkflowID,
			&run.Status,
			&run.TriggerData,
			&run.ResultData,
			&run.Error,
			&run.StartedAt,
			&run.CompletedAt,
			&run.StartedBy,
			&run.Priority,
			&run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/trellishq/trellis/common/db"
	"github.com/trellishq/trellis/common/models"
)

// WorkflowRepository handles database operations for workflow definitions
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

// Create inserts a new workflow
func (r *WorkflowRepository) Create(ctx context.Context, wf *models.Workflow) error {
	query := `
		INSERT INTO workflows (id, name, description, version, definition, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		wf.ID,
		wf.Name,
		wf.Description,
		wf.Version,
		wf.Definition,
		wf.Status,
		wf.CreatedBy,
		wf.CreatedAt,
		wf.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	return nil
}

// Update replaces the mutable fields of a workflow
func (r *WorkflowRepository) Update(ctx context.Context, wf *models.Workflow) error {
	query := `
		UPDATE workflows
		SET name = $2, description = $3, version = $4, definition = $5, status = $6, updated_at = $7
		WHERE id = $1
	`

	tag, err := r.db.Exec(
		ctx,
		query,
		wf.ID,
		wf.Name,
		wf.Description,
		wf.Version,
		wf.Definition,
		wf.Status,
		wf.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NewNotFound("workflow", wf.ID)
	}

	return nil
}

// GetByID retrieves a workflow by its ID
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `
		SELECT id, name, description, version, definition, status, created_by, created_at, updated_at
		FROM workflows
		WHERE id = $1
	`

	wf := &models.Workflow{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&wf.ID,
		&wf.Name,
		&wf.Description,
		&wf.Version,
		&wf.Definition,
		&wf.Status,
		&wf.CreatedBy,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewNotFound("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	return wf, nil
}

// ListByStatus retrieves workflows in the given status, newest first
func (r *WorkflowRepository) ListByStatus(ctx context.Context, status models.WorkflowStatus, limit, offset int) ([]*models.Workflow, error) {
	query := `
		SELECT id, name, description, version, definition, status, created_by, created_at, updated_at
		FROM workflows
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf := &models.Workflow{}
		if err := rows.Scan(
			&wf.ID,
			&wf.Name,
			&wf.Description,
			&wf.Version,
			&wf.Definition,
			&wf.Status,
			&wf.CreatedBy,
			&wf.CreatedAt,
			&wf.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflows: %w", err)
	}

	return workflows, nil
}

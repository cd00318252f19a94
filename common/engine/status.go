package engine

import (
	"context"
	"time"

	"github.com/trellishq/trellis/common/models"
)

// RunStatusView is the caller-facing snapshot of a run's progress
type RunStatusView struct {
	RunID          string              `json:"runId"`
	WorkflowID     string              `json:"workflowId"`
	Status         models.RunStatus    `json:"status"`
	Progress       models.RunProgress  `json:"progress"`
	StartedAt      *time.Time          `json:"startedAt,omitempty"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
	Error          *models.RunError    `json:"error,omitempty"`
	ResultData     map[string]any      `json:"resultData,omitempty"`
	NodeExecutions []NodeExecutionView `json:"nodeExecutions,omitempty"`
}

// NodeExecutionView is one attempt row embedded in the status response
type NodeExecutionView struct {
	NodeID        string                     `json:"nodeId"`
	Status        models.NodeExecutionStatus `json:"status"`
	StartedAt     *time.Time                 `json:"startedAt,omitempty"`
	CompletedAt   *time.Time                 `json:"completedAt,omitempty"`
	Error         string                     `json:"error,omitempty"`
	ExecutionTime int64                      `json:"executionTime,omitempty"` // milliseconds
}

// GetWorkflowStatus assembles the status view for a run: its record, its
// workflow's node count, and progress derived from the attempt log. With
// includeNodes the attempt rows are embedded in the view.
func (e *Engine) GetWorkflowStatus(ctx context.Context, runID string, includeNodes bool) (*RunStatusView, error) {
	run, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	wf, err := e.getWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return nil, err
	}

	executions, err := e.nodeExecs.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	view := &RunStatusView{
		RunID:       run.ID,
		WorkflowID:  run.WorkflowID,
		Status:      run.Status,
		Progress:    progressOf(executions, len(wf.Definition.Nodes)),
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Error:       run.Error,
	}
	if run.Status == models.RunCompleted {
		view.ResultData = run.ResultData
	}
	if includeNodes {
		view.NodeExecutions = make([]NodeExecutionView, 0, len(executions))
		for _, ne := range executions {
			view.NodeExecutions = append(view.NodeExecutions, NodeExecutionView{
				NodeID:        ne.NodeID,
				Status:        ne.Status,
				StartedAt:     ne.StartedAt,
				CompletedAt:   ne.CompletedAt,
				Error:         ne.Error,
				ExecutionTime: attemptDurationMS(ne),
			})
		}
	}
	return view, nil
}

// RunMetricsView summarizes per-node durations and totals for one run
type RunMetricsView struct {
	RunID           string           `json:"runId"`
	WorkflowID      string           `json:"workflowId"`
	Status          models.RunStatus `json:"status"`
	Nodes           []NodeMetric     `json:"nodes"`
	TotalAttempts   int              `json:"totalAttempts"`
	TotalDurationMS int64            `json:"totalDurationMs"`
	RunDurationMS   int64            `json:"runDurationMs,omitempty"`
}

// NodeMetric aggregates the attempts of one node
type NodeMetric struct {
	NodeID     string                     `json:"nodeId"`
	Status     models.NodeExecutionStatus `json:"status"`
	Attempts   int                        `json:"attempts"`
	DurationMS int64                      `json:"durationMs"`
}

// GetRunMetrics derives per-node timing from the attempt log. A node's
// duration spans all its attempts; its status is the latest attempt's.
func (e *Engine) GetRunMetrics(ctx context.Context, runID string) (*RunMetricsView, error) {
	run, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	executions, err := e.nodeExecs.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	byNode := map[string]*NodeMetric{}
	var nodeOrder []string
	view := &RunMetricsView{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     run.Status,
	}
	for _, ne := range executions {
		metric, ok := byNode[ne.NodeID]
		if !ok {
			metric = &NodeMetric{NodeID: ne.NodeID}
			byNode[ne.NodeID] = metric
			nodeOrder = append(nodeOrder, ne.NodeID)
		}
		metric.Status = ne.Status
		metric.Attempts++
		metric.DurationMS += attemptDurationMS(ne)
		view.TotalAttempts++
	}

	view.Nodes = make([]NodeMetric, 0, len(nodeOrder))
	for _, nodeID := range nodeOrder {
		view.Nodes = append(view.Nodes, *byNode[nodeID])
		view.TotalDurationMS += byNode[nodeID].DurationMS
	}
	if run.StartedAt != nil && run.CompletedAt != nil {
		view.RunDurationMS = run.CompletedAt.Sub(*run.StartedAt).Milliseconds()
	}
	return view, nil
}

// attemptDurationMS is the wall time of one attempt, 0 while it is open
func attemptDurationMS(ne *models.NodeExecution) int64 {
	if ne.StartedAt == nil || ne.CompletedAt == nil {
		return 0
	}
	return ne.CompletedAt.Sub(*ne.StartedAt).Milliseconds()
}

// ListRunExecutions returns the run's attempt log for audit views
func (e *Engine) ListRunExecutions(ctx context.Context, runID string) ([]*models.NodeExecution, error) {
	if _, err := e.runs.GetByID(ctx, runID); err != nil {
		return nil, err
	}
	return e.nodeExecs.ListByRun(ctx, runID)
}

// GetRunState returns the run's current state object
func (e *Engine) GetRunState(ctx context.Context, runID string) (*models.WorkflowState, error) {
	if _, err := e.runs.GetByID(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.GetWorkflowState(ctx, runID)
}

// progressOf reduces the attempt log to completed-node progress. Settled
// means the node's latest attempt is terminal; skipped nodes count as
// settled but not completed.
func progressOf(executions []*models.NodeExecution, totalNodes int) models.RunProgress {
	latest := map[string]*models.NodeExecution{}
	var current string
	for _, ne := range executions {
		latest[ne.NodeID] = ne
		if ne.Status == models.NodeRunning {
			current = ne.NodeID
		}
	}

	completed := 0
	for _, ne := range latest {
		if ne.Status == models.NodeCompleted || ne.Status == models.NodeSkipped {
			completed++
		}
	}

	return models.RunProgress{
		CompletedNodes: completed,
		TotalNodes:     totalNodes,
		CurrentNode:    current,
	}
}

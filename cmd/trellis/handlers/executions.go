package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trellishq/trellis/cmd/trellis/container"
	"github.com/trellishq/trellis/common/engine"
	"github.com/trellishq/trellis/common/models"
)

// maxBatch bounds both batch submission and batch status lookups
const maxBatch = 100

// ExecutionHandler handles run submission, status and control requests
type ExecutionHandler struct {
	c *container.Container
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(c *container.Container) *ExecutionHandler {
	return &ExecutionHandler{c: c}
}

type executionRequest struct {
	WorkflowID  string         `json:"workflowId"`
	TriggerData map[string]any `json:"triggerData"`
	Priority    int            `json:"priority"`
}

// Create starts a run of an active workflow
// POST /api/v1/executions
func (h *ExecutionHandler) Create(c echo.Context) error {
	var req executionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.WorkflowID == "" {
		return badRequest(c, "workflowId is required")
	}

	run, err := h.c.Engine.ExecuteWorkflow(c.Request().Context(), req.WorkflowID, req.TriggerData, callerID(c), req.Priority)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// Get returns the status view of one run, with its attempt rows when
// include_nodes=true
// GET /api/v1/executions/:runId?include_nodes=true
func (h *ExecutionHandler) Get(c echo.Context) error {
	includeNodes := c.QueryParam("include_nodes") == "true"
	view, err := h.c.Engine.GetWorkflowStatus(c.Request().Context(), c.Param("runId"), includeNodes)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// List returns runs, filterable by workflow and status
// GET /api/v1/executions?workflowId=...&status=RUNNING
func (h *ExecutionHandler) List(c echo.Context) error {
	var status *models.RunStatus
	if raw := c.QueryParam("status"); raw != "" {
		s := models.RunStatus(raw)
		status = &s
	}
	limit, offset := pagination(c)

	var (
		runs []*models.WorkflowRun
		err  error
	)
	if workflowID := c.QueryParam("workflowId"); workflowID != "" {
		runs, err = h.c.RunRepo.ListByWorkflow(c.Request().Context(), workflowID, status, limit, offset)
	} else {
		runs, err = h.c.RunRepo.List(c.Request().Context(), status, limit, offset)
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// Batch submits up to 100 runs in one request. Entries are independent:
// a refused workflow fails its entry, not the batch.
// POST /api/v1/executions/batch
func (h *ExecutionHandler) Batch(c echo.Context) error {
	var req struct {
		Executions []executionRequest `json:"executions"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(req.Executions) == 0 {
		return badRequest(c, "executions is required")
	}
	if len(req.Executions) > maxBatch {
		return badRequest(c, "at most 100 executions per request")
	}

	caller := callerID(c)
	runIDs := make([]string, 0, len(req.Executions))
	failures := []map[string]any{}
	for i, entry := range req.Executions {
		if entry.WorkflowID == "" {
			failures = append(failures, map[string]any{"index": i, "error": "workflowId is required"})
			continue
		}
		run, err := h.c.Engine.ExecuteWorkflow(c.Request().Context(), entry.WorkflowID, entry.TriggerData, caller, entry.Priority)
		if err != nil {
			failures = append(failures, map[string]any{"index": i, "error": err.Error()})
			continue
		}
		runIDs = append(runIDs, run.ID)
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"taskIds":  runIDs,
		"count":    len(runIDs),
		"failures": failures,
	})
}

// Statuses returns status views for up to 100 runs in one request
// POST /api/v1/executions/status
func (h *ExecutionHandler) Statuses(c echo.Context) error {
	var req struct {
		RunIDs []string `json:"run_ids"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(req.RunIDs) == 0 {
		return badRequest(c, "run_ids is required")
	}
	if len(req.RunIDs) > maxBatch {
		return badRequest(c, "at most 100 run ids per request")
	}

	views := make(map[string]*engine.RunStatusView, len(req.RunIDs))
	missing := []string{}
	for _, runID := range req.RunIDs {
		view, err := h.c.Engine.GetWorkflowStatus(c.Request().Context(), runID, false)
		if err != nil {
			if models.IsNotFound(err) {
				missing = append(missing, runID)
				continue
			}
			return respondError(c, err)
		}
		views[runID] = view
	}

	return c.JSON(http.StatusOK, map[string]any{
		"executions": views,
		"missing":    missing,
	})
}

// Stop requests cancellation of a run
// POST /api/v1/executions/:runId/stop
func (h *ExecutionHandler) Stop(c echo.Context) error {
	runID := c.Param("runId")
	if err := h.c.Engine.StopWorkflow(c.Request().Context(), runID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id": runID,
		"status": "cancellation_requested",
	})
}

// Retry creates a fresh run from a FAILED or CANCELLED one
// POST /api/v1/executions/:runId/retry
func (h *ExecutionHandler) Retry(c echo.Context) error {
	run, err := h.c.Engine.RetryRun(c.Request().Context(), c.Param("runId"), callerID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// State returns the run's current workflow state object
// GET /api/v1/executions/:runId/state
func (h *ExecutionHandler) State(c echo.Context) error {
	state, err := h.c.Engine.GetRunState(c.Request().Context(), c.Param("runId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

// Metrics returns per-node durations and totals for a run
// GET /api/v1/executions/:runId/metrics
func (h *ExecutionHandler) Metrics(c echo.Context) error {
	view, err := h.c.Engine.GetRunMetrics(c.Request().Context(), c.Param("runId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// Nodes returns the run's node attempt log
// GET /api/v1/executions/:runId/nodes
func (h *ExecutionHandler) Nodes(c echo.Context) error {
	executions, err := h.c.Engine.ListRunExecutions(c.Request().Context(), c.Param("runId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"executions": executions,
		"count":      len(executions),
	})
}

package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/trellishq/trellis/cmd/trellis/container"
	"github.com/trellishq/trellis/common/models"
)

// WorkflowHandler handles workflow definition lifecycle requests
type WorkflowHandler struct {
	c *container.Container
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(c *container.Container) *WorkflowHandler {
	return &WorkflowHandler{c: c}
}

type workflowRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Definition  models.Definition `json:"definition"`
}

// Create saves a new workflow as version 1 in DRAFT
// POST /api/v1/workflows
func (h *WorkflowHandler) Create(c echo.Context) error {
	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" {
		return badRequest(c, "name is required")
	}

	wf, err := h.c.Engine.CreateWorkflow(c.Request().Context(), req.Name, req.Description, req.Definition, callerID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, wf)
}

// Get retrieves one workflow
// GET /api/v1/workflows/:id
func (h *WorkflowHandler) Get(c echo.Context) error {
	wf, err := h.c.WorkflowRepo.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// List retrieves workflows by status, newest first
// GET /api/v1/workflows?status=ACTIVE&limit=20&offset=0
func (h *WorkflowHandler) List(c echo.Context) error {
	status := models.WorkflowStatus(c.QueryParam("status"))
	if status == "" {
		status = models.WorkflowActive
	}
	limit, offset := pagination(c)

	workflows, err := h.c.WorkflowRepo.ListByStatus(c.Request().Context(), status, limit, offset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// Update replaces a workflow's definition, bumping its version
// PUT /api/v1/workflows/:id
func (h *WorkflowHandler) Update(c echo.Context) error {
	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	wf, err := h.c.Engine.UpdateWorkflow(c.Request().Context(), c.Param("id"), req.Name, req.Description, req.Definition)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// Activate transitions a DRAFT workflow to ACTIVE
// POST /api/v1/workflows/:id/activate
func (h *WorkflowHandler) Activate(c echo.Context) error {
	wf, err := h.c.Engine.ActivateWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// Archive transitions a workflow to ARCHIVED
// POST /api/v1/workflows/:id/archive
func (h *WorkflowHandler) Archive(c echo.Context) error {
	wf, err := h.c.Engine.ArchiveWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// Validate runs the rule set over a definition without saving anything
// POST /api/v1/workflows/validate
func (h *WorkflowHandler) Validate(c echo.Context) error {
	var req struct {
		Definition models.Definition `json:"definition"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	result := h.c.Validator.Validate(&req.Definition)
	return c.JSON(http.StatusOK, result)
}

// Execute creates and schedules a run of an active workflow
// POST /api/v1/workflows/:id/execute
func (h *WorkflowHandler) Execute(c echo.Context) error {
	var req struct {
		TriggerData map[string]any `json:"trigger_data"`
		Priority    int            `json:"priority"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	run, err := h.c.Engine.ExecuteWorkflow(c.Request().Context(), c.Param("id"), req.TriggerData, callerID(c), req.Priority)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// Runs lists a workflow's runs, optionally filtered by status
// GET /api/v1/workflows/:id/runs?status=RUNNING
func (h *WorkflowHandler) Runs(c echo.Context) error {
	var status *models.RunStatus
	if raw := c.QueryParam("status"); raw != "" {
		s := models.RunStatus(raw)
		status = &s
	}
	limit, offset := pagination(c)

	runs, err := h.c.RunRepo.ListByWorkflow(c.Request().Context(), c.Param("id"), status, limit, offset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// pagination reads limit/offset query params with sane bounds
func pagination(c echo.Context) (int, int) {
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	offset := 0
	if raw := c.QueryParam("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

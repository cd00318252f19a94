package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trellishq/trellis/cmd/trellis/container"
	"github.com/trellishq/trellis/common/queue"
)

// TaskHandler handles broker task status and control requests
type TaskHandler struct {
	c *container.Container
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(c *container.Container) *TaskHandler {
	return &TaskHandler{c: c}
}

// Submit enqueues a named task directly, for integrations and admin tools
// POST /api/v1/tasks
func (h *TaskHandler) Submit(c echo.Context) error {
	var req struct {
		Name     string         `json:"name"`
		Queue    string         `json:"queue"`
		Priority int            `json:"priority"`
		Kwargs   map[string]any `json:"kwargs"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" {
		return badRequest(c, "name is required")
	}

	taskID, err := h.c.Manager.SubmitTask(c.Request().Context(), req.Name, nil, req.Kwargs, queue.SubmitOptions{
		Queue:       req.Queue,
		Priority:    req.Priority,
		SubmittedBy: callerID(c),
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]any{"task_id": taskID})
}

// Get returns the status view of one task
// GET /api/v1/tasks/:id
func (h *TaskHandler) Get(c echo.Context) error {
	info, err := h.c.Manager.GetTaskStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// Cancel revokes a queued task; with terminate=true a running handler is
// interrupted as well
// POST /api/v1/tasks/:id/cancel?terminate=true
func (h *TaskHandler) Cancel(c echo.Context) error {
	terminate := c.QueryParam("terminate") == "true"
	revoked, err := h.c.Manager.CancelTask(c.Request().Context(), c.Param("id"), terminate)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"task_id": c.Param("id"),
		"revoked": revoked,
	})
}

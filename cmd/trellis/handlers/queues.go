package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trellishq/trellis/cmd/trellis/container"
)

// QueueHandler handles queue observability and admin requests
type QueueHandler struct {
	c *container.Container
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(c *container.Container) *QueueHandler {
	return &QueueHandler{c: c}
}

// Stats returns per-queue depths and worker counters
// GET /api/v1/queues/stats
func (h *QueueHandler) Stats(c echo.Context) error {
	depths, err := h.c.Manager.GetQueueStats(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"queues": depths,
		"worker": h.c.Manager.GetWorkerStats(),
	})
}

// Purge drops all queued tasks from one queue
// POST /api/v1/queues/:name/purge
func (h *QueueHandler) Purge(c echo.Context) error {
	purged, err := h.c.Manager.PurgeQueue(c.Request().Context(), c.Param("name"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"queue":  c.Param("name"),
		"purged": purged,
	})
}

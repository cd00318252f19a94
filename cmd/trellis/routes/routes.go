// Package routes registers the API surface onto the echo server.
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/trellishq/trellis/cmd/trellis/container"
	"github.com/trellishq/trellis/cmd/trellis/handlers"
	"github.com/trellishq/trellis/common/middleware"
	"github.com/trellishq/trellis/common/ratelimit"
)

// Register wires all API routes with auth and rate limiting
func Register(e *echo.Echo, c *container.Container) {
	api := e.Group("/api/v1")
	api.Use(middleware.Auth(c.Components.Config.Auth))
	if c.Limiter != nil {
		api.Use(middleware.GlobalRateLimit(c.Limiter, ratelimit.DefaultGlobalLimit))
	}

	wh := handlers.NewWorkflowHandler(c)
	workflows := api.Group("/workflows")
	{
		workflows.POST("", wh.Create)
		workflows.GET("", wh.List)
		workflows.POST("/validate", wh.Validate)
		workflows.GET("/:id", wh.Get)
		workflows.PUT("/:id", wh.Update)
		workflows.POST("/:id/activate", wh.Activate)
		workflows.POST("/:id/archive", wh.Archive)
		workflows.GET("/:id/runs", wh.Runs)
		if c.Limiter != nil {
			workflows.POST("/:id/execute", wh.Execute, middleware.TieredRateLimit(c.Limiter))
		} else {
			workflows.POST("/:id/execute", wh.Execute)
		}
	}

	eh := handlers.NewExecutionHandler(c)
	executions := api.Group("/executions")
	{
		if c.Limiter != nil {
			submit := middleware.TieredRateLimit(c.Limiter)
			executions.POST("", eh.Create, submit)
			executions.POST("/batch", eh.Batch, submit)
		} else {
			executions.POST("", eh.Create)
			executions.POST("/batch", eh.Batch)
		}
		executions.GET("", eh.List)
		executions.POST("/status", eh.Statuses)
		executions.GET("/:runId", eh.Get)
		executions.POST("/:runId/stop", eh.Stop)
		executions.POST("/:runId/retry", eh.Retry)
		executions.GET("/:runId/state", eh.State)
		executions.GET("/:runId/metrics", eh.Metrics)
		executions.GET("/:runId/nodes", eh.Nodes)
	}

	th := handlers.NewTaskHandler(c)
	tasks := api.Group("/tasks")
	{
		tasks.POST("", th.Submit)
		tasks.GET("/:id", th.Get)
		tasks.POST("/:id/cancel", th.Cancel)
	}

	qh := handlers.NewQueueHandler(c)
	queues := api.Group("/queues")
	{
		queues.GET("/stats", qh.Stats)
		queues.POST("/:name/purge", qh.Purge)
	}
}

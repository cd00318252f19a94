package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/trellishq/trellis/cmd/trellis/container"
	"github.com/trellishq/trellis/cmd/trellis/routes"
	"github.com/trellishq/trellis/common/bootstrap"
	"github.com/trellishq/trellis/common/metrics"
	"github.com/trellishq/trellis/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "trellis-api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap trellis-api: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize service container: %v\n", err)
		os.Exit(1)
	}
	defer serviceContainer.Close()

	serviceContainer.StartWorkers(ctx)

	e := setupEcho(components.Metrics)
	setupHealthCheck(e, components)
	routes.Register(e, serviceContainer)

	srv := server.New("trellis-api", components.Config.Service.Port, e, components.Logger,
		server.WithDrainBudget(components.Config.Service.ShutdownGrace))
	if err := srv.Start(); err != nil {
		components.Logger.Error("server stopped", "error", err)
	}
	cancel()
}

func setupEcho(m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.CORS())
	e.Use(metricsMiddleware(m))
	return e
}

// metricsMiddleware records request counts and latency per route
func metricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			m.HTTPRequest(c.Request().Method, c.Path(), strconv.Itoa(status), time.Since(start))
			return err
		}
	}
}

func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "trellis-api",
		})
	})
}

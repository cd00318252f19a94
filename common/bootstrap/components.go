package bootstrap

import (
	"context"
	"fmt"

	"github.com/trellishq/trellis/common/config"
	"github.com/trellishq/trellis/common/db"
	"github.com/trellishq/trellis/common/logger"
	"github.com/trellishq/trellis/common/metrics"
	"github.com/trellishq/trellis/common/redis"
	"github.com/trellishq/trellis/common/telemetry"
)

// Components holds the process-wide dependencies every binary starts from
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.DB
	Redis     *redis.Client
	Metrics   *metrics.Metrics
	Telemetry *telemetry.Telemetry

	cleanupFuncs []func() error
}

// Shutdown tears components down in reverse initialization order.
// Call with defer after Setup().
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	if c.Telemetry != nil {
		c.Telemetry.Stop(ctx)
	}

	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// Health checks the liveness of the stateful components
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("database unhealthy: %w", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}
	return nil
}

// addCleanup registers a cleanup function
func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}

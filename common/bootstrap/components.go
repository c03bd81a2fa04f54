package bootstrap

import (
	"context"
	"fmt"

	"github.com/blockpilot/worker/common/cache"
	"github.com/blockpilot/worker/common/config"
	"github.com/blockpilot/worker/common/db"
	"github.com/blockpilot/worker/common/logger"
	redisc "github.com/blockpilot/worker/common/redis"
	"github.com/blockpilot/worker/common/telemetry"
)

// Components is everything Setup opened. Fields are nil when the
// service opted out of them.
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.DB
	Redis     *redisc.Client
	Cache     cache.Cache
	Telemetry *telemetry.Telemetry

	cleanupFuncs []func() error
}

// Shutdown runs the registered cleanups in reverse order of setup.
// Call it with defer right after Setup succeeds.
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

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

// Health reports the first unhealthy shared dependency. The ops
// readiness endpoint calls this on every probe.
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

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/blockpilot/worker/common/logger"
	"github.com/blockpilot/worker/common/models"
)

// HealthChecker reports whether backing services are reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// BreakerAdmin exposes circuit breaker state for the ops endpoints.
type BreakerAdmin interface {
	States(ctx context.Context) ([]*models.BreakerState, error)
	Reset(ctx context.Context, scope string) error
}

// Ops is the worker's operational HTTP surface: liveness, readiness and
// breaker administration. It is not the platform API; that lives in the
// orchestrator service.
type Ops struct {
	echo *echo.Echo
	log  *logger.Logger
	name string
	addr string
}

// NewOps builds the ops server. breakers may be nil for services that
// carry no circuit state (the fanout service).
func NewOps(name string, port int, log *logger.Logger, health HealthChecker, breakers BreakerAdmin) *Ops {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Server.ReadTimeout = 15 * time.Second
	e.Server.WriteTimeout = 15 * time.Second
	e.Server.IdleTimeout = 60 * time.Second

	o := &Ops{
		echo: e,
		log:  log,
		name: name,
		addr: fmt.Sprintf(":%d", port),
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": name,
		})
	})

	e.GET("/readyz", func(c echo.Context) error {
		if health != nil {
			if err := health.Health(c.Request().Context()); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"error":  err.Error(),
				})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	})

	if breakers != nil {
		e.GET("/ops/breakers", func(c echo.Context) error {
			states, err := breakers.States(c.Request().Context())
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
			if states == nil {
				states = []*models.BreakerState{}
			}
			return c.JSON(http.StatusOK, states)
		})

		e.POST("/ops/breakers/:scope/reset", func(c echo.Context) error {
			scope := c.Param("scope")
			if scope == "" {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "scope is required"})
			}
			if err := breakers.Reset(c.Request().Context(), scope); err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
			return c.JSON(http.StatusOK, map[string]string{"status": "reset", "scope": scope})
		})
	}

	return o
}

// Start serves until Shutdown is called. Run it on its own goroutine;
// a clean shutdown returns nil.
func (o *Ops) Start() error {
	o.log.Info(fmt.Sprintf("%s ops server starting", o.name), "addr", o.addr)
	if err := o.echo.Start(o.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server error: %w", err)
	}
	return nil
}

// Shutdown drains outstanding requests.
func (o *Ops) Shutdown(ctx context.Context) error {
	return o.echo.Shutdown(ctx)
}

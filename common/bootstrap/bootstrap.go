package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/blockpilot/worker/common/cache"
	"github.com/blockpilot/worker/common/config"
	"github.com/blockpilot/worker/common/db"
	"github.com/blockpilot/worker/common/logger"
	redisc "github.com/blockpilot/worker/common/redis"
	"github.com/blockpilot/worker/common/telemetry"
)

// outputCachePrefix namespaces cached node outputs in Redis. The UI
// replays executions from these keys.
const outputCachePrefix = "exec:output"

// Setup wires the shared components every binary starts from: config,
// logger, Postgres, Redis, cache and telemetry. Redis is unconditional
// because the execution stream and the event channels live there;
// Postgres and the cache are skippable per service.
//
// Cleanup for everything Setup opened runs LIFO via Shutdown.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	var options options
	for _, opt := range opts {
		opt(&options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	cfg, err := config.Load(serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	components.Config = cfg

	components.Logger = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", cfg.Service.Environment,
	)

	if !options.skipDB {
		components.DB, err = db.New(ctx, cfg, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		components.addCleanup(func() error {
			components.DB.Close()
			return nil
		})
	}

	components.Logger.Info("connecting to redis", "addr", cfg.Redis.Addr)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		components.Shutdown(ctx)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	components.Redis = redisc.NewClient(rdb, components.Logger)
	components.addCleanup(func() error {
		components.Logger.Info("closing redis connection")
		return rdb.Close()
	})

	if !options.skipCache {
		components.Cache = cache.NewRedisCache(components.Redis, outputCachePrefix)
		components.addCleanup(func() error {
			return components.Cache.Close()
		})
	}

	if cfg.Telemetry.EnablePprof {
		components.Telemetry = telemetry.New(
			cfg.Telemetry.PprofPort,
			cfg.Telemetry.MetricsPort,
			components.Logger,
		)
		if err := components.Telemetry.Start(ctx); err != nil {
			// Telemetry failure does not block startup.
			components.Logger.Warn("failed to start telemetry", "error", err)
		}
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"cache", components.Cache != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

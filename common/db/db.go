package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blockpilot/worker/common/config"
	"github.com/blockpilot/worker/common/logger"
)

const (
	connectTimeout = 5 * time.Second
	healthTimeout  = 3 * time.Second
)

// DB is the worker's Postgres handle. The pgx pool is embedded so
// repositories issue queries on it directly.
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
}

// New builds the pool from config and verifies connectivity before
// returning. Connections identify themselves in pg_stat_activity as
// <service>/<worker id> so a stuck lock can be traced to its holder.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.Service.Name + "/" + cfg.Service.WorkerID

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("database connected",
		"host", cfg.Database.Host,
		"db", cfg.Database.Database,
		"max_conns", cfg.Database.MaxConns)

	return &DB{Pool: pool, log: log}, nil
}

// Close drains the pool and reports its lifetime acquire stats, which
// make pool exhaustion visible in shutdown logs.
func (db *DB) Close() {
	stat := db.Pool.Stat()
	db.log.Info("closing database pool",
		"acquires", stat.AcquireCount(),
		"empty_acquires", stat.EmptyAcquireCount())
	db.Pool.Close()
}

// Health pings with a short deadline. The ops readiness probe calls
// this on every /readyz hit.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return db.Pool.Ping(ctx)
}

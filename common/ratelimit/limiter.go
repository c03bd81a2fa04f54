package ratelimit

import (
	"context"
	"fmt"

	redisc "github.com/blockpilot/worker/common/redis"
)

// admissionScript is a fixed-window counter. Returns
// {allowed, current_count, limit, retry_after_seconds}.
const admissionScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local current = redis.call('INCR', key)
if current == 1 then
  redis.call('EXPIRE', key, window)
end

if current > limit then
  local ttl = redis.call('TTL', key)
  if ttl < 0 then
    redis.call('EXPIRE', key, window)
    ttl = window
  end
  return {0, current, limit, ttl}
end

return {1, current, limit, 0}
`

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result of one admission check.
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64
}

// Limiter admits executions per user per workflow tier so one tenant's
// agent-heavy workflows cannot starve the rest of the worker fleet.
// Counters live in Redis so all workers share the same window.
type Limiter struct {
	redis  *redisc.Client
	logger Logger
}

// NewLimiter creates an admission limiter.
func NewLimiter(redis *redisc.Client, logger Logger) *Limiter {
	return &Limiter{redis: redis, logger: logger}
}

// AdmitUser checks the per-user, per-tier window.
func (l *Limiter) AdmitUser(ctx context.Context, userID string, tier Tier) (*Result, error) {
	key := fmt.Sprintf("rate_limit:user:%s:tier:%s", userID, tier)
	return l.check(ctx, key, LimitForTier(tier), WindowForTier(tier))
}

// AdmitGlobal checks the service-wide window.
func (l *Limiter) AdmitGlobal(ctx context.Context, limit int64) (*Result, error) {
	return l.check(ctx, "rate_limit:global", limit, DefaultGlobalConfig.WindowSeconds)
}

func (l *Limiter) check(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	raw, err := l.redis.Eval(ctx, admissionScript, []string{key}, limit, windowSec)
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	res := &Result{
		Allowed:           arr[0].(int64) == 1,
		CurrentCount:      arr[1].(int64),
		Limit:             arr[2].(int64),
		RetryAfterSeconds: arr[3].(int64),
	}

	if !res.Allowed {
		l.logger.Warn("admission limit exceeded",
			"key", key,
			"current", res.CurrentCount,
			"limit", res.Limit,
			"retry_after", res.RetryAfterSeconds)
	}
	return res, nil
}

// Reset clears a counter, for tests and admin tooling.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.redis.Delete(ctx, key)
}

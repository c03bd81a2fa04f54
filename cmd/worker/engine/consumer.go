package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blockpilot/worker/common/metrics"
	"github.com/blockpilot/worker/common/queue"
	"github.com/blockpilot/worker/common/ratelimit"
	redisc "github.com/blockpilot/worker/common/redis"
)

// admissionBackoff throttles the requeue loop while an admission window
// is saturated, so a deferred message does not spin against Redis.
const admissionBackoff = time.Second

// Consumer pulls execution-start messages off the stream and feeds them
// to the engine, one at a time. Each worker process registers as its
// own consumer in the group, so the stream load-balances executions
// across the fleet.
type Consumer struct {
	redis    *redisc.Client
	producer *queue.Producer
	engine   *Engine
	logger   Logger

	stream string
	group  string
	name   string

	limiter   *ratelimit.Limiter
	workflows WorkflowSource
}

// NewConsumer creates a consumer identified as workerID plus a random
// suffix, so restarts do not collide with a slow-to-expire predecessor.
func NewConsumer(redis *redisc.Client, producer *queue.Producer, engine *Engine, logger Logger, stream, group, workerID string) *Consumer {
	if stream == "" {
		stream = queue.ExecutionStartStream
	}
	if group == "" {
		group = queue.ExecutionWorkerGroup
	}
	return &Consumer{
		redis:    redis,
		producer: producer,
		engine:   engine,
		logger:   logger,
		stream:   stream,
		group:    group,
		name:     fmt.Sprintf("%s-%s", workerID, uuid.NewString()[:8]),
	}
}

// WithAdmission turns on per-user tier admission. Saturated windows
// defer the message instead of dropping it.
func (c *Consumer) WithAdmission(limiter *ratelimit.Limiter, workflows WorkflowSource) *Consumer {
	c.limiter = limiter
	c.workflows = workflows
	return c
}

// Start consumes until the context ends.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.redis.CreateStreamGroup(ctx, c.stream, c.group); err != nil {
		return fmt.Errorf("failed to create consumer group %s: %w", c.group, err)
	}
	c.logger.Info("consuming execution starts",
		"stream", c.stream, "group", c.group, "consumer", c.name)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to read from stream", "stream", c.stream, "error", err)
			time.Sleep(time.Second)
		}
	}
}

func (c *Consumer) poll(ctx context.Context) error {
	streams, err := c.redis.ReadFromStreamGroup(ctx, c.group, c.name, c.stream, 1, 5*time.Second)
	if err != nil {
		return err
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			c.handle(ctx, message.ID, message.Values)
		}
	}
	return nil
}

// handle settles one stream message. Undecodable messages are acked as
// poison; infrastructure failures requeue with a bumped attempt counter
// before acking, so redelivery happens through a fresh message rather
// than the pending-entries list.
func (c *Consumer) handle(ctx context.Context, messageID string, values map[string]interface{}) {
	msg, err := queue.DecodeExecutionStart(values)
	if err != nil {
		c.logger.Error("dropping undecodable message",
			"message_id", messageID, "error", err)
		metrics.QueueMessages.WithLabelValues("poison").Inc()
		c.ack(ctx, messageID)
		return
	}

	if !c.admit(ctx, msg) {
		if rqErr := c.producer.Requeue(ctx, msg); rqErr != nil {
			c.logger.Error("failed to requeue deferred execution",
				"execution_id", msg.ExecutionID, "error", rqErr)
			metrics.QueueMessages.WithLabelValues("redelivered").Inc()
			return
		}
		metrics.QueueMessages.WithLabelValues("deferred").Inc()
		c.ack(ctx, messageID)
		c.pause(ctx, admissionBackoff)
		return
	}

	if err := c.engine.Execute(ctx, msg); err != nil {
		c.logger.Error("execution attempt failed before ownership",
			"execution_id", msg.ExecutionID, "attempt", msg.Attempt, "error", err)

		if rqErr := c.producer.Requeue(ctx, msg); rqErr != nil {
			// Leave the message pending; the group redelivers it.
			c.logger.Error("failed to requeue execution start",
				"execution_id", msg.ExecutionID, "error", rqErr)
			metrics.QueueMessages.WithLabelValues("redelivered").Inc()
			return
		}
		metrics.QueueMessages.WithLabelValues("requeued").Inc()
		c.ack(ctx, messageID)
		return
	}

	metrics.QueueMessages.WithLabelValues("handled").Inc()
	c.ack(ctx, messageID)
}

// admit applies the per-user, per-tier admission window. It fails
// open: admission is a throttle, not a gate, and a broken limiter must
// not stall the fleet.
func (c *Consumer) admit(ctx context.Context, msg *queue.ExecutionStart) bool {
	if c.limiter == nil || c.workflows == nil {
		return true
	}

	wf, err := c.workflows.GetWorkflow(ctx, msg.WorkflowID)
	if err != nil {
		// The engine settles missing definitions as proper failures.
		return true
	}

	tier := ratelimit.Inspect(wf).Tier
	res, err := c.limiter.AdmitUser(ctx, msg.UserID, tier)
	if err != nil {
		c.logger.Warn("admission check failed, admitting",
			"execution_id", msg.ExecutionID, "error", err)
		return true
	}
	if !res.Allowed {
		c.logger.Info("execution deferred, admission window saturated",
			"execution_id", msg.ExecutionID,
			"user_id", msg.UserID,
			"tier", tier,
			"retry_after_s", res.RetryAfterSeconds)
		return false
	}
	return true
}

func (c *Consumer) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Consumer) ack(ctx context.Context, messageID string) {
	if err := c.redis.AckStreamMessage(ctx, c.stream, c.group, messageID); err != nil {
		c.logger.Warn("failed to ack message", "message_id", messageID, "error", err)
	}
}

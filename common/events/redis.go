package events

import (
	"context"
	"encoding/json"

	"github.com/blockpilot/worker/common/metrics"
	redisc "github.com/blockpilot/worker/common/redis"
)

// ChannelPrefix is the Redis pub/sub prefix for execution events. The
// fanout service pattern-subscribes to ChannelPrefix:*.
const ChannelPrefix = "workflow:events"

// Channel returns the Redis channel for one execution's events.
func Channel(executionID string) string {
	return ChannelPrefix + ":" + executionID
}

// Logger is the logging surface the bridge needs.
type Logger interface {
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RedisBridge publishes events to per-execution Redis channels so other
// services (the fanout WebSocket bridge) can relay them. Publish
// failures are logged and dropped; event delivery never gates execution.
type RedisBridge struct {
	client *redisc.Client
	logger Logger
}

// NewRedisBridge creates a bridge over the shared Redis client.
func NewRedisBridge(client *redisc.Client, logger Logger) *RedisBridge {
	return &RedisBridge{
		client: client,
		logger: logger,
	}
}

var _ Publisher = (*RedisBridge)(nil)

// Publish marshals the event and publishes it to the execution channel.
func (b *RedisBridge) Publish(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("failed to encode event", "kind", event.Kind, "error", err)
		return
	}

	ctx := context.Background()
	if err := b.client.PublishEvent(ctx, Channel(event.ExecutionID), string(payload)); err != nil {
		b.logger.Warn("failed to publish event", "kind", event.Kind, "execution_id", event.ExecutionID, "error", err)
		return
	}

	metrics.EventsPublished.WithLabelValues(event.Kind).Inc()
}

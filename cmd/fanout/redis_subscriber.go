package main

import (
	"context"
	"encoding/json"

	"github.com/blockpilot/worker/common/events"
	"github.com/blockpilot/worker/common/logger"
	"github.com/blockpilot/worker/common/metrics"
	redisc "github.com/blockpilot/worker/common/redis"
)

// subscriber bridges Redis pub/sub into the in-process event bus. The
// execution worker publishes every event to workflow:events:<id>; this
// end pattern-subscribes and republishes into per-execution rooms.
type subscriber struct {
	client *redisc.Client
	bus    *events.Bus
	log    *logger.Logger
}

func newSubscriber(client *redisc.Client, bus *events.Bus, log *logger.Logger) *subscriber {
	return &subscriber{
		client: client,
		bus:    bus,
		log:    log,
	}
}

// Start consumes pattern messages until the context is cancelled.
func (s *subscriber) Start(ctx context.Context) {
	pattern := events.ChannelPrefix + ":*"
	pubsub := s.client.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	s.log.Info("event subscriber started", "pattern", pattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("event subscriber stopping")
			return

		case msg, ok := <-ch:
			if !ok {
				s.log.Warn("event subscription closed")
				return
			}
			s.relay(msg.Channel, []byte(msg.Payload))
		}
	}
}

// relay decodes one published event and routes it to its room. The bus
// routes on the execution ID carried in the event itself, so a payload
// without one is undeliverable and dropped.
func (s *subscriber) relay(channel string, payload []byte) {
	var event events.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		s.log.Warn("dropping undecodable event",
			"channel", channel,
			"error", err)
		return
	}
	if event.ExecutionID == "" {
		s.log.Warn("dropping event without execution id", "channel", channel)
		return
	}

	s.bus.Publish(event)
	metrics.FanoutEventsRelayed.WithLabelValues(event.Kind).Inc()
}

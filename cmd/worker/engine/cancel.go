package engine

import (
	"context"
	"strings"

	redisc "github.com/blockpilot/worker/common/redis"
)

// CancelChannelPrefix is the pub/sub namespace for cancellation
// requests. The API publishes to workflow:cancel:<execution-id>; every
// worker listens and the one running that execution aborts it.
const CancelChannelPrefix = "workflow:cancel"

// CancelChannel returns the channel for one execution.
func CancelChannel(executionID string) string {
	return CancelChannelPrefix + ":" + executionID
}

// executionIDFromChannel extracts the execution id from a cancellation
// channel name, or returns "" for channels outside the namespace.
func executionIDFromChannel(channel string) string {
	id := strings.TrimPrefix(channel, CancelChannelPrefix+":")
	if id == channel {
		return ""
	}
	return id
}

// Canceller aborts a running execution by id.
type Canceller interface {
	Cancel(executionID string) bool
}

// CancelListener subscribes to cancellation requests and forwards them
// to the engine. Requests for executions this worker is not running are
// ignored; the owning worker sees the same message.
type CancelListener struct {
	client    *redisc.Client
	canceller Canceller
	logger    Logger
}

// NewCancelListener wires a listener to an engine (or any Canceller).
func NewCancelListener(client *redisc.Client, canceller Canceller, logger Logger) *CancelListener {
	return &CancelListener{client: client, canceller: canceller, logger: logger}
}

// Start listens until the context ends. Blocks; run it in its own
// goroutine.
func (l *CancelListener) Start(ctx context.Context) {
	pubsub := l.client.PSubscribe(ctx, CancelChannelPrefix+":*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			executionID := executionIDFromChannel(msg.Channel)
			if executionID == "" {
				continue
			}
			if l.canceller.Cancel(executionID) {
				l.logger.Info("cancellation request honoured", "execution_id", executionID)
			} else {
				l.logger.Debug("cancellation request for execution not running here",
					"execution_id", executionID)
			}
		}
	}
}

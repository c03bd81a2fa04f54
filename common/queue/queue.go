package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	redisc "github.com/blockpilot/worker/common/redis"
)

// Wire contract for the execution-start queue. The orchestrator
// enqueues one message per launched execution; workers consume them
// through a consumer group so each message reaches exactly one worker.
const (
	// ExecutionStartStream is the default stream name. Overridable via
	// EXECUTION_STREAM for test isolation.
	ExecutionStartStream = "wf.executions.start"

	// ExecutionWorkerGroup is the default consumer group.
	ExecutionWorkerGroup = "execution-workers"

	// TypeExecutionStart tags the message payload.
	TypeExecutionStart = "ExecutionStart"

	// messageField is the stream field carrying the JSON payload.
	messageField = "message"
)

// ExecutionStart asks a worker to run one execution.
type ExecutionStart struct {
	Type        string    `json:"type"`
	ExecutionID uuid.UUID `json:"execution_id"`
	WorkflowID  uuid.UUID `json:"workflow_id"`
	UserID      string    `json:"user_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Attempt     int       `json:"attempt"`
}

// Validate rejects messages the worker cannot act on.
func (m *ExecutionStart) Validate() error {
	if m.Type != TypeExecutionStart {
		return fmt.Errorf("unexpected message type %q", m.Type)
	}
	if m.ExecutionID == uuid.Nil {
		return fmt.Errorf("execution_id is required")
	}
	if m.WorkflowID == uuid.Nil {
		return fmt.Errorf("workflow_id is required")
	}
	return nil
}

// Encode returns the stream field map for XADD.
func (m *ExecutionStart) Encode() (map[string]interface{}, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution start: %w", err)
	}
	return map[string]interface{}{messageField: string(payload)}, nil
}

// DecodeExecutionStart parses the payload out of a stream message's
// field map.
func DecodeExecutionStart(values map[string]interface{}) (*ExecutionStart, error) {
	raw, ok := values[messageField].(string)
	if !ok {
		return nil, fmt.Errorf("message missing %q field", messageField)
	}

	var msg ExecutionStart
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution start: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Producer enqueues ExecutionStart messages. The worker uses it to
// requeue messages after infrastructure failures; tests use it to feed
// the consumer.
type Producer struct {
	redis  *redisc.Client
	stream string
}

// NewProducer creates a producer for the given stream.
func NewProducer(redis *redisc.Client, stream string) *Producer {
	if stream == "" {
		stream = ExecutionStartStream
	}
	return &Producer{redis: redis, stream: stream}
}

// Enqueue publishes the message, stamping type and enqueue time.
func (p *Producer) Enqueue(ctx context.Context, msg *ExecutionStart) error {
	msg.Type = TypeExecutionStart
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	values, err := msg.Encode()
	if err != nil {
		return err
	}
	if _, err := p.redis.AddToStream(ctx, p.stream, values); err != nil {
		return fmt.Errorf("failed to publish execution start: %w", err)
	}
	return nil
}

// Requeue re-enqueues a message with the attempt counter bumped.
func (p *Producer) Requeue(ctx context.Context, msg *ExecutionStart) error {
	next := *msg
	next.Attempt++
	next.EnqueuedAt = time.Now().UTC()
	return p.Enqueue(ctx, &next)
}

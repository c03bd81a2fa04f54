package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/blockpilot/worker/common/models"
)

// Event kinds pushed to execution subscribers.
const (
	ExecutionStarted    = "execution_started"
	NodeExecutionUpdate = "node_execution_update"
	ExecutionCompleted  = "execution_completed"
	ExecutionFailed     = "execution_failed"
	ExecutionLog        = "execution_log"
	ExecutionMetrics    = "execution_metrics"
	EdgeFlow            = "edge_flow"
)

// Event is one progress update for an execution. Payload shape depends
// on Kind.
type Event struct {
	Kind        string         `json:"type"`
	ExecutionID string         `json:"execution_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Publisher is the narrow port the engine publishes through. Delivery
// is best-effort; publishing never blocks execution progress.
type Publisher interface {
	Publish(event Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(event Event) { f(event) }

// NopPublisher drops all events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// Multi fans one publish out to several publishers.
type Multi []Publisher

func (m Multi) Publish(event Event) {
	for _, p := range m {
		p.Publish(event)
	}
}

func newEvent(kind string, executionID uuid.UUID, payload map[string]any) Event {
	return Event{
		Kind:        kind,
		ExecutionID: executionID.String(),
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
}

// Started builds an execution_started event.
func Started(executionID, workflowID uuid.UUID) Event {
	return newEvent(ExecutionStarted, executionID, map[string]any{
		"workflow_id": workflowID.String(),
	})
}

// NodeUpdate builds a node_execution_update event from a node record.
func NodeUpdate(ne *models.NodeExecution) Event {
	payload := map[string]any{
		"node_id": ne.NodeID,
		"kind":    ne.Kind,
		"status":  string(ne.Status),
		"attempt": ne.Attempt,
	}
	if ne.Error != nil {
		payload["error"] = *ne.Error
	}
	if ne.Output != nil {
		payload["output"] = ne.Output
	}
	return newEvent(NodeExecutionUpdate, ne.ExecutionID, payload)
}

// Completed builds an execution_completed event.
func Completed(executionID uuid.UUID, output map[string]any) Event {
	return newEvent(ExecutionCompleted, executionID, map[string]any{
		"output": output,
	})
}

// Failed builds an execution_failed event.
func Failed(executionID uuid.UUID, errMsg string) Event {
	return newEvent(ExecutionFailed, executionID, map[string]any{
		"error": errMsg,
	})
}

// Log builds an execution_log event.
func Log(entry *models.LogEntry) Event {
	payload := map[string]any{
		"level":   string(entry.Level),
		"message": entry.Message,
	}
	if entry.NodeID != nil {
		payload["node_id"] = *entry.NodeID
	}
	if entry.Fields != nil {
		payload["fields"] = entry.Fields
	}
	return newEvent(ExecutionLog, entry.ExecutionID, payload)
}

// Metrics builds an execution_metrics event.
func Metrics(executionID uuid.UUID, nodeID string, metrics map[string]any) Event {
	return newEvent(ExecutionMetrics, executionID, map[string]any{
		"node_id": nodeID,
		"metrics": metrics,
	})
}

// Edge builds an edge_flow event marking data moving across an edge.
func Edge(executionID uuid.UUID, source, target string) Event {
	return newEvent(EdgeFlow, executionID, map[string]any{
		"source": source,
		"target": target,
	})
}

package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/trellishq/trellis/common/redis"
)

// RunEventStream is the Redis stream carrying run lifecycle events
const RunEventStream = "run.events"

// Event types emitted over the run event stream
const (
	EventRunStarted    = "run.started"
	EventRunCompleted  = "run.completed"
	EventRunFailed     = "run.failed"
	EventRunCancelled  = "run.cancelled"
	EventNodeCompleted = "node.completed"
	EventNodeFailed    = "node.failed"
)

// RunEvent is one entry on the run event stream
type RunEvent struct {
	Type       string    `json:"type"`
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id"`
	NodeID     string    `json:"node_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// EventPublisher emits run lifecycle events. Publishing is best-effort: the
// stream is a notification channel, the database is the record.
type EventPublisher interface {
	Publish(ctx context.Context, event RunEvent)
}

// NopPublisher drops all events
type NopPublisher struct{}

// Publish implements EventPublisher
func (NopPublisher) Publish(context.Context, RunEvent) {}

// StreamPublisher writes run events to a Redis stream for external consumers
type StreamPublisher struct {
	client *redis.Client
	logger Logger
}

// NewStreamPublisher creates a Redis-stream event publisher
func NewStreamPublisher(client *redis.Client, logger Logger) *StreamPublisher {
	return &StreamPublisher{client: client, logger: logger}
}

// Publish appends the event to the stream; failures are logged and dropped
func (p *StreamPublisher) Publish(ctx context.Context, event RunEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to encode run event", "type", event.Type, "error", err)
		return
	}

	if _, err := p.client.AddToStream(context.WithoutCancel(ctx), RunEventStream, map[string]interface{}{
		"type":    event.Type,
		"run_id":  event.RunID,
		"payload": string(payload),
	}); err != nil {
		p.logger.Warn("failed to publish run event", "type", event.Type, "run_id", event.RunID, "error", err)
	}
}

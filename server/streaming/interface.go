// Package streaming defines the fire-and-forget event sink used to broadcast
// execution lifecycle events to interested listeners (websocket clients, log
// sinks, future message brokers).
package streaming

import (
	"context"
	"time"
)

// Topics published by the engine.
const (
	TopicExecutionStarted   = "execution.started"
	TopicExecutionCompleted = "execution.completed"
	TopicExecutionFailed    = "execution.failed"
	TopicWebhookTriggered   = "webhook.triggered"
	TopicScheduleFired      = "schedule.fired"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Payload     []byte    `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
}

// Publisher emits events. Publish must not block on slow consumers; delivery
// is best effort.
type Publisher interface {
	Publish(ctx context.Context, topic string, executionID string, payload any) error
	Close() error
}

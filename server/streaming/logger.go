package streaming

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// LogPublisher writes events to the process log. It is the default sink when
// no websocket hub or broker is wired in.
type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, executionID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		ExecutionID: executionID,
		Payload:     data,
		Timestamp:   time.Now(),
		Source:      "server",
	}

	eventBytes, _ := json.Marshal(event)
	p.logger.Printf("[events] %s %s", topic, string(eventBytes))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}

// Fanout publishes every event to each wrapped publisher, logging failures
// instead of propagating them.
type Fanout struct {
	sinks []Publisher
}

func NewFanout(sinks ...Publisher) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Publish(ctx context.Context, topic string, executionID string, payload any) error {
	for _, s := range f.sinks {
		if err := s.Publish(ctx, topic, executionID, payload); err != nil {
			log.Printf("event publish failed (topic %s): %v", topic, err)
		}
	}
	return nil
}

func (f *Fanout) Close() error {
	for _, s := range f.sinks {
		s.Close()
	}
	return nil
}

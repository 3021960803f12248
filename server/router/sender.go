package router

import (
	"context"
	"fmt"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vew/server/events"
	"github.com/google/uuid"
)

// Sender publishes events onto a durable queue
type Sender struct {
	Log   logs.Log
	dial  Dialer
	queue string
}

func NewSender(logger logs.Log, dial Dialer, queue string) *Sender {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Sender{
		Log:   logs.NewPrefixLogger(logger, "Sender"),
		dial:  dial,
		queue: queue,
	}
}

func (s *Sender) Queue() string {
	return s.queue
}

// SendEvents publishes events in order, on a fresh connection which is closed before returning.
// Sending an empty list does nothing, and does not connect to the broker.
func (s *Sender) SendEvents(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	broker, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("Failed to connect to broker: %w", err)
	}
	defer broker.Close()

	if err := broker.Declare(ctx, s.queue); err != nil {
		return fmt.Errorf("Failed to declare queue '%v': %w", s.queue, err)
	}

	for i := range evs {
		body, err := events.Encode(&evs[i])
		if err != nil {
			return fmt.Errorf("Failed to encode event: %w", err)
		}
		msg := Message{
			ID:   uuid.NewString(),
			Body: body,
		}
		if err := broker.Publish(ctx, s.queue, msg); err != nil {
			return fmt.Errorf("Failed to publish event to '%v': %w", s.queue, err)
		}
		s.Log.Debugf("Sent %v", string(body))
	}
	return nil
}

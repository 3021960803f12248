package router

import (
	"context"
	"errors"
	"time"

	"github.com/cyclopcam/vew/server/events"
)

const DefaultQueue = "events"
const DefaultPollTimeout = time.Second

var ErrMalformed = errors.New("Malformed event message")

// Message is a single queue payload
type Message struct {
	ID   string // Unique message ID, assigned by the sender
	Body []byte
}

// Delivery is a message that has been pulled off a queue, and must be either acknowledged or rejected
type Delivery struct {
	Message
	Tag         uint64 // Broker-specific handle used by Ack/Reject
	Redelivered bool   // True if this message was previously delivered but never acknowledged
}

// Broker is the publish/consume/acknowledge contract of a durable queue.
// A Broker represents one connection, and Close must be called when finished with it.
type Broker interface {
	// Declare creates the queue if it doesn't already exist. The queue survives a broker restart.
	Declare(ctx context.Context, queue string) error

	// Publish appends a persistent message to the queue
	Publish(ctx context.Context, queue string, msg Message) error

	// Get pulls one message off the queue, or returns nil if the queue is empty.
	// The message stays on the broker until it is acknowledged.
	Get(ctx context.Context, queue string) (*Delivery, error)

	// Ack removes a delivered message from the queue
	Ack(ctx context.Context, d *Delivery) error

	// Reject dead-letters a delivered message, so that it is not delivered again
	Reject(ctx context.Context, d *Delivery, reason string) error

	Close() error
}

// Dialer opens a new broker connection
type Dialer func(ctx context.Context) (Broker, error)

// Action is a downstream consumer of received events
type Action func(ctx context.Context, ev *events.Event) error

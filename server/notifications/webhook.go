package notifications

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vew/pkg/requests"
	"github.com/cyclopcam/vew/server/events"
)

// WebhookNotifier POSTs events to an HTTP endpoint.
// Notify never blocks on the network. Events are queued, and a background thread transmits them,
// backing off when the endpoint is unreachable.
type WebhookNotifier struct {
	Log          logs.Log
	url          string
	maxQueueSize int
	minPause     time.Duration
	maxPause     time.Duration
	httpTimeout  time.Duration
	newEvent     chan []byte
	shutdown     chan bool
	closed       chan bool

	lock sync.Mutex
	sent int
}

func NewWebhookNotifier(logger logs.Log, url string) *WebhookNotifier {
	n := &WebhookNotifier{
		Log:          logs.NewPrefixLogger(logger, "Webhook"),
		url:          url,
		maxQueueSize: 1000,
		minPause:     time.Second,
		maxPause:     30 * time.Second,
		httpTimeout:  10 * time.Second,
		newEvent:     make(chan []byte, 100),
		shutdown:     make(chan bool),
		closed:       make(chan bool),
	}
	go n.transmitThread()
	return n
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev *events.Event) error {
	payload, err := events.Encode(ev)
	if err != nil {
		return err
	}
	select {
	case n.newEvent <- payload:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Sent returns the number of events successfully delivered
func (n *WebhookNotifier) Sent() int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.sent
}

// Close stops the transmit thread. Events that have not been delivered are discarded.
func (n *WebhookNotifier) Close() {
	close(n.shutdown)
	<-n.closed
}

func (n *WebhookNotifier) transmitThread() {
	defer close(n.closed)
	pause := n.maxPause
	queue := [][]byte{}
	for {
		select {
		case ev := <-n.newEvent:
			if len(queue) >= n.maxQueueSize {
				n.Log.Warnf("Dropping old messages from webhook queue, size: %v", len(queue))
				queue = queue[len(queue)-n.maxQueueSize+1:]
			}
			queue = append(queue, ev)
			pause = 0
		case <-time.After(pause):
			if len(queue) != 0 {
				queue = n.transmitQueue(queue)
			}
			if len(queue) == 0 {
				// Nothing to do until the next event arrives
				pause = n.maxPause
			} else {
				pause = min(max(pause*2, n.minPause), n.maxPause)
			}
		case <-n.shutdown:
			if len(queue) != 0 {
				n.Log.Warnf("Discarding %v undelivered events", len(queue))
			}
			return
		}
	}
}

// transmitQueue sends events in order, and returns the ones that could not be sent
func (n *WebhookNotifier) transmitQueue(queue [][]byte) [][]byte {
	for i, payload := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.httpTimeout)
		_, err := requests.Request[struct{}](ctx, "POST", n.url, "application/json", bytes.NewReader(payload))
		cancel()
		if err != nil {
			n.Log.Errorf("Failed to send event to %v: %v", n.url, err)
			return queue[i:]
		}
		n.lock.Lock()
		n.sent++
		n.lock.Unlock()
	}
	return queue[:0]
}

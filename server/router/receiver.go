package router

import (
	"context"
	"fmt"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vew/server/events"
)

// ReceiveStats summarizes one run of ReceiveEvents
type ReceiveStats struct {
	Received int `json:"received"` // Messages pulled off the queue
	Handled  int `json:"handled"`  // Messages for which every action succeeded
	Skipped  int `json:"skipped"`  // Valid messages whose event is not in the allow-list
	Rejected int `json:"rejected"` // Malformed messages, and messages for which an action failed
}

func (s ReceiveStats) String() string {
	return fmt.Sprintf("received %v, handled %v, skipped %v, rejected %v", s.Received, s.Handled, s.Skipped, s.Rejected)
}

// Receiver drains a durable queue, handing each event to a list of actions
type Receiver struct {
	Log         logs.Log
	dial        Dialer
	queue       string
	pollTimeout time.Duration
	allowed     events.NameSet
}

// NewReceiver creates a Receiver. If allowed is empty, all known event names are allowed.
func NewReceiver(logger logs.Log, dial Dialer, queue string, pollTimeout time.Duration, allowed []events.Name) *Receiver {
	if queue == "" {
		queue = DefaultQueue
	}
	if len(allowed) == 0 {
		allowed = events.AllNames
	}
	return &Receiver{
		Log:         logs.NewPrefixLogger(logger, "Receiver"),
		dial:        dial,
		queue:       queue,
		pollTimeout: pollTimeout,
		allowed:     events.MakeNameSet(allowed),
	}
}

// ReceiveEvents polls the queue once every poll timeout, and returns when the queue is empty.
// Every event is handed to each action, in order, and is acknowledged only after all actions succeed.
// A message that cannot be decoded, or for which an action fails, is rejected and the loop moves on.
// Cancelling ctx stops the loop at the next poll boundary.
func (r *Receiver) ReceiveEvents(ctx context.Context, actions ...Action) (ReceiveStats, error) {
	stats := ReceiveStats{}

	broker, err := r.dial(ctx)
	if err != nil {
		return stats, fmt.Errorf("Failed to connect to broker: %w", err)
	}
	defer broker.Close()

	if err := broker.Declare(ctx, r.queue); err != nil {
		return stats, fmt.Errorf("Failed to declare queue '%v': %w", r.queue, err)
	}

	timer := time.NewTimer(r.pollTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Log.Infof("Stopped early (%v)", stats)
			return stats, ctx.Err()
		case <-timer.C:
		}

		d, err := broker.Get(ctx, r.queue)
		if err != nil {
			return stats, fmt.Errorf("Failed to read from queue '%v': %w", r.queue, err)
		}
		if d == nil {
			r.Log.Infof("Queue '%v' is empty (%v)", r.queue, stats)
			return stats, nil
		}
		stats.Received++

		if err := r.handle(ctx, broker, d, &stats, actions); err != nil {
			return stats, err
		}
		timer.Reset(r.pollTimeout)
	}
}

// handle returns an error only if the broker fails
func (r *Receiver) handle(ctx context.Context, broker Broker, d *Delivery, stats *ReceiveStats, actions []Action) error {
	ev, err := events.Decode(d.Body)
	if err != nil {
		r.Log.Warnf("Rejecting message %v: %v: %v", d.ID, ErrMalformed, err)
		stats.Rejected++
		return r.reject(ctx, broker, d, fmt.Sprintf("%v: %v", ErrMalformed, err))
	}

	if !r.allowed[ev.Name] {
		r.Log.Debugf("Skipping '%v' event for track %v", ev.Name, ev.TrackID)
		stats.Skipped++
		return r.ack(ctx, broker, d)
	}

	r.Log.Infof("Received %v", ev)
	for i, action := range actions {
		if err := action(ctx, ev); err != nil {
			r.Log.Errorf("Action %v failed on %v: %v", i, ev, err)
			stats.Rejected++
			return r.reject(ctx, broker, d, err.Error())
		}
	}
	stats.Handled++
	return r.ack(ctx, broker, d)
}

func (r *Receiver) ack(ctx context.Context, broker Broker, d *Delivery) error {
	if err := broker.Ack(ctx, d); err != nil {
		return fmt.Errorf("Failed to acknowledge message %v: %w", d.ID, err)
	}
	return nil
}

func (r *Receiver) reject(ctx context.Context, broker Broker, d *Delivery, reason string) error {
	if err := broker.Reject(ctx, d, reason); err != nil {
		return fmt.Errorf("Failed to reject message %v: %w", d.ID, err)
	}
	return nil
}

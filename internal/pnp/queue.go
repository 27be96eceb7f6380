package pnp

import (
	"context"
	"errors"
	"time"

	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
)

const (
	// DefaultQueueSize bounds the number of pending events
	DefaultQueueSize = 10
	// DefaultEnqueueTimeout is how long a callback waits for queue space
	DefaultEnqueueTimeout = 500 * time.Millisecond
)

// ErrQueueFull is returned when an event could not be queued in time
var ErrQueueFull = errors.New("event queue full")

// EventKind distinguishes queued work
type EventKind int

const (
	// EventTwin is a twin document or desired patch to apply
	EventTwin EventKind = iota + 1
	// EventCommand is a prepared command response to publish
	EventCommand
)

func (k EventKind) String() string {
	switch k {
	case EventTwin:
		return "twin"
	case EventCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Event is handed from the MQTT callback to the worker
type Event struct {
	Kind    EventKind
	Topic   string
	Payload []byte

	// Twin events
	IsTwinGet bool

	// Command events
	Command       string
	ResponseTopic string
	Status        iothub.Status
}

// Queue is a bounded hand-off between MQTT callbacks and the worker
type Queue struct {
	ch      chan Event
	timeout time.Duration
}

// NewQueue creates a queue with the given capacity and enqueue timeout
func NewQueue(size int, timeout time.Duration) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultEnqueueTimeout
	}
	return &Queue{
		ch:      make(chan Event, size),
		timeout: timeout,
	}
}

// Put enqueues ev, waiting up to the queue timeout for space
func (q *Queue) Put(ctx context.Context, ev Event) error {
	select {
	case q.ch <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case q.ch <- ev:
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is the receive side drained by the worker
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Len returns the number of pending events
func (q *Queue) Len() int {
	return len(q.ch)
}

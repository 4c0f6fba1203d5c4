// Package events implements the cooperative concurrency runtime shared by the
// DHT engine, the network layer, and the publish/replicate control loops: a
// single-threaded event reactor, a min-heap timer scheduler, futures with
// cooperative cancellation ("Task"), one-shot observers, and a
// bounded-concurrency task slot.
package events

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// DefaultMaxQueueSize is the default bound on a Reactor's pending event
// queue, matching the reference reactor's default.
const DefaultMaxQueueSize = 100

// warnThreshold is the fraction of the queue capacity at which the reactor
// logs a warning, so operators notice backpressure before it becomes loss.
const warnThreshold = 0.9

// EventType identifies the kind of event carried through a Reactor.
type EventType string

// Event is a typed message posted to a Reactor.
type Event struct {
	Type EventType
	Data interface{}
}

// Handler processes a single Event. Handlers run on the Reactor's own
// goroutine, so they must not block.
type Handler func(Event)

// Reactor is a single-goroutine typed event dispatcher with a bounded queue.
// Posting to a full queue returns an error rather than blocking the caller,
// matching the reference implementation's "reject when full" policy.
type Reactor struct {
	queue    chan Event
	register chan registration
	stop     chan struct{}
	done     chan struct{}
	capacity int
	log      *logrus.Entry
}

type registration struct {
	eventType EventType
	handler   Handler
}

// stopEvent is posted internally to unwind the dispatch loop; it is never
// exposed to registered handlers.
const stopEvent EventType = "\x00stop"

// NewReactor creates a Reactor with the given queue bound. A maxQueueSize of
// 0 uses DefaultMaxQueueSize.
func NewReactor(maxQueueSize int) *Reactor {
	if maxQueueSize <= 0 {
		maxQueueSize = DefaultMaxQueueSize
	}
	return &Reactor{
		queue:    make(chan Event, maxQueueSize),
		register: make(chan registration),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		capacity: maxQueueSize,
		log:      logrus.WithField("component", "events.reactor"),
	}
}

// On registers h to be called for every Event of type t. The registration is
// handed to Run's loop, so On blocks until that loop accepts it: called before
// Run starts, it waits for Run; called from inside a handler, which runs on
// Run's own goroutine, it never returns. After Run has returned, On does
// nothing.
func (r *Reactor) On(t EventType, h Handler) {
	select {
	case r.register <- registration{t, h}:
	case <-r.done:
	}
}

// Post enqueues e for dispatch. It never blocks: if the queue is full it
// returns an error immediately.
func (r *Reactor) Post(e Event) error {
	select {
	case r.queue <- e:
		if len(r.queue) >= int(float64(r.capacity)*warnThreshold) {
			r.log.Warnf("event queue at %d/%d capacity", len(r.queue), r.capacity)
		}
		return nil
	default:
		return fmt.Errorf("events: reactor queue full (capacity %d)", r.capacity)
	}
}

// Run dispatches events until Stop is called. It blocks the calling
// goroutine; callers typically invoke it via `go reactor.Run()`.
func (r *Reactor) Run() {
	defer close(r.done)

	handlers := make(map[EventType][]Handler)

	for {
		select {
		case reg := <-r.register:
			handlers[reg.eventType] = append(handlers[reg.eventType], reg.handler)
		case ev := <-r.queue:
			if ev.Type == stopEvent {
				return
			}
			for _, h := range handlers[ev.Type] {
				h(ev)
			}
		case <-r.stop:
			// Drain remaining queued events before exiting, matching the
			// reference reactor's STOP_ID "drain then exit" semantics.
			for {
				select {
				case ev := <-r.queue:
					if ev.Type == stopEvent {
						return
					}
					for _, h := range handlers[ev.Type] {
						h(ev)
					}
				default:
					return
				}
			}
		}
	}
}

// Stop signals the reactor to drain its queue and exit Run. It is safe to
// call multiple times.
func (r *Reactor) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// Done returns a channel closed once Run has returned.
func (r *Reactor) Done() <-chan struct{} { return r.done }

// Package eventbus provides a typed, in-process, fire-and-forget pub/sub
// bus that decouples the job queue, scheduler and processor from each
// other. Subscribers for a given event type are invoked synchronously, in
// registration order, by Publish; a subscriber that panics is recovered
// and logged so it cannot poison the others. Publish returns only after
// every subscriber has returned, so a subscriber that does slow work
// inline delays the publisher.
package eventbus

import (
	"sync"

	"github.com/xkonti/crude-functions/l3"
)

var logger = l3.Get()

// Well-known event types emitted by the core. Consumers may publish and
// subscribe to additional, domain-specific types.
const (
	JobEnqueued      = "JobEnqueued"
	JobStarted       = "JobStarted"
	JobCompleted     = "JobCompleted"
	ScheduleTriggered = "ScheduleTriggered"
	SchedulePaused   = "SchedulePaused"
)

// Event is a single published occurrence. Payload is whatever the
// publisher chooses to attach; subscribers type-assert it to the shape
// documented for Type.
type Event struct {
	Type    string
	Payload any
}

// Handler receives a published Event. A handler that panics is recovered
// and logged; the panic never propagates back to Publish.
type Handler func(Event)

// Unsubscribe removes a previously registered handler. It is idempotent:
// calling it more than once is a no-op.
type Unsubscribe func()

// Bus is the public contract of the event bus.
type Bus interface {
	// Subscribe appends handler to the subscriber list for eventType and
	// returns a function that removes it. Subscribers for a type are
	// invoked in the order they were subscribed.
	Subscribe(eventType string, handler Handler) Unsubscribe
	// Publish synchronously invokes every subscriber registered for
	// event.Type, in registration order. It never blocks on a subscriber
	// that chooses to do long work in its own goroutine, and never
	// returns an error: subscriber panics are recovered and logged.
	Publish(event Event)
}

type subscription struct {
	id      uint64
	handler Handler
}

type bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription
	nextID      uint64
}

// New creates an empty, ready-to-use Bus.
func New() Bus {
	return &bus{
		subscribers: make(map[string][]subscription),
	}
}

func (b *bus) Subscribe(eventType string, handler Handler) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[eventType]
			for i, s := range subs {
				if s.id == id {
					b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *bus) Publish(event Event) {
	// Snapshot under read lock so dispatch never holds the bus lock while
	// running subscriber code (a subscriber may itself call Subscribe).
	b.mu.RLock()
	subs := b.subscribers[event.Type]
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	for _, s := range snapshot {
		dispatch(event, s.handler)
	}
}

// dispatch invokes handler, recovering any panic so one subscriber can
// never take down the publisher or its siblings.
func dispatch(event Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("eventbus: subscriber for %q panicked: %v", event.Type, r)
		}
	}()
	handler(event)
}

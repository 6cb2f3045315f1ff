package gateway

import (
	"encoding/json"
	"sync"

	"github.com/codefionn/talkschnell/internal/logger"
)

// Event is a server-push notification. Events are fire-and-forget and may
// be delivered zero, one or many times per logical occurrence.
type Event struct {
	Name    string
	Payload json.RawMessage
	Seq     *int64
}

// EventHandler receives dispatched events. Handlers run synchronously on
// the read loop, so they must not block.
type EventHandler func(Event)

type listenerEntry struct {
	id int64
	fn EventHandler
}

// Dispatcher routes events to registered listeners by event name.
// Listeners are invoked in registration order over a snapshot of the
// listener list, so a handler removing itself (or any other handler)
// during dispatch cannot corrupt the iteration.
type Dispatcher struct {
	mu        sync.Mutex
	nextID    int64
	listeners map[string][]listenerEntry
	log       *logger.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Global()
	}
	return &Dispatcher{
		listeners: make(map[string][]listenerEntry),
		log:       log.WithComponent("dispatch"),
	}
}

// On registers a listener for the named event and returns a function that
// unregisters it. Unregistering twice is harmless.
func (d *Dispatcher) On(name string, fn EventHandler) (off func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners[name] = append(d.listeners[name], listenerEntry{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		entries := d.listeners[name]
		for i, e := range entries {
			if e.id == id {
				d.listeners[name] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(d.listeners[name]) == 0 {
			delete(d.listeners, name)
		}
	}
}

// Dispatch invokes all listeners registered for the event's name, in
// registration order. A panicking listener is logged and skipped so one
// faulty listener cannot break the others or the socket read loop.
func (d *Dispatcher) Dispatch(evt Event) {
	d.mu.Lock()
	entries := make([]listenerEntry, len(d.listeners[evt.Name]))
	copy(entries, d.listeners[evt.Name])
	d.mu.Unlock()

	for _, e := range entries {
		d.invoke(evt, e.fn)
	}
}

func (d *Dispatcher) invoke(evt Event, fn EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("listener for %q panicked: %v", evt.Name, r)
		}
	}()
	fn(evt)
}

// ListenerCount returns the number of listeners for an event name.
func (d *Dispatcher) ListenerCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners[name])
}

package config

import (
	"sync"

	"github.com/google/uuid"

	"github.com/eugenenazirov/tsrlib/internal/document"
)

const (
	// EventInitialized fires once when Initialize publishes the resolved state.
	EventInitialized = "initialized"
	// EventChange fires for every UpdateValue call.
	EventChange = "change"
)

// ChangeEvent returns the path-specific event name, e.g. "change:ui.theme".
func ChangeEvent(path string) string {
	return EventChange + ":" + path
}

// Event is delivered to listeners. Config is set for EventInitialized; Path and
// Value are set for change events.
type Event struct {
	Name   string
	Path   string
	Value  document.Value
	Config document.Mapping
}

// Change is a single value update as seen by Watch consumers.
type Change struct {
	Path  string         `json:"path"`
	Value document.Value `json:"value"`
}

// Listener receives events synchronously on the goroutine that emitted them.
type Listener func(Event)

type subscription struct {
	id    string
	event string
	fn    Listener
}

// observers is an ordered registry of (event, listener) pairs.
type observers struct {
	mu   sync.RWMutex
	subs []subscription
}

func (o *observers) add(event string, fn Listener) func() {
	id := uuid.NewString()

	o.mu.Lock()
	o.subs = append(o.subs, subscription{id: id, event: event, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.remove(id)
		})
	}
}

func (o *observers) remove(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, sub := range o.subs {
		if sub.id == id {
			o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
			return
		}
	}
}

// emit calls matching listeners in registration order outside the registry lock.
func (o *observers) emit(event Event) {
	o.mu.RLock()
	matched := make([]Listener, 0, len(o.subs))
	for _, sub := range o.subs {
		if sub.event == event.Name {
			matched = append(matched, sub.fn)
		}
	}
	o.mu.RUnlock()

	for _, fn := range matched {
		fn(event)
	}
}

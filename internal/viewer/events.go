package viewer

import (
	"sync"
)

// Event names on the session's notification surface.
const (
	EventQualityChange = "qualitychange"
	EventCacheStats    = "cachestats"
)

// Event is a named notification with an event-specific payload. Subscribers
// receive it fire-and-forget; no response is expected.
type Event struct {
	Name    string
	Payload any
}

// Handler consumes one event. Handlers run synchronously on the emitting
// goroutine and must not block.
type Handler func(Event)

// bus is a minimal subscribe/emit surface for UI and diagnostic consumers.
type bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

func newBus() *bus {
	return &bus{subs: make(map[string]map[int]Handler)}
}

// subscribe registers a handler for a named event and returns an
// unsubscribe function.
func (b *bus) subscribe(name string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[name] == nil {
		b.subs[name] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[name][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[name], id)
	}
}

func (b *bus) emit(name string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[name]))
	for _, h := range b.subs[name] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload}
	for _, h := range handlers {
		h(ev)
	}
}

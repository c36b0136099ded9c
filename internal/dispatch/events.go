package dispatch

import (
	"sync"
	"time"

	"github.com/pulseline/pulseline/internal/domain/notification"
)

// EventType names a dispatcher lifecycle transition.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventDelivered EventType = "delivered"
	EventFailed    EventType = "failed"
	EventRetry     EventType = "retry"
	EventExpired   EventType = "expired"
)

// Event is handed to observers on each transition. The notification is a
// snapshot; observers may keep it.
type Event struct {
	Type         EventType
	Notification *notification.Notification
	Timestamp    time.Time
}

// Observer receives events synchronously on the worker that produced them.
// Observers must not block.
type Observer func(Event)

type emitter struct {
	mu        sync.RWMutex
	observers map[EventType][]Observer
}

func newEmitter() *emitter {
	return &emitter{observers: make(map[EventType][]Observer)}
}

func (e *emitter) subscribe(t EventType, fn Observer) {
	e.mu.Lock()
	e.observers[t] = append(e.observers[t], fn)
	e.mu.Unlock()
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	observers := e.observers[ev.Type]
	e.mu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}

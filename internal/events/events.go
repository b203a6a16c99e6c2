package events

import (
	"sync"
	"time"
)

// Event types published inside the process.
const (
	TypeRecordChanged = "ledger.record_changed"
	TypeReminderFired = "reminder.fired"
)

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Topic     string // collection or owner the event concerns
	Key       string // record id
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event. Handlers run on the publisher's goroutine
// and must not block.
type EventHandler func(event Event) error

type subscriber struct {
	id      uint64
	handler EventHandler
}

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]subscriber
	nextID      uint64
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]subscriber)}
}

// Subscribe registers a handler for a given event type and returns a func
// that removes it. The returned func is safe to call more than once.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(eventType, id) })
	}
}

func (b *EventBus) remove(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[eventType]) == 0 {
		delete(b.subscribers, eventType)
	}
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, s := range subs {
		_ = s.handler(event)
	}
}

// SubscriberCount returns the number of handlers registered for eventType.
func (b *EventBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

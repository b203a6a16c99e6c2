package ledger

import (
	"context"
	"sync"

	"spacebook/internal/events"
)

// Memory is an in-process ledger. Change notifications travel over an
// events.EventBus.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record
	bus         *events.EventBus
	closed      bool
}

// NewMemory returns an empty ledger. A nil bus gets a private one.
func NewMemory(bus *events.EventBus) *Memory {
	if bus == nil {
		bus = events.NewEventBus()
	}
	return &Memory{
		collections: make(map[string]map[string]Record),
		bus:         bus,
	}
}

func (m *Memory) NewID() string { return newID() }

func (m *Memory) Put(ctx context.Context, collection, id string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]Record)
		m.collections[collection] = coll
	}
	coll[id] = rec.Clone()
	m.mu.Unlock()

	m.changed(collection, id)
	return nil
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	rec, ok := m.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) Set(ctx context.Context, collection, id, field, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	rec, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	rec[field] = value
	m.mu.Unlock()

	m.changed(collection, id)
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	_, existed := m.collections[collection][id]
	delete(m.collections[collection], id)
	m.mu.Unlock()

	if existed {
		m.changed(collection, id)
	}
	return nil
}

func (m *Memory) QueryEqual(ctx context.Context, collection, field, value string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	filter := Filter{Field: field, Value: value}
	var docs []Document
	for id, rec := range m.collections[collection] {
		if filter.Match(rec) {
			docs = append(docs, Document{ID: id, Fields: rec.Clone()})
		}
	}
	sortDocuments(docs)
	return docs, nil
}

func (m *Memory) Subscribe(ctx context.Context, collection string, filter Filter) (*Subscription, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return subscribeBus(ctx, m.bus, collection, queryFunc(m, collection, filter)), nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) changed(collection, id string) {
	m.bus.Publish(events.Event{Type: events.TypeRecordChanged, Topic: collection, Key: id})
}

// subscribeBus wires a subscription to in-process change notifications.
func subscribeBus(ctx context.Context, bus *events.EventBus, collection string, load loader) *Subscription {
	var sub *Subscription
	ready := make(chan struct{})
	unsubscribe := bus.Subscribe(events.TypeRecordChanged, func(e events.Event) error {
		if e.Topic != collection {
			return nil
		}
		<-ready
		sub.notify()
		return nil
	})
	sub = newSubscription(ctx, load, unsubscribe)
	close(ready)
	return sub
}

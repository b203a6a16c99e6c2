package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus()

	var got []Event
	unsubscribe := bus.Subscribe(TypeRecordChanged, func(e Event) error {
		got = append(got, e)
		return nil
	})

	bus.Publish(Event{Type: TypeRecordChanged, Topic: "bookings", Key: "b1"})
	bus.Publish(Event{Type: TypeReminderFired, Key: "ignored"})

	assert.Len(t, got, 1)
	assert.Equal(t, "b1", got[0].Key)
	assert.False(t, got[0].CreatedAt.IsZero())

	unsubscribe()
	unsubscribe()
	bus.Publish(Event{Type: TypeRecordChanged, Key: "b2"})
	assert.Len(t, got, 1)
	assert.Equal(t, 0, bus.SubscriberCount(TypeRecordChanged))
}

func TestEventBus_UnsubscribeKeepsOthers(t *testing.T) {
	bus := NewEventBus()

	calls := map[string]int{}
	first := bus.Subscribe(TypeReminderFired, func(Event) error { calls["first"]++; return nil })
	bus.Subscribe(TypeReminderFired, func(Event) error { calls["second"]++; return nil })

	first()
	bus.Publish(Event{Type: TypeReminderFired})

	assert.Equal(t, 0, calls["first"])
	assert.Equal(t, 1, calls["second"])
}

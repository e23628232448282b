package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewBus[int]()

	var got []int
	unsubscribe := bus.Subscribe("tick", func(name string, v int) {
		assert.Equal(t, "tick", name)
		got = append(got, v)
	})

	bus.Publish("tick", 1)
	bus.Publish("tock", 2)
	bus.Publish("tick", 3)
	assert.Equal(t, []int{1, 3}, got)

	unsubscribe()
	unsubscribe()
	bus.Publish("tick", 4)
	assert.Equal(t, []int{1, 3}, got)
	assert.Equal(t, 0, bus.Subscribers("tick"))
}

func TestWildcardReceivesEverything(t *testing.T) {
	bus := NewBus[string]()

	var names []string
	bus.Subscribe(Wildcard, func(name string, _ string) {
		names = append(names, name)
	})

	bus.Publish("a", "")
	bus.Publish("b", "")
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestUnsubscribeOnlyRemovesOwnHandler(t *testing.T) {
	bus := NewBus[int]()

	var first, second int
	stopFirst := bus.Subscribe("n", func(string, int) { first++ })
	bus.Subscribe("n", func(string, int) { second++ })

	bus.Publish("n", 0)
	stopFirst()
	bus.Publish("n", 0)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
	assert.Equal(t, 1, bus.Subscribers("n"))
}

func TestHandlerMayUnsubscribeItself(t *testing.T) {
	bus := NewBus[int]()

	calls := 0
	var stop func()
	stop = bus.Subscribe("once", func(string, int) {
		calls++
		stop()
	})

	bus.Publish("once", 0)
	bus.Publish("once", 0)
	assert.Equal(t, 1, calls)
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *EventBus
	assert.NotPanics(t, func() { bus.Publish(ContentStored, Event{}) })
}

package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("event not received")
		return Event{}
	}
}

func TestEventBus_FanOutByType(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	web := bus.Subscribe(EventTypeStreamStarted)
	health := bus.Subscribe(EventTypeStreamStarted)
	failures := bus.Subscribe(EventTypeStreamFailed)

	before := time.Now()
	bus.Publish(Event{
		Type:   EventTypeStreamStarted,
		Source: "stream-registry",
		Data:   map[string]interface{}{"device_id": "cam-1"},
	})

	for _, ch := range []<-chan Event{web, health} {
		ev := receive(t, ch)
		assert.Equal(t, EventTypeStreamStarted, ev.Type)
		assert.Equal(t, "cam-1", ev.Data["device_id"])
		assert.False(t, ev.Timestamp.Before(before), "timestamp is stamped on publish")
	}

	select {
	case ev := <-failures:
		t.Fatalf("unexpected %s on the failure channel", ev.Type)
	default:
	}
}

func TestEventBus_SubscribeAll(t *testing.T) {
	bus := NewEventBus(0)
	defer bus.Close()

	all := bus.SubscribeAll()

	bus.Publish(Event{Type: EventTypeServiceStarted, Source: "manager"})
	bus.Publish(Event{Type: EventTypeDetectionToggled, Source: "stream-registry"})
	bus.Publish(Event{Type: EventTypeDeviceCommand, Source: "mqtt-publisher"})

	var kinds []EventType
	for i := 0; i < 3; i++ {
		kinds = append(kinds, receive(t, all).Type)
	}
	assert.Equal(t, []EventType{EventTypeServiceStarted, EventTypeDetectionToggled, EventTypeDeviceCommand}, kinds)

	bus.UnsubscribeAll(all)
	_, ok := <-all
	assert.False(t, ok, "channel closed after UnsubscribeAll")
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventTypeStreamStopped)
	bus.Publish(Event{Type: EventTypeStreamStopped, Source: "stream-registry"})
	receive(t, ch)

	bus.Unsubscribe(EventTypeStreamStopped, ch)
	bus.Publish(Event{Type: EventTypeStreamStopped, Source: "stream-registry"})

	_, ok := <-ch
	assert.False(t, ok)
}

func TestEventBus_PublishDropsForSlowSubscribers(t *testing.T) {
	bus := NewEventBus(1)
	defer bus.Close()

	ch := bus.Subscribe(EventTypePersonDetected)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			bus.Publish(Event{Type: EventTypePersonDetected, Data: map[string]interface{}{"seq": i}})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	ev := receive(t, ch)
	assert.Equal(t, 0, ev.Data["seq"], "the buffered event is the first one")
	select {
	case <-ch:
		t.Fatal("later events should have been dropped")
	default:
	}
}

func TestEventBus_Close(t *testing.T) {
	bus := NewEventBus(10)

	started := bus.Subscribe(EventTypeStreamStarted)
	all := bus.SubscribeAll()

	bus.Close()
	bus.Close()
	bus.Publish(Event{Type: EventTypeStreamStarted})

	for _, ch := range []<-chan Event{started, all} {
		_, ok := <-ch
		assert.False(t, ok)
	}

	late := bus.Subscribe(EventTypeStreamStarted)
	_, ok := <-late
	assert.False(t, ok, "subscribing to a closed bus returns a closed channel")
}

package service

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// System events
	EventTypeServiceStarted EventType = "service.started"
	EventTypeServiceStopped EventType = "service.stopped"
	EventTypeServiceError   EventType = "service.error"

	// Stream events
	EventTypeStreamStarted EventType = "stream.started"
	EventTypeStreamStopped EventType = "stream.stopped"
	EventTypeStreamFailed  EventType = "stream.failed"

	// Detection events
	EventTypeDetectionToggled EventType = "detection.toggled"
	EventTypePersonDetected   EventType = "detection.person"

	// Device events
	EventTypeDeviceCommand EventType = "device.command"
)

// Event represents an event in the system
type Event struct {
	Type      EventType
	Source    string // Service that emitted the event
	Timestamp time.Time
	Data      map[string]interface{}
}

// EventBus provides inter-service communication via events
type EventBus struct {
	subscribers map[EventType][]chan Event
	all         []chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
}

// NewEventBus creates a new event bus
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe subscribes to events of a specific type
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll subscribes to every event type, including ones published later
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.all = append(eb.all, ch)
	return ch
}

// Publish publishes an event to all subscribers without blocking.
// Subscribers with a full buffer miss the event.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.subscribers[event.Type] {
		select {
		case sub <- event:
		default:
		}
	}
	for _, sub := range eb.all {
		select {
		case sub <- event:
		default:
		}
	}
}

// Unsubscribe removes a subscription and closes its channel
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subscribers[eventType]
	for i, sub := range subs {
		if sub == ch {
			eb.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// UnsubscribeAll removes a SubscribeAll subscription
func (eb *EventBus) UnsubscribeAll(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for i, sub := range eb.all {
		if sub == ch {
			eb.all = append(eb.all[:i], eb.all[i+1:]...)
			close(sub)
			return
		}
	}
}

// Close closes all subscriptions and cleans up
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for eventType, subs := range eb.subscribers {
		for _, sub := range subs {
			close(sub)
		}
		delete(eb.subscribers, eventType)
	}
	for _, sub := range eb.all {
		close(sub)
	}
	eb.all = nil
}

package events

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vzahanych/home-hub/internal/logger"
	"github.com/vzahanych/home-hub/internal/metrics"
	"github.com/vzahanych/home-hub/internal/service"
)

// OutboxConfig contains configuration for the outbox
type OutboxConfig struct {
	Size         int           // channel capacity
	SinkTimeout  time.Duration // per-event sink deadline
	DrainTimeout time.Duration // how long Stop waits for queued events
}

// Outbox is the bounded channel between event producers and the sink.
// Enqueue never blocks; events that do not fit are dropped and counted.
// A single goroutine drains the channel into the sink.
type Outbox struct {
	*service.ServiceBase
	config  OutboxConfig
	sink    Sink
	metrics *metrics.Metrics
	errLog  rate.Sometimes
	dropLog rate.Sometimes

	mu      sync.RWMutex // guards closed against Enqueue
	closed  bool
	events  chan Event
	started bool
	done    chan struct{}
}

// NewOutbox creates an outbox draining into sink
func NewOutbox(config OutboxConfig, sink Sink, m *metrics.Metrics, log *logger.Logger) *Outbox {
	if config.Size <= 0 {
		config.Size = 256
	}
	if config.SinkTimeout == 0 {
		config.SinkTimeout = 5 * time.Second
	}
	if config.DrainTimeout == 0 {
		config.DrainTimeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}

	return &Outbox{
		ServiceBase: service.NewServiceBase("event-outbox", log),
		config:      config,
		sink:        sink,
		metrics:     m,
		errLog:      rate.Sometimes{First: 3, Interval: 30 * time.Second},
		dropLog:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
		events:      make(chan Event, config.Size),
		done:        make(chan struct{}),
	}
}

// Start starts the drain goroutine
func (o *Outbox) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return nil
	}
	o.started = true
	go o.drain()

	o.GetStatus().SetStatus(service.StatusRunning)
	o.LogInfo("Event outbox started", "capacity", o.config.Size)
	return nil
}

// Stop closes the outbox and waits up to DrainTimeout for queued events to
// reach the sink
func (o *Outbox) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.events)
	started := o.started
	o.mu.Unlock()

	o.GetStatus().SetStatus(service.StatusStopping)
	if started {
		select {
		case <-o.done:
		case <-time.After(o.config.DrainTimeout):
			o.LogWarn("Event outbox drain timed out", "pending", len(o.events))
		case <-ctx.Done():
		}
	}

	o.GetStatus().SetStatus(service.StatusStopped)
	o.LogInfo("Event outbox stopped")
	return nil
}

// Enqueue offers an event without blocking. It reports false when the
// event was dropped because the outbox is full or closed.
func (o *Outbox) Enqueue(event Event) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		o.metrics.EventsDropped.Add(1)
		return false
	}

	select {
	case o.events <- event:
		o.metrics.EventsEmitted.Add(1)
		return true
	default:
		dropped := o.metrics.EventsDropped.Add(1)
		o.dropLog.Do(func() {
			o.LogWarn("Event outbox full, dropping events",
				"kind", event.Kind,
				"device_id", event.DeviceID,
				"dropped_total", dropped,
			)
		})
		return false
	}
}

// EnqueueAll enqueues every event and returns how many were accepted
func (o *Outbox) EnqueueAll(events []Event) int {
	n := 0
	for _, e := range events {
		if o.Enqueue(e) {
			n++
		}
	}
	return n
}

// Len returns the number of queued events
func (o *Outbox) Len() int {
	return len(o.events)
}

// Dropped returns how many events were dropped so far
func (o *Outbox) Dropped() uint64 {
	return o.metrics.EventsDropped.Load()
}

func (o *Outbox) drain() {
	defer close(o.done)
	for event := range o.events {
		o.deliver(event)
	}
}

// deliver hands one event to the sink. Failures are logged and swallowed.
func (o *Outbox) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), o.config.SinkTimeout)
	defer cancel()

	if err := o.sink.Append(ctx, event); err != nil {
		o.metrics.SinkErrors.Add(1)
		o.errLog.Do(func() {
			o.LogError("Failed to deliver event", err,
				"event_id", event.ID,
				"kind", event.Kind,
				"device_id", event.DeviceID,
			)
		})
	}
}

package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/vzahanych/home-hub/internal/logger"
	"github.com/vzahanych/home-hub/internal/state"
)

// Sink receives events drained from the outbox
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, event Event) error

// Append implements Sink
func (f SinkFunc) Append(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// ActivitySink stores events in the activity log
type ActivitySink struct {
	stateManager *state.Manager
	logger       *logger.Logger
}

// NewActivitySink creates a sink backed by the state manager
func NewActivitySink(stateManager *state.Manager, log *logger.Logger) *ActivitySink {
	return &ActivitySink{
		stateManager: stateManager,
		logger:       log,
	}
}

// Append implements Sink
func (s *ActivitySink) Append(ctx context.Context, event Event) error {
	if err := s.stateManager.AppendActivity(ctx, event.ToActivityLog()); err != nil {
		return fmt.Errorf("failed to save activity: %w", err)
	}

	s.logger.Debug(
		"Activity saved",
		"event_id", event.ID,
		"device_id", event.DeviceID,
		"kind", event.Kind,
	)
	return nil
}

// MultiSink appends every event to all of its sinks. A failing sink does
// not stop delivery to the others.
type MultiSink []Sink

// Append implements Sink
func (m MultiSink) Append(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

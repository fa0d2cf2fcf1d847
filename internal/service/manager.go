package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/home-hub/internal/logger"
)

// Manager manages the lifecycle of all services
type Manager struct {
	logger      *logger.Logger
	services    []Service
	statuses    map[string]*ServiceStatus
	eventBus    *EventBus
	mu          sync.RWMutex
	startOrder  []string
	stopTimeout time.Duration
	monitorStop context.CancelFunc
}

// Service represents a service that can be started and stopped
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
}

// ServiceWithEvents is a service that can publish events
type ServiceWithEvents interface {
	Service
	SetEventBus(bus *EventBus)
}

// NewManager creates a new service manager
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		logger:      log,
		services:    make([]Service, 0),
		statuses:    make(map[string]*ServiceStatus),
		eventBus:    NewEventBus(100),
		startOrder:  make([]string, 0),
		stopTimeout: 10 * time.Second,
	}
}

// GetEventBus returns the event bus for inter-service communication
func (m *Manager) GetEventBus() *EventBus {
	return m.eventBus
}

// Register registers a service with the manager. Services start in
// registration order and stop in reverse.
func (m *Manager) Register(svc Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, svc)
	m.statuses[svc.Name()] = NewServiceStatus(svc.Name())

	if svcWithEvents, ok := svc.(ServiceWithEvents); ok {
		svcWithEvents.SetEventBus(m.eventBus)
	}
}

// Start starts all registered services in order. A service that fails to
// start is marked as errored and the remaining services still start; the
// failures are returned joined.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Starting services", "count", len(m.services))
	m.startEventMonitoring(ctx)

	var errs []error
	for _, svc := range m.services {
		status := m.statuses[svc.Name()]
		status.SetStatus(StatusStarting)

		if err := svc.Start(ctx); err != nil {
			status.SetError(err)
			m.logger.Error("Service failed to start", "service", svc.Name(), "error", err)
			m.eventBus.Publish(Event{
				Type:   EventTypeServiceError,
				Source: svc.Name(),
				Data:   map[string]interface{}{"error": err.Error()},
			})
			errs = append(errs, fmt.Errorf("%s: %w", svc.Name(), err))
			continue
		}

		m.startOrder = append(m.startOrder, svc.Name())
		status.SetStatus(StatusRunning)
		m.logger.Info("Service started", "service", svc.Name())
		m.eventBus.Publish(Event{
			Type:   EventTypeServiceStarted,
			Source: "manager",
			Data:   map[string]interface{}{"service": svc.Name()},
		})
	}

	return errors.Join(errs...)
}

// startEventMonitoring logs every bus event at debug level
func (m *Manager) startEventMonitoring(ctx context.Context) {
	monitorCtx, cancel := context.WithCancel(ctx)
	m.monitorStop = cancel

	ch := m.eventBus.SubscribeAll()
	go func() {
		defer m.eventBus.UnsubscribeAll(ch)
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				m.logger.Debug("Event received",
					"type", event.Type,
					"source", event.Source,
					"data", event.Data,
				)
			case <-monitorCtx.Done():
				return
			}
		}
	}()
}

// Shutdown stops started services in reverse start order
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Shutting down services", "count", len(m.startOrder))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(m.startOrder) - 1; i >= 0; i-- {
			svc := m.findService(m.startOrder[i])
			if svc == nil {
				continue
			}
			status := m.statuses[svc.Name()]
			status.SetStatus(StatusStopping)
			m.logger.Info("Stopping service", "service", svc.Name())

			stopCtx, cancel := context.WithTimeout(ctx, m.stopTimeout)
			if err := svc.Stop(stopCtx); err != nil {
				status.SetError(err)
				m.logger.Error("Error stopping service", "service", svc.Name(), "error", err)
			} else {
				status.SetStatus(StatusStopped)
				m.logger.Info("Service stopped", "service", svc.Name())
			}
			cancel()

			m.eventBus.Publish(Event{
				Type:   EventTypeServiceStopped,
				Source: "manager",
				Data:   map[string]interface{}{"service": svc.Name()},
			})
		}
	}()

	select {
	case <-done:
		m.startOrder = m.startOrder[:0]
		if m.monitorStop != nil {
			m.monitorStop()
		}
		m.eventBus.Close()
		m.logger.Info("All services stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

func (m *Manager) findService(name string) Service {
	for _, s := range m.services {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// GetServiceCount returns the number of registered services
func (m *Manager) GetServiceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.services)
}

// GetServiceStatus returns the status of a service
func (m *Manager) GetServiceStatus(serviceName string) *ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statuses[serviceName]
}

// GetAllStatuses returns all service statuses
func (m *Manager) GetAllStatuses() map[string]*ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]*ServiceStatus, len(m.statuses))
	for name, status := range m.statuses {
		statuses[name] = status
	}
	return statuses
}

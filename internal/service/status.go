package service

import (
	"sync"
	"time"
)

// Status represents the state of a service
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ServiceStatus tracks the status of a service
type ServiceStatus struct {
	Name      string
	Status    Status
	StartedAt time.Time
	Error     error
	mu        sync.RWMutex
}

// StatusSnapshot is a point-in-time copy of a ServiceStatus, safe to serialize
type StatusSnapshot struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Uptime string `json:"uptime"`
	Error  string `json:"error,omitempty"`
}

// NewServiceStatus creates a new service status tracker
func NewServiceStatus(name string) *ServiceStatus {
	return &ServiceStatus{
		Name:   name,
		Status: StatusStopped,
	}
}

// SetStatus sets the service status
func (ss *ServiceStatus) SetStatus(status Status) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.Status = status
	if status == StatusRunning {
		ss.StartedAt = time.Now()
		ss.Error = nil
	}
}

// SetError moves the service into the error state
func (ss *ServiceStatus) SetError(err error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.Status = StatusError
	ss.Error = err
}

func (ss *ServiceStatus) GetStatus() Status {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.Status
}

func (ss *ServiceStatus) GetError() error {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.Error
}

// IsRunning returns true if the service is running
func (ss *ServiceStatus) IsRunning() bool {
	return ss.GetStatus() == StatusRunning
}

// GetUptime returns the uptime of the service, zero unless running
func (ss *ServiceStatus) GetUptime() time.Duration {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if ss.Status == StatusRunning && !ss.StartedAt.IsZero() {
		return time.Since(ss.StartedAt)
	}
	return 0
}

// Snapshot returns a copy of the current status
func (ss *ServiceStatus) Snapshot() StatusSnapshot {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	snap := StatusSnapshot{Name: ss.Name, Status: ss.Status}
	if ss.Status == StatusRunning && !ss.StartedAt.IsZero() {
		snap.Uptime = time.Since(ss.StartedAt).Round(time.Second).String()
	}
	if ss.Error != nil {
		snap.Error = ss.Error.Error()
	}
	return snap
}

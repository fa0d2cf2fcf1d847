package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vzahanych/home-hub/internal/logger"
	"github.com/vzahanych/home-hub/internal/service"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a health check
type Check struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status    Status                            `json:"status"`
	Timestamp time.Time                         `json:"timestamp"`
	Uptime    string                            `json:"uptime"`
	Checks    map[string]Check                  `json:"checks"`
	Services  map[string]service.StatusSnapshot `json:"services,omitempty"`
}

// Checker is an interface for health checkers
type Checker interface {
	Name() string
	Check(ctx context.Context) Check
}

// Manager manages health checks
type Manager struct {
	logger     *logger.Logger
	checkers   []Checker
	svcManager *service.Manager
	startTime  time.Time
	mu         sync.RWMutex
	httpServer *http.Server
	httpMux    *http.ServeMux
}

// NewManager creates a new health check manager
func NewManager(log *logger.Logger, svcManager *service.Manager) *Manager {
	m := &Manager{
		logger:     log,
		checkers:   make([]Checker, 0),
		svcManager: svcManager,
		startTime:  time.Now(),
		httpMux:    http.NewServeMux(),
	}
	m.httpMux.HandleFunc("/health", m.handleHealth)
	m.httpMux.HandleFunc("/health/live", m.handleLiveness)
	m.httpMux.HandleFunc("/health/ready", m.handleReadiness)
	m.httpMux.HandleFunc("/health/services", m.handleServices)
	return m
}

// RegisterChecker registers a health checker
func (m *Manager) RegisterChecker(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
}

// Handler returns the health endpoints
func (m *Manager) Handler() http.Handler {
	return m.httpMux
}

// Start starts the health check HTTP server on port
func (m *Manager) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)

	m.httpServer = &http.Server{
		Addr:         addr,
		Handler:      m.httpMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		m.logger.Info("Health check server starting", "addr", addr)
		if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Health check server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the health check HTTP server
func (m *Manager) Stop(ctx context.Context) error {
	if m.httpServer != nil {
		m.logger.Info("Stopping health check server")
		return m.httpServer.Shutdown(ctx)
	}
	return nil
}

// Check performs all health checks
func (m *Manager) Check(ctx context.Context) HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checks := make(map[string]Check)
	overallStatus := StatusHealthy

	for _, checker := range m.checkers {
		check := checker.Check(ctx)
		checks[check.Name] = check

		if check.Status == StatusUnhealthy {
			overallStatus = StatusUnhealthy
		} else if check.Status == StatusDegraded && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	return HealthReport{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime).Round(time.Second).String(),
		Checks:    checks,
		Services:  m.serviceSnapshots(),
	}
}

func (m *Manager) serviceSnapshots() map[string]service.StatusSnapshot {
	services := make(map[string]service.StatusSnapshot)
	if m.svcManager != nil {
		for name, status := range m.svcManager.GetAllStatuses() {
			services[name] = status.Snapshot()
		}
	}
	return services
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// handleHealth handles the /health endpoint. Degraded still answers 200.
func (m *Manager) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := m.Check(r.Context())

	statusCode := http.StatusOK
	if report.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

// handleLiveness handles the /health/live endpoint (liveness probe)
func (m *Manager) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// handleReadiness handles the /health/ready endpoint (readiness probe)
func (m *Manager) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := m.Check(r.Context())

	statusCode := http.StatusOK
	if report.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"status":    report.Status,
		"timestamp": report.Timestamp,
		"ready":     report.Status != StatusUnhealthy,
	})
}

// handleServices handles the /health/services endpoint
func (m *Manager) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"services":  m.serviceSnapshots(),
		"timestamp": time.Now(),
	})
}

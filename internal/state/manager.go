package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/home-hub/internal/config"
	"github.com/vzahanych/home-hub/internal/logger"
)

// ErrDeviceNotFound is returned when a device id is not in the registry
var ErrDeviceNotFound = errors.New("device not found")

// Manager is the SQLite-backed device registry and activity log
type Manager struct {
	db     *Database
	logger *logger.Logger
	mu     sync.RWMutex

	previousShutdown string
}

// NewManager creates a new state manager
func NewManager(cfg *config.Config, log *logger.Logger) (*Manager, error) {
	db, err := NewDatabase(cfg.Hub.Server.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	return &Manager{
		db:     db,
		logger: log,
	}, nil
}

// Name returns the service name
func (m *Manager) Name() string {
	return "state"
}

// Shutdown outcomes of the previous run, as reported by PreviousShutdown
const (
	ShutdownClean    = "clean"
	ShutdownUnclean  = "unclean"
	ShutdownFirstRun = "first_run"
)

const lifecycleKey = "lifecycle"

// Start checks the database and marks the run as in progress. A run that
// is still marked in progress on the next Start did not stop cleanly.
func (m *Manager) Start(ctx context.Context) error {
	count, err := m.CountDevices(ctx)
	if err != nil {
		return fmt.Errorf("state database not readable: %w", err)
	}

	prev, err := m.GetSystemState(ctx, lifecycleKey)
	if err != nil {
		return err
	}
	switch prev {
	case "":
		m.previousShutdown = ShutdownFirstRun
	case "running":
		m.previousShutdown = ShutdownUnclean
		m.logger.Warn("Previous run did not shut down cleanly")
	default:
		m.previousShutdown = ShutdownClean
	}

	if err := m.SaveSystemState(ctx, lifecycleKey, "running"); err != nil {
		return err
	}
	m.logger.Info("Device registry ready", "path", m.db.Path(), "devices", count, "previous_shutdown", m.previousShutdown)
	return nil
}

// PreviousShutdown reports how the previous run ended. Empty before Start.
func (m *Manager) PreviousShutdown() string {
	return m.previousShutdown
}

// Stop records a clean shutdown and closes the database
func (m *Manager) Stop(ctx context.Context) error {
	if err := m.SaveSystemState(ctx, lifecycleKey, "stopped"); err != nil {
		m.logger.Warn("Failed to record clean shutdown", "error", err)
	}
	return m.Close()
}

// Close closes the state manager and database
func (m *Manager) Close() error {
	return m.db.Close()
}

// GetDB returns the database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db.GetDB()
}

// Ping checks that the database answers
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.GetDB().PingContext(ctx)
}

// SaveSystemState saves a system state value
func (m *Manager) SaveSystemState(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	if _, err := m.db.GetDB().ExecContext(ctx, query, key, value, time.Now()); err != nil {
		return fmt.Errorf("failed to save system state: %w", err)
	}

	return nil
}

// GetSystemState retrieves a system state value, "" when unset
func (m *Manager) GetSystemState(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var value string
	err := m.db.GetDB().QueryRowContext(ctx, `SELECT value FROM system_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get system state: %w", err)
	}

	return value, nil
}

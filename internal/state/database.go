package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Database manages the SQLite database behind the device registry
type Database struct {
	db     *sql.DB
	dbPath string
}

// NewDatabase creates a new database connection
func NewDatabase(dbPath string) (*Database, error) {
	if err := ensureDir(filepath.Dir(dbPath)); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support concurrent writes well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	database := &Database{
		db:     db,
		dbPath: dbPath,
	}

	if err := database.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// GetDB returns the underlying database connection
func (d *Database) GetDB() *sql.DB {
	return d.db
}

// Path returns the database file path
func (d *Database) Path() string {
	return d.dbPath
}

func (d *Database) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS system_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		home_id TEXT NOT NULL DEFAULT '',
		room_id TEXT NOT NULL DEFAULT '', -- empty: not assigned to a room
		name TEXT NOT NULL,
		custom_name TEXT NOT NULL DEFAULT '',
		controller_mac TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL, -- LIGHT, FAN, CAMERA, SENSOR
		state TEXT NOT NULL DEFAULT '',
		speed INTEGER,
		temperature REAL,
		humidity REAL,
		threshold REAL,
		stream_url TEXT NOT NULL DEFAULT '',
		human_detection_enabled BOOLEAN DEFAULT 0,
		last_seen TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS activity_logs (
		id TEXT PRIMARY KEY,
		home_id TEXT NOT NULL DEFAULT '',
		room_id TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		severity TEXT NOT NULL, -- INFO, WARNING, ERROR
		metadata TEXT, -- JSON metadata
		timestamp TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_devices_room ON devices(room_id);
	CREATE INDEX IF NOT EXISTS idx_devices_controller ON devices(controller_mac);
	CREATE INDEX IF NOT EXISTS idx_activity_device_timestamp ON activity_logs(device_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_activity_home_timestamp ON activity_logs(home_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_activity_kind ON activity_logs(kind);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// ensureDir ensures a directory exists
func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

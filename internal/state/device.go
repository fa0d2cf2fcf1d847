package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DeviceType is the kind of a registered device
type DeviceType string

const (
	DeviceTypeLight  DeviceType = "LIGHT"
	DeviceTypeFan    DeviceType = "FAN"
	DeviceTypeCamera DeviceType = "CAMERA"
	DeviceTypeSensor DeviceType = "SENSOR"
)

// Actuator states
const (
	StateOn  = "ON"
	StateOff = "OFF"
)

// Device is a device registry record
type Device struct {
	ID                    string
	HomeID                string
	RoomID                string // empty when not assigned to a room
	Name                  string
	CustomName            string
	ControllerMAC         string
	Type                  DeviceType
	State                 string
	Speed                 *int
	Temperature           *float64
	Humidity              *float64
	Threshold             *float64
	StreamURL             string
	HumanDetectionEnabled bool
	LastSeen              *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// DisplayName returns the custom name when set
func (d *Device) DisplayName() string {
	if d.CustomName != "" {
		return d.CustomName
	}
	return d.Name
}

// CommandKey is the identifier used on the device control topic
func (d *Device) CommandKey() string {
	if d.ControllerMAC != "" {
		return d.ControllerMAC
	}
	return d.ID
}

// DeviceUpdate carries the fields to change; nil fields are left alone
type DeviceUpdate struct {
	RoomID                *string
	CustomName            *string
	State                 *string
	Speed                 *int
	Temperature           *float64
	Humidity              *float64
	Threshold             *float64
	StreamURL             *string
	HumanDetectionEnabled *bool
	LastSeen              *time.Time
}

const deviceColumns = `id, home_id, room_id, name, custom_name, controller_mac, type, state,
	speed, temperature, humidity, threshold, stream_url, human_detection_enabled,
	last_seen, created_at, updated_at`

// SaveDevice inserts or replaces a device record
func (m *Manager) SaveDevice(ctx context.Context, dev Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO devices (id, home_id, room_id, name, custom_name, controller_mac, type, state,
			speed, temperature, humidity, threshold, stream_url, human_detection_enabled, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			home_id = excluded.home_id,
			room_id = excluded.room_id,
			name = excluded.name,
			custom_name = excluded.custom_name,
			controller_mac = excluded.controller_mac,
			type = excluded.type,
			state = excluded.state,
			speed = excluded.speed,
			temperature = excluded.temperature,
			humidity = excluded.humidity,
			threshold = excluded.threshold,
			stream_url = excluded.stream_url,
			human_detection_enabled = excluded.human_detection_enabled,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at
	`

	var lastSeen interface{}
	if dev.LastSeen != nil {
		lastSeen = *dev.LastSeen
	}

	_, err := m.db.GetDB().ExecContext(ctx, query,
		dev.ID, dev.HomeID, dev.RoomID, dev.Name, dev.CustomName, dev.ControllerMAC, string(dev.Type), dev.State,
		nullableInt(dev.Speed), nullableFloat(dev.Temperature), nullableFloat(dev.Humidity), nullableFloat(dev.Threshold),
		dev.StreamURL, dev.HumanDetectionEnabled, lastSeen, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}

	return nil
}

// GetDevice retrieves a device by ID
func (m *Manager) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row := m.db.GetDB().QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, deviceID)
	dev, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return dev, nil
}

// ListDevicesOptions filters ListDevices
type ListDevicesOptions struct {
	HomeID string
	RoomID string
	Type   DeviceType

	// Unassigned selects devices not yet placed in a room
	Unassigned bool
}

// ListDevices lists devices matching the filter, ordered by name
func (m *Manager) ListDevices(ctx context.Context, opts ListDevicesOptions) ([]Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	whereClauses := []string{}
	args := []interface{}{}
	if opts.HomeID != "" {
		whereClauses = append(whereClauses, "home_id = ?")
		args = append(args, opts.HomeID)
	}
	if opts.RoomID != "" {
		whereClauses = append(whereClauses, "room_id = ?")
		args = append(args, opts.RoomID)
	}
	if opts.Unassigned {
		whereClauses = append(whereClauses, "COALESCE(room_id, '') = ''")
	}
	if opts.Type != "" {
		whereClauses = append(whereClauses, "type = ?")
		args = append(args, string(opts.Type))
	}

	query := `SELECT ` + deviceColumns + ` FROM devices`
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	query += " ORDER BY name, id"

	rows, err := m.db.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}

	return devices, rows.Err()
}

// CountDevices returns the number of registered devices
func (m *Manager) CountDevices(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int
	if err := m.db.GetDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return count, nil
}

// UpdateDevice applies the non-nil fields of upd and returns the updated record
func (m *Manager) UpdateDevice(ctx context.Context, deviceID string, upd DeviceUpdate) (*Device, error) {
	setClauses := []string{}
	args := []interface{}{}

	add := func(column string, value interface{}) {
		setClauses = append(setClauses, column+" = ?")
		args = append(args, value)
	}
	if upd.RoomID != nil {
		add("room_id", *upd.RoomID)
	}
	if upd.CustomName != nil {
		add("custom_name", *upd.CustomName)
	}
	if upd.State != nil {
		add("state", *upd.State)
	}
	if upd.Speed != nil {
		add("speed", *upd.Speed)
	}
	if upd.Temperature != nil {
		add("temperature", *upd.Temperature)
	}
	if upd.Humidity != nil {
		add("humidity", *upd.Humidity)
	}
	if upd.Threshold != nil {
		add("threshold", *upd.Threshold)
	}
	if upd.StreamURL != nil {
		add("stream_url", *upd.StreamURL)
	}
	if upd.HumanDetectionEnabled != nil {
		add("human_detection_enabled", *upd.HumanDetectionEnabled)
	}
	if upd.LastSeen != nil {
		add("last_seen", *upd.LastSeen)
	}
	add("updated_at", time.Now())
	args = append(args, deviceID)

	m.mu.Lock()
	result, err := m.db.GetDB().ExecContext(ctx,
		fmt.Sprintf("UPDATE devices SET %s WHERE id = ?", strings.Join(setClauses, ", ")),
		args...,
	)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to update device: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	return m.GetDevice(ctx, deviceID)
}

// TouchLastSeen records a heartbeat for the device
func (m *Manager) TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	_, err := m.UpdateDevice(ctx, deviceID, DeviceUpdate{LastSeen: &at})
	return err
}

// DeleteDevice deletes a device
func (m *Manager) DeleteDevice(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, err := m.db.GetDB().ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var dev Device
	var devType string
	var speed sql.NullInt64
	var temperature, humidity, threshold sql.NullFloat64
	var lastSeen sql.NullTime

	err := row.Scan(
		&dev.ID, &dev.HomeID, &dev.RoomID, &dev.Name, &dev.CustomName, &dev.ControllerMAC, &devType, &dev.State,
		&speed, &temperature, &humidity, &threshold, &dev.StreamURL, &dev.HumanDetectionEnabled,
		&lastSeen, &dev.CreatedAt, &dev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	dev.Type = DeviceType(devType)
	if speed.Valid {
		v := int(speed.Int64)
		dev.Speed = &v
	}
	if temperature.Valid {
		v := temperature.Float64
		dev.Temperature = &v
	}
	if humidity.Valid {
		v := humidity.Float64
		dev.Humidity = &v
	}
	if threshold.Valid {
		v := threshold.Float64
		dev.Threshold = &v
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		dev.LastSeen = &t
	}

	return &dev, nil
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

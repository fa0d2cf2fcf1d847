package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vzahanych/home-hub/internal/state"
)

// Kind identifies what happened to a device
type Kind string

const (
	KindDeviceOnline     Kind = "DEVICE_ONLINE"
	KindDeviceOffline    Kind = "DEVICE_OFFLINE"
	KindSpeedChanged     Kind = "SPEED_CHANGED"
	KindTemperatureAlert Kind = "TEMPERATURE_ALERT"
	KindPersonDetected   Kind = "PERSON_DETECTED"
	KindCommandSent      Kind = "COMMAND_SENT"
)

// PowerKind returns the on/off kind for a device type, e.g. FAN_ON
func PowerKind(deviceType state.DeviceType, on bool) Kind {
	suffix := "OFF"
	if on {
		suffix = "ON"
	}
	prefix := strings.ToUpper(string(deviceType))
	if prefix == "" {
		prefix = "DEVICE"
	}
	return Kind(prefix + "_" + suffix)
}

// Severity of an activity record
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Event is one audit record produced by the hub
type Event struct {
	ID        string                 `json:"id"`
	Kind      Kind                   `json:"kind"`
	Severity  Severity               `json:"severity"`
	DeviceID  string                 `json:"device_id"`
	HomeID    string                 `json:"home_id,omitempty"`
	RoomID    string                 `json:"room_id,omitempty"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent creates an event with a generated UUID
func NewEvent(kind Kind, severity Severity, at time.Time, format string, args ...interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Severity:  severity,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: at,
		Metadata:  make(map[string]interface{}),
	}
}

// ToActivityLog converts an Event to its activity log record
func (e Event) ToActivityLog() state.ActivityLog {
	metadata := make(map[string]interface{}, len(e.Metadata))
	for k, v := range e.Metadata {
		metadata[k] = v
	}

	return state.ActivityLog{
		ID:        e.ID,
		HomeID:    e.HomeID,
		RoomID:    e.RoomID,
		DeviceID:  e.DeviceID,
		Kind:      string(e.Kind),
		Message:   e.Message,
		Severity:  string(e.Severity),
		Metadata:  metadata,
		Timestamp: e.Timestamp,
	}
}

// FromActivityLog rebuilds an Event from a stored activity record
func FromActivityLog(l state.ActivityLog) Event {
	return Event{
		ID:        l.ID,
		Kind:      Kind(l.Kind),
		Severity:  Severity(l.Severity),
		DeviceID:  l.DeviceID,
		HomeID:    l.HomeID,
		RoomID:    l.RoomID,
		Message:   l.Message,
		Timestamp: l.Timestamp,
		Metadata:  l.Metadata,
	}
}

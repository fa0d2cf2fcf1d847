package telemetry

import (
	"time"

	"github.com/vzahanych/home-hub/internal/state"
)

// Observation is a snapshot of a device's mutable fields taken by the
// caller. Nil pointers and an empty State mean the field was not reported.
type Observation struct {
	DeviceID    string
	HomeID      string
	RoomID      string // empty when the device is not assigned to a room
	Name        string
	Type        state.DeviceType
	State       string
	Speed       *int
	Temperature *float64
	Threshold   *float64
	LastSeen    *time.Time
}

// ObservationFromDevice snapshots a registry record
func ObservationFromDevice(d *state.Device) Observation {
	return Observation{
		DeviceID:    d.ID,
		HomeID:      d.HomeID,
		RoomID:      d.RoomID,
		Name:        d.DisplayName(),
		Type:        d.Type,
		State:       d.State,
		Speed:       d.Speed,
		Temperature: d.Temperature,
		Threshold:   d.Threshold,
		LastSeen:    d.LastSeen,
	}
}

func (o Observation) displayName() string {
	if o.Name != "" {
		return o.Name
	}
	return o.DeviceID
}

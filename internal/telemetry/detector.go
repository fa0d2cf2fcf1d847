package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/vzahanych/home-hub/internal/events"
	"github.com/vzahanych/home-hub/internal/state"
)

// Detector turns repeated device observations into transition events.
// A field emits only when a previous value is cached and differs, so the
// first observation of a device never emits.
type Detector struct {
	store            *Store
	offlineThreshold atomic.Int64
}

// NewDetector creates a detector over store
func NewDetector(store *Store, offlineThreshold time.Duration) *Detector {
	if offlineThreshold <= 0 {
		offlineThreshold = DefaultOfflineThreshold
	}
	d := &Detector{store: store}
	d.offlineThreshold.Store(int64(offlineThreshold))
	return d
}

// Store returns the detector's cache
func (d *Detector) Store() *Store {
	return d.store
}

// OfflineThreshold returns the liveness threshold
func (d *Detector) OfflineThreshold() time.Duration {
	return time.Duration(d.offlineThreshold.Load())
}

// SetOfflineThreshold changes the liveness threshold used by later
// observations. Non-positive values are ignored.
func (d *Detector) SetOfflineThreshold(threshold time.Duration) {
	if threshold > 0 {
		d.offlineThreshold.Store(int64(threshold))
	}
}

// Observe compares obs with the cached values, updates the cache and
// returns the resulting events. The cache is updated for every device but
// only devices assigned to a room produce events.
func (d *Detector) Observe(obs Observation, now time.Time) []events.Event {
	var out []events.Event
	name := obs.displayName()

	emit := func(kind events.Kind, severity events.Severity, format string, args ...interface{}) {
		e := events.NewEvent(kind, severity, now, format, args...)
		e.DeviceID = obs.DeviceID
		e.HomeID = obs.HomeID
		e.RoomID = obs.RoomID
		out = append(out, e)
	}

	d.store.update(obs.DeviceID, func(e *entry) {
		online := IsOnline(obs.LastSeen, now, d.OfflineThreshold())
		if e.online != nil && *e.online != online {
			if online {
				emit(events.KindDeviceOnline, events.SeverityInfo, "%s is back online", name)
			} else {
				emit(events.KindDeviceOffline, events.SeverityWarning, "%s went offline", name)
			}
		}
		e.online = &online

		powerChanged := false
		if obs.State != "" {
			if e.state != nil && *e.state != obs.State {
				powerChanged = true
				on := obs.State == state.StateOn
				emit(events.PowerKind(obs.Type, on), events.SeverityInfo, "%s turned %s", name, powerWord(on))
			}
			s := obs.State
			e.state = &s
		}

		if obs.Speed != nil {
			speed := *obs.Speed
			if e.speed != nil && *e.speed != speed && !powerChanged {
				emit(events.KindSpeedChanged, events.SeverityInfo, "%s speed changed from %d to %d", name, *e.speed, speed)
				out[len(out)-1].Metadata["previous_speed"] = *e.speed
				out[len(out)-1].Metadata["speed"] = speed
			}
			e.speed = &speed
		}

		if obs.Temperature != nil && obs.Threshold != nil {
			alert := *obs.Temperature > *obs.Threshold
			if e.alert != nil && !*e.alert && alert {
				emit(events.KindTemperatureAlert, events.SeverityWarning,
					"%s temperature %.1f°C exceeds threshold %.1f°C", name, *obs.Temperature, *obs.Threshold)
				out[len(out)-1].Metadata["temperature"] = *obs.Temperature
				out[len(out)-1].Metadata["threshold"] = *obs.Threshold
			}
			e.alert = &alert
		}
	})

	if obs.RoomID == "" {
		return nil
	}
	return out
}

// PersonEvent builds the event for a debounced person detection
func PersonEvent(obs Observation, now time.Time) events.Event {
	e := events.NewEvent(events.KindPersonDetected, events.SeverityWarning, now, "Person detected on %s", obs.displayName())
	e.DeviceID = obs.DeviceID
	e.HomeID = obs.HomeID
	e.RoomID = obs.RoomID
	return e
}

func powerWord(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

package telemetry

import (
	"sync"
	"time"
)

// DefaultPersonCooldown is the minimum gap between two person events for
// the same device
const DefaultPersonCooldown = 30 * time.Second

// Debouncer rate-limits a continuous condition per device. Unlike the
// Detector it does not look for edges: a condition that stays true emits
// once per cooldown.
type Debouncer struct {
	cooldown time.Duration

	mu          sync.Mutex
	lastEmitted map[string]time.Time
}

// NewDebouncer creates a debouncer with the given cooldown
func NewDebouncer(cooldown time.Duration) *Debouncer {
	if cooldown <= 0 {
		cooldown = DefaultPersonCooldown
	}
	return &Debouncer{
		cooldown:    cooldown,
		lastEmitted: make(map[string]time.Time),
	}
}

// Allow reports whether an event for deviceID may be emitted at now and,
// if so, records now as the last emission
func (d *Debouncer) Allow(deviceID string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastEmitted[deviceID]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.lastEmitted[deviceID] = now
	return true
}

// Ready reports whether Allow would admit an event at now without
// recording anything
func (d *Debouncer) Ready(deviceID string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok := d.lastEmitted[deviceID]
	return !ok || now.Sub(last) >= d.cooldown
}

// Reset forgets the device's last emission
func (d *Debouncer) Reset(deviceID string) {
	d.mu.Lock()
	delete(d.lastEmitted, deviceID)
	d.mu.Unlock()
}

// Cooldown returns the configured cooldown
func (d *Debouncer) Cooldown() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cooldown
}

// SetCooldown changes the cooldown for future decisions. Non-positive
// values are ignored.
func (d *Debouncer) SetCooldown(cooldown time.Duration) {
	if cooldown <= 0 {
		return
	}
	d.mu.Lock()
	d.cooldown = cooldown
	d.mu.Unlock()
}

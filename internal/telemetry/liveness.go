package telemetry

import "time"

// DefaultOfflineThreshold is how long a device may stay silent and still
// count as online
const DefaultOfflineThreshold = 7 * time.Second

// IsOnline reports whether a device last seen at lastSeen is online at now.
// The threshold is inclusive.
func IsOnline(lastSeen *time.Time, now time.Time, threshold time.Duration) bool {
	return lastSeen != nil && now.Sub(*lastSeen) <= threshold
}

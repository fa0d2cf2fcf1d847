package telemetry

import "sync"

// entry holds the previously observed values of one device. Nil means the
// field has not been observed yet.
type entry struct {
	online *bool
	state  *string
	speed  *int
	alert  *bool
}

// Store caches the last observed values per device. It is created once at
// process start and shared by every caller of Detector.Observe.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// update runs fn on the device's entry under the store lock
func (s *Store) update(deviceID string, fn func(e *entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[deviceID]
	if !ok {
		e = &entry{}
		s.entries[deviceID] = e
	}
	fn(e)
}

// Forget drops everything cached for a device
func (s *Store) Forget(deviceID string) {
	s.mu.Lock()
	delete(s.entries, deviceID)
	s.mu.Unlock()
}

// Len returns the number of tracked devices
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

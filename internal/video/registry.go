package video

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vzahanych/home-hub/internal/ai"
	"github.com/vzahanych/home-hub/internal/logger"
	"github.com/vzahanych/home-hub/internal/metrics"
	"github.com/vzahanych/home-hub/internal/service"
)

// SessionInfo describes an active session
type SessionInfo struct {
	DeviceID  string  `json:"device_id"`
	URL       string  `json:"url"`
	State     string  `json:"state"`
	Detection bool    `json:"detection_enabled"`
	FPS       float64 `json:"fps"`
	Buffered  int     `json:"buffered"`
}

// Registry is the process-wide table of stream sessions, at most one per
// device.
type Registry struct {
	*service.ServiceBase

	base     SessionConfig
	opener   Opener
	detector ai.Detector
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	viewers  map[*Session]int
	// closed once the device's previous session has finished stopping
	stopping map[string]chan struct{}
}

// NewRegistry creates a registry. base supplies the pipeline settings for
// every session; its DeviceID, URL and Detection fields are ignored.
func NewRegistry(base SessionConfig, opener Opener, detector ai.Detector, m *metrics.Metrics, log *logger.Logger) *Registry {
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		ServiceBase: service.NewServiceBase("stream-registry", log),
		base:        base,
		opener:      opener,
		detector:    detector,
		metrics:     m,
		sessions:    make(map[string]*Session),
		viewers:     make(map[*Session]int),
		stopping:    make(map[string]chan struct{}),
	}
}

// Start implements service.Service
func (r *Registry) Start(ctx context.Context) error {
	r.GetStatus().SetStatus(service.StatusRunning)
	return nil
}

// Stop stops every session
func (r *Registry) Stop(ctx context.Context) error {
	r.GetStatus().SetStatus(service.StatusStopping)
	r.StopAll()
	r.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// Acquire returns the device's running session, creating and starting one
// if none exists. Concurrent calls for the same device share one session.
func (r *Registry) Acquire(ctx context.Context, deviceID, url string, detection bool) (*Session, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: %s has no stream url", ErrSourceUnavailable, deviceID)
	}

	// A device never has two open sources: wait out a session that is
	// still stopping before opening a new one.
	r.mu.Lock()
	for {
		var wait <-chan struct{}
		if ch, ok := r.stopping[deviceID]; ok {
			wait = ch
		} else if cur, ok := r.sessions[deviceID]; ok && cur.State() >= StateStopping {
			wait = cur.Done()
		}
		if wait == nil {
			break
		}
		r.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r.mu.Lock()
		if cur, ok := r.sessions[deviceID]; ok && cur.State() == StateStopped {
			delete(r.sessions, deviceID)
			delete(r.viewers, cur)
		}
	}
	sess, ok := r.sessions[deviceID]
	if !ok {
		cfg := r.base
		cfg.DeviceID = deviceID
		cfg.URL = url
		cfg.Detection = detection
		sess = NewSession(cfg, r.opener, r.detector, r.metrics, r.Logger())
		r.sessions[deviceID] = sess
	}
	r.mu.Unlock()

	// Start is idempotent and serialized per session, so a second caller
	// blocks here until the first one's open attempt has finished.
	if err := sess.Start(ctx); err != nil {
		r.remove(deviceID, sess)
		r.PublishEvent(service.EventTypeStreamFailed, map[string]interface{}{
			"device_id": deviceID,
			"error":     err.Error(),
		})
		return nil, err
	}

	if !ok {
		r.PublishEvent(service.EventTypeStreamStarted, map[string]interface{}{
			"device_id": deviceID,
			"url":       url,
		})
		go r.watch(deviceID, sess)
	}
	return sess, nil
}

// watch removes a session from the table once it ends, whatever the cause
func (r *Registry) watch(deviceID string, sess *Session) {
	<-sess.Done()
	if r.remove(deviceID, sess) {
		r.PublishEvent(service.EventTypeStreamStopped, map[string]interface{}{
			"device_id": deviceID,
		})
	}
}

// remove deletes the entry for deviceID if it is still sess
func (r *Registry) remove(deviceID string, sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.viewers, sess)
	if cur, ok := r.sessions[deviceID]; ok && cur == sess {
		delete(r.sessions, deviceID)
		return true
	}
	return false
}

// Attach acquires the device's session on behalf of one consumer. Every
// Attach must be paired with one Detach; the session stops when its last
// consumer detaches.
func (r *Registry) Attach(ctx context.Context, deviceID, url string, detection bool) (*Session, error) {
	for {
		sess, err := r.Acquire(ctx, deviceID, url, detection)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if cur, ok := r.sessions[deviceID]; ok && cur == sess {
			r.viewers[sess]++
			r.mu.Unlock()
			return sess, nil
		}
		r.mu.Unlock()

		// released between Acquire and here; start over
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Detach drops one consumer of sess and stops it if none are left
func (r *Registry) Detach(deviceID string, sess *Session) {
	r.mu.Lock()
	r.viewers[sess]--
	last := r.viewers[sess] <= 0
	owned := false
	if last {
		delete(r.viewers, sess)
		if cur, ok := r.sessions[deviceID]; ok && cur == sess {
			delete(r.sessions, deviceID)
			owned = true
		}
	}
	var done chan struct{}
	if owned {
		done = r.markStopping(deviceID)
	}
	r.mu.Unlock()

	if !last {
		return
	}
	r.stop(deviceID, sess, done)
	if owned {
		r.PublishEvent(service.EventTypeStreamStopped, map[string]interface{}{
			"device_id": deviceID,
		})
	}
}

// markStopping records that deviceID's session is being stopped. r.mu must
// be held.
func (r *Registry) markStopping(deviceID string) chan struct{} {
	done := make(chan struct{})
	r.stopping[deviceID] = done
	return done
}

// stop stops sess outside the lock and releases anyone waiting on done
func (r *Registry) stop(deviceID string, sess *Session, done chan struct{}) {
	if err := sess.Stop(); err != nil {
		r.LogError("Failed to stop stream session", err, "device_id", deviceID)
	}
	if done == nil {
		return
	}
	r.mu.Lock()
	if r.stopping[deviceID] == done {
		delete(r.stopping, deviceID)
	}
	r.mu.Unlock()
	close(done)
}

// Viewers returns the number of attached consumers of the device's session
func (r *Registry) Viewers(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[deviceID]; ok {
		return r.viewers[sess]
	}
	return 0
}

// Release stops the device's session and removes it whatever its consumers
func (r *Registry) Release(deviceID string) {
	r.mu.Lock()
	sess, ok := r.sessions[deviceID]
	var done chan struct{}
	if ok {
		delete(r.sessions, deviceID)
		delete(r.viewers, sess)
		done = r.markStopping(deviceID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.stop(deviceID, sess, done)
	r.PublishEvent(service.EventTypeStreamStopped, map[string]interface{}{
		"device_id": deviceID,
	})
}

// Get returns the device's session if one is registered
func (r *Registry) Get(deviceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[deviceID]
	return sess, ok
}

// SetDetectionHook sets the detection callback for sessions created from
// now on
func (r *Registry) SetDetectionHook(fn DetectionFunc) {
	r.mu.Lock()
	r.base.OnDetection = fn
	r.mu.Unlock()
}

// SetDetectionEnabled toggles detection on a live session. It reports
// whether a session was found.
func (r *Registry) SetDetectionEnabled(deviceID string, enabled bool) bool {
	sess, ok := r.Get(deviceID)
	if !ok {
		return false
	}
	sess.SetDetectionEnabled(enabled)
	r.PublishEvent(service.EventTypeDetectionToggled, map[string]interface{}{
		"device_id": deviceID,
		"enabled":   enabled,
	})
	return true
}

// List describes all registered sessions ordered by device id
func (r *Registry) List() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, SessionInfo{
			DeviceID:  s.DeviceID(),
			URL:       s.URL(),
			State:     s.State().String(),
			Detection: s.DetectionEnabled(),
			FPS:       s.CurrentRate(),
			Buffered:  s.BufferLen(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DeviceID < infos[j].DeviceID })
	return infos
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StopAll stops and removes every session
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.viewers = make(map[*Session]int)
	dones := make(map[string]chan struct{}, len(sessions))
	for id := range sessions {
		dones[id] = r.markStopping(id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for id, sess := range sessions {
		wg.Add(1)
		go func(id string, sess *Session) {
			defer wg.Done()
			r.stop(id, sess, dones[id])
		}(id, sess)
	}
	wg.Wait()
}

package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vzahanych/home-hub/internal/config"
	"github.com/vzahanych/home-hub/internal/events"
	"github.com/vzahanych/home-hub/internal/logger"
	"github.com/vzahanych/home-hub/internal/metrics"
	"github.com/vzahanych/home-hub/internal/mqtt"
	"github.com/vzahanych/home-hub/internal/service"
	"github.com/vzahanych/home-hub/internal/state"
	"github.com/vzahanych/home-hub/internal/telemetry"
)

var (
	// ErrInvalidCommand is returned for malformed command requests
	ErrInvalidCommand = errors.New("invalid command")
	// ErrUnsupportedCommand is returned when the device type cannot act on a command
	ErrUnsupportedCommand = errors.New("command not supported by device")
)

// EventQueue is the outbound event channel
type EventQueue interface {
	Enqueue(event events.Event) bool
	EnqueueAll(evs []events.Event) int
}

// CommandPublisher sends control messages to devices
type CommandPublisher interface {
	PublishCommand(ctx context.Context, deviceKey string, cmd mqtt.Command) error
}

// StreamController is the part of the stream registry the manager drives
type StreamController interface {
	SetDetectionEnabled(deviceID string, enabled bool) bool
	Release(deviceID string)
}

// Telemetry is a state report from a device. Nil fields were not reported.
type Telemetry struct {
	State       *string  `json:"status,omitempty"`
	Speed       *int     `json:"speed,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
}

// isHeartbeat reports whether the report carries no readings
func (t Telemetry) isHeartbeat() bool {
	return t.State == nil && t.Speed == nil && t.Temperature == nil && t.Humidity == nil
}

const (
	detectionQueueSize     = 64
	defaultDetectionLookup = 2 * time.Second
)

// detection is a positive per-frame result waiting to become an event
type detection struct {
	deviceID string
	at       time.Time
}

// Manager is the device-facing service. Every read of a device record is
// passed through the transition detector so repeated polls produce one
// event per real change.
type Manager struct {
	*service.ServiceBase
	stateMgr      *state.Manager
	detector      *telemetry.Detector
	debouncer     *telemetry.Debouncer
	outbox        EventQueue
	commands      CommandPublisher
	streams       StreamController
	metrics       *metrics.Metrics
	sweepInterval time.Duration
	sweepReset    chan time.Duration
	now           func() time.Time

	detections    chan detection
	lookupTimeout time.Duration
	dropLog       rate.Sometimes

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a device manager. commands and streams may be nil
// when the command channel or live video are not wired.
func NewManager(
	stateMgr *state.Manager,
	detector *telemetry.Detector,
	debouncer *telemetry.Debouncer,
	outbox EventQueue,
	commands CommandPublisher,
	streams StreamController,
	m *metrics.Metrics,
	sweepInterval time.Duration,
	log *logger.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if m == nil {
		m = metrics.New()
	}

	return &Manager{
		ServiceBase:   service.NewServiceBase("device-manager", log),
		stateMgr:      stateMgr,
		detector:      detector,
		debouncer:     debouncer,
		outbox:        outbox,
		commands:      commands,
		streams:       streams,
		metrics:       m,
		sweepInterval: sweepInterval,
		sweepReset:    make(chan time.Duration, 1),
		now:           time.Now,
		detections:    make(chan detection, detectionQueueSize),
		lookupTimeout: defaultDetectionLookup,
		dropLog:       rate.Sometimes{First: 1, Interval: 10 * time.Second},
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start seeds the transition cache from the registry and starts the
// liveness sweep
func (m *Manager) Start(ctx context.Context) error {
	m.GetStatus().SetStatus(service.StatusStarting)
	m.LogInfo("Starting device manager")

	seeded, err := m.sweep(ctx)
	if err != nil {
		m.LogError("Failed to seed device cache", err)
		return err
	}
	m.LogInfo("Device cache seeded", "devices", seeded)

	m.wg.Add(2)
	go m.monitorDevices()
	go m.drainDetections()

	m.GetStatus().SetStatus(service.StatusRunning)
	return nil
}

// Stop stops the liveness sweep and the detection consumer
func (m *Manager) Stop(ctx context.Context) error {
	m.GetStatus().SetStatus(service.StatusStopping)
	m.LogInfo("Stopping device manager")

	m.cancel()
	m.wg.Wait()

	m.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// monitorDevices observes every device on each tick so a device that stops
// reporting goes offline even when nobody polls it. A zero interval pauses
// the sweep until SetSweepInterval enables it.
func (m *Manager) monitorDevices() {
	defer m.wg.Done()

	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	reset := func(interval time.Duration) {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if interval > 0 {
			ticker = time.NewTicker(interval)
			tick = ticker.C
		}
	}
	reset(m.sweepInterval)
	defer reset(0)

	for {
		select {
		case <-m.ctx.Done():
			return
		case interval := <-m.sweepReset:
			reset(interval)
			m.LogInfo("Liveness sweep interval changed", "interval", interval)
		case <-tick:
			if _, err := m.sweep(m.ctx); err != nil && m.ctx.Err() == nil {
				m.LogError("Liveness sweep failed", err)
			}
		}
	}
}

// SetSweepInterval changes the liveness sweep period of a running manager.
// Zero pauses the sweep; negative values are ignored.
func (m *Manager) SetSweepInterval(interval time.Duration) {
	if interval < 0 {
		return
	}
	for {
		select {
		case m.sweepReset <- interval:
			return
		default:
			// replace a pending change the loop has not picked up
			select {
			case <-m.sweepReset:
			default:
			}
		}
	}
}

// ApplyTelemetryConfig applies the live-tunable telemetry settings after a
// configuration reload
func (m *Manager) ApplyTelemetryConfig(cfg config.TelemetryConfig) {
	m.detector.SetOfflineThreshold(cfg.OfflineThreshold)
	m.debouncer.SetCooldown(cfg.PersonCooldown)
	m.SetSweepInterval(cfg.SweepInterval)
}

func (m *Manager) sweep(ctx context.Context) (int, error) {
	devices, err := m.stateMgr.ListDevices(ctx, state.ListDevicesOptions{})
	if err != nil {
		return 0, err
	}
	for i := range devices {
		m.observe(&devices[i])
	}
	return len(devices), nil
}

// observe runs the detector over dev and queues whatever it emits
func (m *Manager) observe(dev *state.Device) {
	evs := m.detector.Observe(telemetry.ObservationFromDevice(dev), m.now())
	if len(evs) == 0 {
		return
	}
	m.outbox.EnqueueAll(evs)
	for _, e := range evs {
		m.LogDebug("Device transition", "device_id", e.DeviceID, "kind", e.Kind)
	}
}

// OfflineThreshold returns the liveness threshold
func (m *Manager) OfflineThreshold() time.Duration {
	return m.detector.OfflineThreshold()
}

// Register adds or replaces a device record. The first observation only
// seeds the cache.
func (m *Manager) Register(ctx context.Context, dev state.Device) (*state.Device, error) {
	if dev.ID == "" {
		dev.ID = uuid.New().String()
	}
	if dev.Type == "" {
		return nil, fmt.Errorf("device type is required")
	}
	dev.Type = state.DeviceType(strings.ToUpper(string(dev.Type)))

	if err := m.stateMgr.SaveDevice(ctx, dev); err != nil {
		return nil, err
	}
	saved, err := m.stateMgr.GetDevice(ctx, dev.ID)
	if err != nil {
		return nil, err
	}
	m.observe(saved)

	m.LogInfo("Device registered", "device_id", saved.ID, "type", saved.Type, "room_id", saved.RoomID)
	return saved, nil
}

// Get reads a device and records any transition since the last read
func (m *Manager) Get(ctx context.Context, deviceID string) (*state.Device, error) {
	dev, err := m.stateMgr.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	m.observe(dev)
	return dev, nil
}

// List reads the matching devices, observing each
func (m *Manager) List(ctx context.Context, opts state.ListDevicesOptions) ([]state.Device, error) {
	devices, err := m.stateMgr.ListDevices(ctx, opts)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		m.observe(&devices[i])
	}
	return devices, nil
}

// Update changes registry fields such as room assignment or threshold
func (m *Manager) Update(ctx context.Context, deviceID string, upd state.DeviceUpdate) (*state.Device, error) {
	dev, err := m.stateMgr.UpdateDevice(ctx, deviceID, upd)
	if err != nil {
		return nil, err
	}
	if upd.StreamURL != nil && m.streams != nil {
		// the running session still reads the old url
		m.streams.Release(deviceID)
	}
	m.observe(dev)
	return dev, nil
}

// Delete removes a device, its live session and its cached state
func (m *Manager) Delete(ctx context.Context, deviceID string) error {
	if err := m.stateMgr.DeleteDevice(ctx, deviceID); err != nil {
		return err
	}
	if m.streams != nil {
		m.streams.Release(deviceID)
	}
	m.detector.Store().Forget(deviceID)
	m.debouncer.Reset(deviceID)

	m.LogInfo("Device deleted", "device_id", deviceID)
	return nil
}

// ReportTelemetry applies a device report and marks the device as seen
func (m *Manager) ReportTelemetry(ctx context.Context, deviceID string, report Telemetry) (*state.Device, error) {
	now := m.now()
	if report.isHeartbeat() {
		if err := m.stateMgr.TouchLastSeen(ctx, deviceID, now); err != nil {
			return nil, err
		}
		dev, err := m.stateMgr.GetDevice(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		m.observe(dev)
		return dev, nil
	}

	upd := state.DeviceUpdate{
		Speed:       report.Speed,
		Temperature: report.Temperature,
		Humidity:    report.Humidity,
		LastSeen:    &now,
	}
	if report.State != nil {
		s := strings.ToUpper(*report.State)
		if s != state.StateOn && s != state.StateOff {
			return nil, fmt.Errorf("%w: status must be ON or OFF, got %q", ErrInvalidCommand, *report.State)
		}
		upd.State = &s
	}

	dev, err := m.stateMgr.UpdateDevice(ctx, deviceID, upd)
	if err != nil {
		return nil, err
	}
	m.observe(dev)
	return dev, nil
}

// Command publishes cmd to the device and records the expected state
func (m *Manager) Command(ctx context.Context, deviceID string, cmd mqtt.Command) (*state.Device, error) {
	cmd.Action = strings.ToUpper(cmd.Action)
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if m.commands == nil {
		return nil, mqtt.ErrDisabled
	}

	dev, err := m.stateMgr.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if err := checkSupported(dev.Type, cmd.Action); err != nil {
		return nil, err
	}

	if err := m.commands.PublishCommand(ctx, dev.CommandKey(), cmd); err != nil {
		return nil, err
	}
	m.metrics.CommandsIssued.Add(1)

	var upd state.DeviceUpdate
	switch cmd.Action {
	case mqtt.ActionOn, mqtt.ActionOff:
		s := cmd.Action
		upd.State = &s
	case mqtt.ActionSetSpeed:
		upd.Speed = cmd.Speed
	}
	updated, err := m.stateMgr.UpdateDevice(ctx, deviceID, upd)
	if err != nil {
		return nil, err
	}
	m.observe(updated)

	if updated.RoomID != "" {
		e := events.NewEvent(events.KindCommandSent, events.SeverityInfo, m.now(),
			"%s command sent to %s", cmd.Action, updated.DisplayName())
		e.DeviceID = updated.ID
		e.HomeID = updated.HomeID
		e.RoomID = updated.RoomID
		e.Metadata["action"] = cmd.Action
		if cmd.Speed != nil {
			e.Metadata["speed"] = *cmd.Speed
		}
		m.outbox.Enqueue(e)
	}

	m.LogInfo("Device command sent", "device_id", deviceID, "action", cmd.Action)
	return updated, nil
}

func checkSupported(t state.DeviceType, action string) error {
	switch t {
	case state.DeviceTypeFan:
		return nil
	case state.DeviceTypeLight:
		if action != mqtt.ActionSetSpeed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s cannot handle %s", ErrUnsupportedCommand, t, action)
}

// SetHumanDetection persists the detection flag and applies it to a live
// session without restarting it. The bool reports whether a session was
// running.
func (m *Manager) SetHumanDetection(ctx context.Context, deviceID string, enabled bool) (*state.Device, bool, error) {
	dev, err := m.stateMgr.UpdateDevice(ctx, deviceID, state.DeviceUpdate{HumanDetectionEnabled: &enabled})
	if err != nil {
		return nil, false, err
	}

	live := false
	if m.streams != nil {
		live = m.streams.SetDetectionEnabled(deviceID, enabled)
	}
	m.LogInfo("Human detection toggled", "device_id", deviceID, "enabled", enabled, "live", live)
	return dev, live, nil
}

// OnDetection receives per-frame detection results from stream sessions.
// It runs on the processing goroutine, so it only queues the result; the
// registry lookup and the debounce decision happen in drainDetections.
func (m *Manager) OnDetection(deviceID string, detected bool, at time.Time) {
	if !detected || !m.debouncer.Ready(deviceID, at) {
		return
	}

	select {
	case m.detections <- detection{deviceID: deviceID, at: at}:
	default:
		m.metrics.DetectionsDropped.Add(1)
		m.dropLog.Do(func() {
			m.LogWarn("Detection queue full, dropping person detection", "device_id", deviceID)
		})
	}
}

func (m *Manager) drainDetections() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case d := <-m.detections:
			m.handleDetection(d)
		}
	}
}

// handleDetection turns a queued detection into a debounced person event.
// The cooldown only starts once an event is actually queued.
func (m *Manager) handleDetection(d detection) {
	if !m.debouncer.Ready(d.deviceID, d.at) {
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.lookupTimeout)
	defer cancel()
	dev, err := m.stateMgr.GetDevice(ctx, d.deviceID)
	if err != nil {
		m.LogWarn("Person detected but device lookup failed", "device_id", d.deviceID, "error", err)
		return
	}
	if dev.RoomID == "" {
		return
	}
	if !m.debouncer.Allow(d.deviceID, d.at) {
		return
	}

	m.outbox.Enqueue(telemetry.PersonEvent(telemetry.ObservationFromDevice(dev), d.at))
	m.PublishEvent(service.EventTypePersonDetected, map[string]interface{}{
		"device_id": d.deviceID,
	})
}

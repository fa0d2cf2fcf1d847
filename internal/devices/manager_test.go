package devices

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/home-hub/internal/config"
	"github.com/vzahanych/home-hub/internal/events"
	"github.com/vzahanych/home-hub/internal/logger"
	"github.com/vzahanych/home-hub/internal/metrics"
	"github.com/vzahanych/home-hub/internal/mqtt"
	"github.com/vzahanych/home-hub/internal/state"
	"github.com/vzahanych/home-hub/internal/telemetry"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

type recordingQueue struct {
	mu     sync.Mutex
	events []events.Event
}

func (q *recordingQueue) Enqueue(e events.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, e)
	return true
}

func (q *recordingQueue) EnqueueAll(evs []events.Event) int {
	for _, e := range evs {
		q.Enqueue(e)
	}
	return len(evs)
}

// take returns the kinds queued since the last call
func (q *recordingQueue) take() []events.Kind {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]events.Kind, 0, len(q.events))
	for _, e := range q.events {
		out = append(out, e.Kind)
	}
	q.events = nil
	return out
}

type fakeCommands struct {
	mu   sync.Mutex
	err  error
	keys []string
	cmds []mqtt.Command
}

func (c *fakeCommands) PublishCommand(ctx context.Context, key string, cmd mqtt.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, key)
	c.cmds = append(c.cmds, cmd)
	return nil
}

type fakeStreams struct {
	mu       sync.Mutex
	live     map[string]bool
	toggled  map[string]bool
	released []string
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{live: make(map[string]bool), toggled: make(map[string]bool)}
}

func (s *fakeStreams) SetDetectionEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toggled[id] = enabled
	return s.live[id]
}

func (s *fakeStreams) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
}

type testHarness struct {
	mgr      *Manager
	queue    *recordingQueue
	commands *fakeCommands
	streams  *fakeStreams
	metrics  *metrics.Metrics
	clock    time.Time
}

func (h *testHarness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		queue:    &recordingQueue{},
		commands: &fakeCommands{},
		streams:  newFakeStreams(),
		metrics:  metrics.New(),
		clock:    t0,
	}
	h.mgr = NewManager(
		state.NewTestManager(t),
		telemetry.NewDetector(telemetry.NewStore(), 7*time.Second),
		telemetry.NewDebouncer(30*time.Second),
		h.queue,
		h.commands,
		h.streams,
		h.metrics,
		0,
		logger.NewNopLogger(),
	)
	h.mgr.now = func() time.Time { return h.clock }
	return h
}

func (h *testHarness) register(t *testing.T, dev state.Device) *state.Device {
	t.Helper()
	if dev.LastSeen == nil {
		seen := h.clock
		dev.LastSeen = &seen
	}
	saved, err := h.mgr.Register(context.Background(), dev)
	require.NoError(t, err)
	require.Empty(t, h.queue.take(), "registration only seeds the cache")
	return saved
}

func fan() state.Device {
	return state.Device{
		ID:            "fan-1",
		HomeID:        "home-1",
		RoomID:        "room-1",
		Name:          "Ceiling fan",
		ControllerMAC: "AA:BB:CC:DD:EE:01",
		Type:          state.DeviceTypeFan,
		State:         state.StateOff,
		Speed:         ptr(1),
	}
}

func TestManager_RepeatedReadsEmitOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, fan())

	_, err := h.mgr.ReportTelemetry(ctx, "fan-1", Telemetry{State: ptr("on")})
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{"FAN_ON"}, h.queue.take())

	for i := 0; i < 3; i++ {
		dev, err := h.mgr.Get(ctx, "fan-1")
		require.NoError(t, err)
		assert.Equal(t, state.StateOn, dev.State)
	}
	devices, err := h.mgr.List(ctx, state.ListDevicesOptions{RoomID: "room-1"})
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Empty(t, h.queue.take())
}

func TestManager_Liveness(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, fan())

	h.advance(7 * time.Second)
	_, err := h.mgr.Get(ctx, "fan-1")
	require.NoError(t, err)
	assert.Empty(t, h.queue.take(), "exactly at the threshold is still online")

	h.advance(time.Second)
	n, err := h.mgr.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []events.Kind{events.KindDeviceOffline}, h.queue.take())

	_, err = h.mgr.ReportTelemetry(ctx, "fan-1", Telemetry{})
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.KindDeviceOnline}, h.queue.take())
}

func TestManager_HeartbeatOnlyTouchesLastSeen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, state.Device{ID: "fan-1", RoomID: "room-1", Name: "Ceiling", Type: state.DeviceTypeFan})

	_, err := h.mgr.ReportTelemetry(ctx, "fan-1", Telemetry{State: ptr(state.StateOn), Speed: ptr(2)})
	require.NoError(t, err)
	h.queue.take()

	h.advance(3 * time.Second)
	dev, err := h.mgr.ReportTelemetry(ctx, "fan-1", Telemetry{})
	require.NoError(t, err)
	assert.Equal(t, state.StateOn, dev.State, "a heartbeat keeps the last reported state")
	require.NotNil(t, dev.Speed)
	assert.Equal(t, 2, *dev.Speed)
	require.NotNil(t, dev.LastSeen)
	assert.WithinDuration(t, h.clock, *dev.LastSeen, time.Millisecond)

	_, err = h.mgr.ReportTelemetry(ctx, "missing", Telemetry{})
	assert.ErrorIs(t, err, state.ErrDeviceNotFound)
}

func TestManager_TemperatureAlerts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, state.Device{
		ID:          "sensor-1",
		RoomID:      "room-1",
		Type:        state.DeviceTypeSensor,
		Temperature: ptr(24.0),
		Threshold:   ptr(25.0),
	})

	alerts := 0
	for _, temp := range []float64{26, 26, 24, 27} {
		_, err := h.mgr.ReportTelemetry(ctx, "sensor-1", Telemetry{Temperature: ptr(temp)})
		require.NoError(t, err)
		for _, k := range h.queue.take() {
			if k == events.KindTemperatureAlert {
				alerts++
			}
		}
	}
	assert.Equal(t, 2, alerts)
}

func TestManager_UnassignedDevicesAreSilent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dev := fan()
	dev.RoomID = ""
	h.register(t, dev)

	_, err := h.mgr.ReportTelemetry(ctx, "fan-1", Telemetry{State: ptr(state.StateOn)})
	require.NoError(t, err)
	assert.Empty(t, h.queue.take())

	_, err = h.mgr.Update(ctx, "fan-1", state.DeviceUpdate{RoomID: ptr("room-2")})
	require.NoError(t, err)
	assert.Empty(t, h.queue.take(), "cache was kept up to date while unassigned")

	_, err = h.mgr.ReportTelemetry(ctx, "fan-1", Telemetry{State: ptr(state.StateOff)})
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{"FAN_OFF"}, h.queue.take())
}

func TestManager_Command(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, fan())

	dev, err := h.mgr.Command(ctx, "fan-1", mqtt.Command{Action: "set_speed", Speed: ptr(2)})
	require.NoError(t, err)
	require.NotNil(t, dev.Speed)
	assert.Equal(t, 2, *dev.Speed)

	require.Len(t, h.commands.keys, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", h.commands.keys[0])
	assert.Equal(t, mqtt.ActionSetSpeed, h.commands.cmds[0].Action)
	assert.Equal(t, []events.Kind{events.KindSpeedChanged, events.KindCommandSent}, h.queue.take())
	assert.EqualValues(t, 1, h.metrics.CommandsIssued.Load())

	_, err = h.mgr.Command(ctx, "fan-1", mqtt.Command{Action: mqtt.ActionOn})
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{"FAN_ON", events.KindCommandSent}, h.queue.take())
}

func TestManager_CommandErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, fan())
	h.register(t, state.Device{ID: "light-1", Type: state.DeviceTypeLight, State: state.StateOff})
	h.register(t, state.Device{ID: "sensor-1", Type: state.DeviceTypeSensor})

	t.Run("invalid", func(t *testing.T) {
		_, err := h.mgr.Command(ctx, "fan-1", mqtt.Command{Action: "BLINK"})
		assert.True(t, errors.Is(err, ErrInvalidCommand))
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := h.mgr.Command(ctx, "sensor-1", mqtt.Command{Action: mqtt.ActionOn})
		assert.True(t, errors.Is(err, ErrUnsupportedCommand))
		_, err = h.mgr.Command(ctx, "light-1", mqtt.Command{Action: mqtt.ActionSetSpeed, Speed: ptr(1)})
		assert.True(t, errors.Is(err, ErrUnsupportedCommand))
	})

	t.Run("unknown device", func(t *testing.T) {
		_, err := h.mgr.Command(ctx, "missing", mqtt.Command{Action: mqtt.ActionOn})
		assert.True(t, errors.Is(err, state.ErrDeviceNotFound))
	})

	t.Run("publish failure leaves state alone", func(t *testing.T) {
		h.commands.err = errors.New("broker down")
		defer func() { h.commands.err = nil }()

		_, err := h.mgr.Command(ctx, "fan-1", mqtt.Command{Action: mqtt.ActionOn})
		require.Error(t, err)
		dev, err := h.mgr.Get(ctx, "fan-1")
		require.NoError(t, err)
		assert.Equal(t, state.StateOff, dev.State)
	})

	assert.Empty(t, h.commands.keys)
	assert.Empty(t, h.queue.take())
}

func TestManager_CommandChannelDisabled(t *testing.T) {
	h := newHarness(t)
	h.mgr.commands = nil
	h.register(t, fan())

	_, err := h.mgr.Command(context.Background(), "fan-1", mqtt.Command{Action: mqtt.ActionOn})
	assert.True(t, errors.Is(err, mqtt.ErrDisabled))
}

func TestManager_SetHumanDetection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, state.Device{ID: "cam-1", Type: state.DeviceTypeCamera, StreamURL: "rtsp://cam"})

	dev, live, err := h.mgr.SetHumanDetection(ctx, "cam-1", true)
	require.NoError(t, err)
	assert.True(t, dev.HumanDetectionEnabled)
	assert.False(t, live)

	h.streams.live["cam-1"] = true
	dev, live, err = h.mgr.SetHumanDetection(ctx, "cam-1", false)
	require.NoError(t, err)
	assert.False(t, dev.HumanDetectionEnabled)
	assert.True(t, live)
	assert.False(t, h.streams.toggled["cam-1"])

	_, _, err = h.mgr.SetHumanDetection(ctx, "missing", true)
	assert.True(t, errors.Is(err, state.ErrDeviceNotFound))
}

func TestManager_OnDetectionIsDebounced(t *testing.T) {
	h := newHarness(t)
	h.register(t, state.Device{ID: "cam-1", RoomID: "room-1", Name: "Door", Type: state.DeviceTypeCamera})
	h.register(t, state.Device{ID: "cam-2", Type: state.DeviceTypeCamera})

	for s := 0; s <= 65; s++ {
		at := t0.Add(time.Duration(s) * time.Second)
		h.mgr.handleDetection(detection{deviceID: "cam-1", at: at})
		h.mgr.handleDetection(detection{deviceID: "cam-2", at: at})
	}

	h.queue.mu.Lock()
	defer h.queue.mu.Unlock()
	require.Len(t, h.queue.events, 3)
	for _, e := range h.queue.events {
		assert.Equal(t, events.KindPersonDetected, e.Kind)
		assert.Equal(t, "cam-1", e.DeviceID)
		assert.Equal(t, "room-1", e.RoomID)
		assert.Equal(t, "Person detected on Door", e.Message)
	}
}

func TestManager_OnDetectionQueuesOnlyPositiveResults(t *testing.T) {
	h := newHarness(t)

	h.mgr.OnDetection("cam-1", false, t0)
	assert.Empty(t, h.mgr.detections)

	h.mgr.OnDetection("cam-1", true, t0)
	require.Len(t, h.mgr.detections, 1)
	d := <-h.mgr.detections
	assert.Equal(t, "cam-1", d.deviceID)
	assert.Equal(t, t0, d.at)
}

func TestManager_FailedLookupDoesNotStartCooldown(t *testing.T) {
	h := newHarness(t)

	// not registered yet
	h.mgr.handleDetection(detection{deviceID: "cam-1", at: t0})
	assert.Empty(t, h.queue.take())

	h.register(t, state.Device{ID: "cam-1", RoomID: "room-1", Name: "Door", Type: state.DeviceTypeCamera})
	h.mgr.handleDetection(detection{deviceID: "cam-1", at: t0.Add(time.Second)})
	assert.Equal(t, []events.Kind{events.KindPersonDetected}, h.queue.take())

	h.mgr.handleDetection(detection{deviceID: "cam-1", at: t0.Add(2 * time.Second)})
	assert.Empty(t, h.queue.take(), "cooldown runs from the emitted event")
}

func TestManager_OnDetectionDoesNotWaitForRegistry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, state.Device{ID: "cam-1", RoomID: "room-1", Name: "Door", Type: state.DeviceTypeCamera})
	h.mgr.lookupTimeout = 200 * time.Millisecond
	require.NoError(t, h.mgr.Start(ctx))
	defer h.mgr.Stop(ctx)

	// hold the only database connection so the lookup stalls
	conn, err := h.mgr.stateMgr.GetDB().Conn(ctx)
	require.NoError(t, err)

	start := time.Now()
	h.mgr.OnDetection("cam-1", true, t0)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	// the stalled lookup times out without emitting
	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, h.queue.take())
	require.NoError(t, conn.Close())

	h.mgr.OnDetection("cam-1", true, t0.Add(time.Second))
	require.Eventually(t, func() bool {
		h.queue.mu.Lock()
		defer h.queue.mu.Unlock()
		return len(h.queue.events) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestManager_OnDetectionDropsWhenQueueFull(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < detectionQueueSize+5; i++ {
		h.mgr.OnDetection("cam-1", true, t0)
	}
	assert.Len(t, h.mgr.detections, detectionQueueSize)
	assert.EqualValues(t, 5, h.metrics.DetectionsDropped.Load())
}

func TestManager_Delete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, fan())
	assert.Equal(t, 1, h.mgr.detector.Store().Len())

	require.NoError(t, h.mgr.Delete(ctx, "fan-1"))
	assert.Zero(t, h.mgr.detector.Store().Len())
	assert.Equal(t, []string{"fan-1"}, h.streams.released)

	_, err := h.mgr.Get(ctx, "fan-1")
	assert.True(t, errors.Is(err, state.ErrDeviceNotFound))
	assert.True(t, errors.Is(h.mgr.Delete(ctx, "fan-1"), state.ErrDeviceNotFound))
}

func TestManager_StreamURLChangeReleasesSession(t *testing.T) {
	h := newHarness(t)
	h.register(t, state.Device{ID: "cam-1", Type: state.DeviceTypeCamera, StreamURL: "rtsp://old"})

	dev, err := h.mgr.Update(context.Background(), "cam-1", state.DeviceUpdate{StreamURL: ptr("rtsp://new")})
	require.NoError(t, err)
	assert.Equal(t, "rtsp://new", dev.StreamURL)
	assert.Equal(t, []string{"cam-1"}, h.streams.released)
}

func TestManager_StartSeedsAndSweeps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stateMgr := h.mgr.stateMgr
	require.NoError(t, stateMgr.SaveDevice(ctx, fan()))
	require.NoError(t, stateMgr.SaveDevice(ctx, state.Device{ID: "light-1", Type: state.DeviceTypeLight}))

	h.mgr.sweepInterval = 10 * time.Millisecond
	require.NoError(t, h.mgr.Start(ctx))
	assert.Equal(t, 2, h.mgr.detector.Store().Len())
	assert.Empty(t, h.queue.take())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.mgr.Stop(ctx))
}

func TestManager_ApplyTelemetryConfigEnablesSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mgr.now = time.Now

	seen := time.Now()
	h.register(t, state.Device{ID: "fan-1", RoomID: "room-1", Type: state.DeviceTypeFan, LastSeen: &seen})
	require.NoError(t, h.mgr.Start(ctx))
	defer h.mgr.Stop(ctx)

	h.mgr.ApplyTelemetryConfig(config.TelemetryConfig{
		OfflineThreshold: 50 * time.Millisecond,
		PersonCooldown:   5 * time.Second,
		SweepInterval:    10 * time.Millisecond,
	})
	assert.Equal(t, 50*time.Millisecond, h.mgr.OfflineThreshold())
	assert.Equal(t, 5*time.Second, h.mgr.debouncer.Cooldown())

	// nobody reads the device; the sweep notices it went quiet
	require.Eventually(t, func() bool {
		h.queue.mu.Lock()
		defer h.queue.mu.Unlock()
		for _, e := range h.queue.events {
			if e.Kind == events.KindDeviceOffline {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_RegisterRequiresType(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Register(context.Background(), state.Device{ID: "x"})
	assert.Error(t, err)

	dev, err := h.mgr.Register(context.Background(), state.Device{Type: "light"})
	require.NoError(t, err)
	assert.NotEmpty(t, dev.ID)
	assert.Equal(t, state.DeviceTypeLight, dev.Type)
}

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/home-hub/internal/config"
	"github.com/vzahanych/home-hub/internal/devices"
	"github.com/vzahanych/home-hub/internal/events"
	"github.com/vzahanych/home-hub/internal/logger"
	"github.com/vzahanych/home-hub/internal/metrics"
	"github.com/vzahanych/home-hub/internal/mqtt"
	"github.com/vzahanych/home-hub/internal/service"
	"github.com/vzahanych/home-hub/internal/state"
	"github.com/vzahanych/home-hub/internal/telemetry"
	"github.com/vzahanych/home-hub/internal/video"
)

type fakeCommands struct {
	mu   sync.Mutex
	keys []string
}

func (c *fakeCommands) PublishCommand(ctx context.Context, key string, cmd mqtt.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
	return nil
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	stateMgr *state.Manager
	registry *video.Registry
	opener   *video.FakeOpener
	commands *fakeCommands
	metrics  *metrics.Metrics
}

func setupTestServer(t *testing.T, opener *video.FakeOpener) *testEnv {
	t.Helper()
	log := logger.NewNopLogger()
	m := metrics.New()
	stateMgr := state.NewTestManager(t)

	outbox := events.NewOutbox(events.OutboxConfig{Size: 64}, events.NewActivitySink(stateMgr, log), m, log)
	require.NoError(t, outbox.Start(context.Background()))
	t.Cleanup(func() { outbox.Stop(context.Background()) })

	base := video.SessionConfig{
		BufferSize:  2,
		PopTimeout:  10 * time.Millisecond,
		JoinTimeout: time.Second,
		IdleYield:   time.Millisecond,
		RateWindow:  5,
		OpenTimeout: time.Second,
	}
	registry := video.NewRegistry(base, opener, nil, m, log)
	t.Cleanup(registry.StopAll)

	commands := &fakeCommands{}
	deviceMgr := devices.NewManager(
		stateMgr,
		telemetry.NewDetector(telemetry.NewStore(), 7*time.Second),
		telemetry.NewDebouncer(30*time.Second),
		outbox,
		commands,
		registry,
		m,
		0,
		log,
	)

	server := NewServer(&config.WebConfig{Enabled: true, Host: "127.0.0.1"}, config.StreamConfig{ChunkInterval: 10 * time.Millisecond}, log)
	server.SetDeviceService(deviceMgr)
	server.SetStreamRegistry(registry)
	server.SetActivityStore(stateMgr)
	server.SetEventHub(events.NewHub(log))
	server.SetMetrics(m, config.MetricsConfig{Enabled: true, Path: "/metrics"})

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server:   server,
		http:     ts,
		stateMgr: stateMgr,
		registry: registry,
		opener:   opener,
		commands: commands,
		metrics:  m,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *testEnv) registerCamera(t *testing.T, id, url string) {
	t.Helper()
	code, _ := e.do(t, http.MethodPost, "/api/devices", map[string]interface{}{
		"id":         id,
		"room_id":    "room-1",
		"name":       "Front door",
		"type":       "CAMERA",
		"stream_url": url,
	})
	require.Equal(t, http.StatusCreated, code)
}

func TestServer_NewServer(t *testing.T) {
	server := NewServer(&config.WebConfig{}, config.StreamConfig{}, logger.NewNopLogger())
	assert.Equal(t, "web-server", server.Name())
	assert.Equal(t, 100*time.Millisecond, server.chunkInterval)
	assert.NoError(t, server.Start(context.Background()), "disabled server does not listen")
	assert.NoError(t, server.Stop(context.Background()))
}

func TestServer_DeviceLifecycle(t *testing.T) {
	env := setupTestServer(t, &video.FakeOpener{})

	code, body := env.do(t, http.MethodPost, "/api/devices", map[string]interface{}{
		"id":             "fan-1",
		"home_id":        "home-1",
		"room_id":        "room-1",
		"name":           "Ceiling fan",
		"controller_mac": "AA:BB:CC:DD:EE:01",
		"type":           "fan",
		"status":         "OFF",
		"speed":          1,
	})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "FAN", body["type"])
	assert.Equal(t, false, body["online"])

	code, body = env.do(t, http.MethodPost, "/api/devices/fan-1/telemetry", map[string]interface{}{"status": "ON"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "ON", body["status"])
	assert.Equal(t, true, body["online"])

	code, body = env.do(t, http.MethodPost, "/api/devices/fan-1/command", map[string]interface{}{"action": "SET_SPEED", "speed": 3})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:01"}, env.commands.keys)

	for i := 0; i < 3; i++ {
		code, _ = env.do(t, http.MethodGet, "/api/devices/fan-1", nil)
		require.Equal(t, http.StatusOK, code)
	}

	code, body = env.do(t, http.MethodGet, "/api/devices?room_id=room-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = env.do(t, http.MethodGet, "/api/devices?unassigned=true&type=fan", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["count"])

	// DEVICE_ONLINE, FAN_ON, SPEED_CHANGED, COMMAND_SENT; the repeated reads add nothing
	require.Eventually(t, func() bool {
		code, body = env.do(t, http.MethodGet, "/api/activity?device_id=fan-1", nil)
		return code == http.StatusOK && body["total"] == float64(4)
	}, 2*time.Second, 20*time.Millisecond)

	kinds := map[string]bool{}
	for _, rec := range body["activity"].([]interface{}) {
		kinds[rec.(map[string]interface{})["kind"].(string)] = true
	}
	assert.True(t, kinds["FAN_ON"])
	assert.True(t, kinds["SPEED_CHANGED"])
	assert.True(t, kinds["COMMAND_SENT"])

	code, _ = env.do(t, http.MethodDelete, "/api/devices/fan-1", nil)
	assert.Equal(t, http.StatusOK, code)
	code, body = env.do(t, http.MethodGet, "/api/devices/fan-1", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, body["error"])
}

func TestServer_DeviceErrors(t *testing.T) {
	env := setupTestServer(t, &video.FakeOpener{})
	env.registerCamera(t, "cam-1", "")

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"missing type", http.MethodPost, "/api/devices", map[string]interface{}{"name": "x"}, http.StatusBadRequest},
		{"unknown type", http.MethodPost, "/api/devices", map[string]interface{}{"name": "x", "type": "TOASTER"}, http.StatusBadRequest},
		{"unknown device", http.MethodGet, "/api/devices/missing", nil, http.StatusNotFound},
		{"invalid command", http.MethodPost, "/api/devices/cam-1/command", map[string]interface{}{"action": "BLINK"}, http.StatusBadRequest},
		{"camera cannot switch", http.MethodPost, "/api/devices/cam-1/command", map[string]interface{}{"action": "ON"}, http.StatusBadRequest},
		{"bad telemetry status", http.MethodPost, "/api/devices/cam-1/telemetry", map[string]interface{}{"status": "MAYBE"}, http.StatusBadRequest},
		{"detection without body", http.MethodPost, "/api/devices/cam-1/human-detection", map[string]interface{}{}, http.StatusBadRequest},
		{"bad activity time", http.MethodGet, "/api/activity?start_time=yesterday", nil, http.StatusBadRequest},
		{"no route", http.MethodGet, "/api/nothing", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestServer_MJPEGStream(t *testing.T) {
	frame := video.TestJPEG(32, 24)
	env := setupTestServer(t, &video.FakeOpener{Frame: frame})
	env.registerCamera(t, "cam-1", "fake://cam-1")

	resp, err := http.Get(env.http.URL + "/api/devices/cam-1/stream")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)

	reader := multipart.NewReader(resp.Body, params["boundary"])
	for i := 0; i < 3; i++ {
		part, err := reader.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
		data, err := io.ReadAll(part)
		require.NoError(t, err)
		assert.Equal(t, frame, data)
	}

	assert.Equal(t, 1, env.registry.Viewers("cam-1"))
	code, body := env.do(t, http.MethodGet, "/api/devices/cam-1/stream/rate", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["running"])

	code, body = env.do(t, http.MethodGet, "/api/streams", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	frameResp, err := http.Get(env.http.URL + "/api/devices/cam-1/frame")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, frameResp.StatusCode)
	assert.Equal(t, "image/jpeg", frameResp.Header.Get("Content-Type"))
	frameResp.Body.Close()

	// disconnecting the only viewer tears the session down
	resp.Body.Close()
	require.Eventually(t, func() bool { return env.registry.Count() == 0 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return env.metrics.StreamClients.Load() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.opener.Opens())

	code, body = env.do(t, http.MethodGet, "/api/devices/cam-1/stream/rate", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["running"])
	assert.EqualValues(t, 0, body["fps"])
}

func TestServer_StreamUnavailable(t *testing.T) {
	env := setupTestServer(t, &video.FakeOpener{OpenErr: errors.New("connection refused")})
	env.registerCamera(t, "cam-1", "fake://cam-1")
	env.registerCamera(t, "cam-2", "")

	code, body := env.do(t, http.MethodGet, "/api/devices/cam-1/stream", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body["error"], "source unavailable")
	assert.Zero(t, env.registry.Count())

	code, _ = env.do(t, http.MethodGet, "/api/devices/cam-2/stream", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodGet, "/api/devices/cam-1/frame", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_HumanDetectionToggle(t *testing.T) {
	env := setupTestServer(t, &video.FakeOpener{Frame: video.TestJPEG(16, 16)})
	env.registerCamera(t, "cam-1", "fake://cam-1")

	code, body := env.do(t, http.MethodPost, "/api/devices/cam-1/human-detection", map[string]interface{}{"enabled": true})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, false, body["live"])

	sess, err := env.registry.Attach(context.Background(), "cam-1", "fake://cam-1", true)
	require.NoError(t, err)
	defer env.registry.Detach("cam-1", sess)

	code, body = env.do(t, http.MethodPost, "/api/devices/cam-1/human-detection", map[string]interface{}{"enabled": false})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["live"])
	assert.False(t, sess.DetectionEnabled())
	assert.True(t, sess.Running(), "toggling does not restart the stream")
}

func TestServer_StatusAndMetrics(t *testing.T) {
	env := setupTestServer(t, &video.FakeOpener{})

	code, body := env.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "dev", body["version"])
	assert.EqualValues(t, 0, body["active_streams"])

	code, body = env.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(data), "hub_active_sessions"))
}

func TestServer_StatusListsServices(t *testing.T) {
	env := setupTestServer(t, &video.FakeOpener{})

	svcMgr := service.NewManager(logger.NewNopLogger())
	svcMgr.Register(env.stateMgr)
	svcMgr.Register(env.registry)
	require.NoError(t, svcMgr.Start(context.Background()))
	env.server.SetServices(svcMgr)
	env.server.SetLifecycle(env.stateMgr)

	code, body := env.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["service_count"])
	assert.Equal(t, state.ShutdownFirstRun, body["previous_shutdown"])

	services, ok := body["services"].([]interface{})
	require.True(t, ok, "services is a list: %v", body["services"])
	require.Len(t, services, 2)
	first := services[0].(map[string]interface{})
	assert.Equal(t, "state", first["name"])
	assert.Equal(t, string(service.StatusRunning), first["status"])

	code, body = env.do(t, http.MethodGet, "/api/services/stream-registry", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stream-registry", body["name"])
	assert.Equal(t, string(service.StatusRunning), body["status"])

	code, _ = env.do(t, http.MethodGet, "/api/services/mqtt-publisher", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWriteMJPEGPart(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMJPEGPart(&buf, []byte{0xFF, 0xD8, 0xFF, 0xD9}))
	assert.Equal(t, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 4\r\n\r\n\xff\xd8\xff\xd9\r\n", buf.String())
}

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/home-hub/internal/config"
	"github.com/vzahanych/home-hub/internal/devices"
	"github.com/vzahanych/home-hub/internal/events"
	"github.com/vzahanych/home-hub/internal/logger"
	"github.com/vzahanych/home-hub/internal/service"
	"github.com/vzahanych/home-hub/internal/state"
	"github.com/vzahanych/home-hub/internal/telemetry"
	"github.com/vzahanych/home-hub/internal/video"
)

func TestHub_PersonDetectionFlow(t *testing.T) {
	opener := &video.FakeOpener{Frame: video.TestJPEG(64, 48)}
	env := SetupTestEnvironment(t, opener, PersonDetector())
	ctx := context.Background()

	_, err := env.Devices.Register(ctx, state.Device{
		ID:                    "cam-1",
		HomeID:                "home-1",
		RoomID:                "living-room",
		Name:                  "Living room camera",
		Type:                  state.DeviceTypeCamera,
		StreamURL:             "fake://cam-1",
		HumanDetectionEnabled: true,
	})
	require.NoError(t, err)

	started := env.SvcMgr.GetEventBus().Subscribe(service.EventTypeStreamStarted)

	wsURL := "ws" + strings.TrimPrefix(env.Server.URL, "http") + "/api/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.True(t, WaitForCondition(time.Second, func() bool { return env.Hub.ClientCount() == 1 }))

	resp, err := http.Get(env.Server.URL + "/api/devices/cam-1/stream")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	part, err := multipart.NewReader(resp.Body, params["boundary"]).NextPart()
	require.NoError(t, err)
	data, err := io.ReadAll(part)
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err, "stream parts are decodable JPEG")

	select {
	case ev := <-started:
		assert.Equal(t, "cam-1", ev.Data["device_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("stream.started was not published")
	}

	// live feed event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var live events.Event
	require.NoError(t, json.Unmarshal(msg, &live))
	assert.Equal(t, events.KindPersonDetected, live.Kind)
	assert.Equal(t, "cam-1", live.DeviceID)
	assert.Equal(t, "living-room", live.RoomID)

	// every frame carries a person but the cooldown admits one event
	opts := state.ListActivityOptions{DeviceID: "cam-1", Kind: string(events.KindPersonDetected)}
	require.True(t, WaitForCondition(2*time.Second, func() bool {
		_, total, err := env.StateMgr.ListActivity(ctx, opts)
		return err == nil && total == 1
	}))
	time.Sleep(100 * time.Millisecond)
	_, total, err := env.StateMgr.ListActivity(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Greater(t, env.Metrics.PersonDetections.Load(), uint64(1))

	frameResp, err := http.Get(env.Server.URL + "/api/devices/cam-1/frame")
	require.NoError(t, err)
	frameResp.Body.Close()
	assert.Equal(t, "true", frameResp.Header.Get("X-Person-Detected"))

	resp.Body.Close()
	require.True(t, WaitForCondition(3*time.Second, func() bool { return env.Registry.Count() == 0 }))
	assert.Equal(t, 1, opener.Opens())
}

func TestHub_ConcurrentViewersShareOneSource(t *testing.T) {
	opener := &video.FakeOpener{Frame: video.TestJPEG(32, 24)}
	env := SetupTestEnvironment(t, opener, nil)

	_, err := env.Devices.Register(context.Background(), state.Device{
		ID:        "cam-1",
		RoomID:    "hall",
		Name:      "Hall camera",
		Type:      state.DeviceTypeCamera,
		StreamURL: "fake://cam-1",
	})
	require.NoError(t, err)

	const viewers = 4
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		resps []*http.Response
	)
	for i := 0; i < viewers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(env.Server.URL + "/api/devices/cam-1/stream")
			if !assert.NoError(t, err) {
				return
			}
			part, err := multipart.NewReader(resp.Body, "frame").NextPart()
			if assert.NoError(t, err) {
				_, _ = io.Copy(io.Discard, part)
			}
			mu.Lock()
			resps = append(resps, resp)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, resps, viewers)

	assert.Equal(t, 1, opener.Opens())
	assert.Equal(t, viewers, env.Registry.Viewers("cam-1"))

	// the session survives until the last viewer leaves
	for _, resp := range resps[:viewers-1] {
		resp.Body.Close()
	}
	require.True(t, WaitForCondition(2*time.Second, func() bool { return env.Registry.Viewers("cam-1") == 1 }))
	assert.Equal(t, 1, env.Registry.Count())

	resps[viewers-1].Body.Close()
	require.True(t, WaitForCondition(2*time.Second, func() bool { return env.Registry.Count() == 0 }))
	assert.True(t, WaitForCondition(time.Second, opener.Sources()[0].Closed))
}

func TestConfigState_RestartKeepsRegistry(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
hub:
  server:
    data_dir: `+tmpDir+`
  telemetry:
    offline_threshold: 7s
log:
  level: debug
`), 0644))
	t.Setenv("HUB_TELEMETRY_SWEEP_INTERVAL", "0s")

	log := logger.NewNopLogger()
	cfgSvc, err := config.NewService(cfgPath, log)
	require.NoError(t, err)
	cfg := cfgSvc.Get()
	assert.Equal(t, filepath.Join(tmpDir, "db", "hub.db"), cfg.Hub.Server.DBPath)
	assert.Zero(t, cfg.Hub.Telemetry.SweepInterval, "environment overrides the file")

	ctx := context.Background()

	// first run: register and report
	stateMgr, err := state.NewManager(cfg, log)
	require.NoError(t, err)
	outbox := events.NewOutbox(events.OutboxConfig{}, events.NewActivitySink(stateMgr, log), nil, log)
	require.NoError(t, outbox.Start(ctx))

	mgr := devices.NewManager(stateMgr,
		telemetry.NewDetector(telemetry.NewStore(), cfg.Hub.Telemetry.OfflineThreshold),
		telemetry.NewDebouncer(cfg.Hub.Telemetry.PersonCooldown),
		outbox, nil, nil, nil, 0, log)
	require.NoError(t, mgr.Start(ctx))

	off := state.StateOff
	_, err = mgr.Register(ctx, state.Device{ID: "fan-1", RoomID: "bedroom", Name: "Fan", Type: state.DeviceTypeFan, State: off})
	require.NoError(t, err)
	on := "on"
	_, err = mgr.ReportTelemetry(ctx, "fan-1", devices.Telemetry{State: &on})
	require.NoError(t, err)

	require.NoError(t, mgr.Stop(ctx))
	require.NoError(t, outbox.Stop(ctx))
	require.NoError(t, stateMgr.Close())

	// second run: the registry and activity log survive, and seeding the
	// cache from the stored state produces no events
	stateMgr, err = state.NewManager(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { stateMgr.Close() })

	dev, err := stateMgr.GetDevice(ctx, "fan-1")
	require.NoError(t, err)
	assert.Equal(t, state.StateOn, dev.State)

	logs, _, err := stateMgr.ListActivity(ctx, state.ListActivityOptions{DeviceID: "fan-1", Kind: "FAN_ON"})
	require.NoError(t, err)
	require.Len(t, logs, 1)

	var (
		mu        sync.Mutex
		delivered []events.Event
	)
	sink := events.SinkFunc(func(ctx context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, e)
		return nil
	})
	outbox = events.NewOutbox(events.OutboxConfig{}, sink, nil, log)
	require.NoError(t, outbox.Start(ctx))

	mgr = devices.NewManager(stateMgr,
		telemetry.NewDetector(telemetry.NewStore(), cfg.Hub.Telemetry.OfflineThreshold),
		telemetry.NewDebouncer(cfg.Hub.Telemetry.PersonCooldown),
		outbox, nil, nil, nil, 0, log)
	require.NoError(t, mgr.Start(ctx))
	_, err = mgr.Get(ctx, "fan-1")
	require.NoError(t, err)

	require.NoError(t, mgr.Stop(ctx))
	require.NoError(t, outbox.Stop(ctx))
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, delivered)
}

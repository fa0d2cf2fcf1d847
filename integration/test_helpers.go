package integration

import (
	"context"
	"image"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/vzahanych/home-hub/internal/ai"
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
	"github.com/vzahanych/home-hub/internal/web"
)

// TestEnvironment is a fully wired hub with in-memory video sources and
// an httptest front end
type TestEnvironment struct {
	TempDir  string
	Config   *config.Config
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
	StateMgr *state.Manager
	SvcMgr   *service.Manager
	Hub      *events.Hub
	Outbox   *events.Outbox
	Opener   *video.FakeOpener
	Registry *video.Registry
	Devices  *devices.Manager
	Server   *httptest.Server
}

// SetupTestEnvironment wires the hub the same way main does, replacing the
// network openers with opener and the detection service with detector.
// The command channel is disabled.
func SetupTestEnvironment(t *testing.T, opener *video.FakeOpener, detector ai.Detector) *TestEnvironment {
	t.Helper()

	tmpDir := t.TempDir()
	cfg := config.Default()
	cfg.Hub.Server.DataDir = tmpDir
	cfg.Hub.Server.DBPath = filepath.Join(tmpDir, "db", "hub.db")
	cfg.Hub.Stream.BufferSize = 2
	cfg.Hub.Stream.PopTimeout = 10 * time.Millisecond
	cfg.Hub.Stream.ReadRetryDelay = time.Millisecond
	cfg.Hub.Stream.IdleYield = time.Millisecond
	cfg.Hub.Stream.ChunkInterval = 10 * time.Millisecond
	cfg.Hub.Stream.OpenTimeout = time.Second
	cfg.Hub.Telemetry.SweepInterval = 0

	log := logger.NewNopLogger()
	m := metrics.New()

	stateMgr, err := state.NewManager(cfg, log)
	if err != nil {
		t.Fatalf("Failed to create state manager: %v", err)
	}

	hub := events.NewHub(log)
	outbox := events.NewOutbox(events.OutboxConfig{
		Size:         cfg.Hub.Events.OutboxSize,
		SinkTimeout:  cfg.Hub.Events.SinkTimeout,
		DrainTimeout: cfg.Hub.Events.DrainTimeout,
	}, events.MultiSink{events.NewActivitySink(stateMgr, log), hub}, m, log)

	registry := video.NewRegistry(video.SessionConfigFromStream(cfg.Hub.Stream, cfg.Hub.AI), opener, detector, m, log)
	publisher := mqtt.NewPublisher(cfg.Hub.MQTT, log)

	deviceMgr := devices.NewManager(
		stateMgr,
		telemetry.NewDetector(telemetry.NewStore(), cfg.Hub.Telemetry.OfflineThreshold),
		telemetry.NewDebouncer(cfg.Hub.Telemetry.PersonCooldown),
		outbox,
		publisher,
		registry,
		m,
		cfg.Hub.Telemetry.SweepInterval,
		log,
	)
	registry.SetDetectionHook(deviceMgr.OnDetection)

	webServer := web.NewServer(&cfg.Hub.Web, cfg.Hub.Stream, log)
	webServer.SetDeviceService(deviceMgr)
	webServer.SetStreamRegistry(registry)
	webServer.SetActivityStore(stateMgr)
	webServer.SetEventHub(hub)
	webServer.SetMetrics(m, cfg.Hub.Metrics)

	svcMgr := service.NewManager(log)
	svcMgr.Register(stateMgr)
	svcMgr.Register(outbox)
	svcMgr.Register(registry)
	svcMgr.Register(publisher)
	svcMgr.Register(deviceMgr)

	ctx, cancel := ContextWithTimeout(5 * time.Second)
	defer cancel()
	if err := svcMgr.Start(ctx); err != nil {
		t.Fatalf("Failed to start services: %v", err)
	}

	srv := httptest.NewServer(webServer.Handler())

	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		shutdownCtx, shutdownCancel := ContextWithTimeout(5 * time.Second)
		defer shutdownCancel()
		_ = svcMgr.Shutdown(shutdownCtx)
	})

	return &TestEnvironment{
		TempDir:  tmpDir,
		Config:   cfg,
		Logger:   log,
		Metrics:  m,
		StateMgr: stateMgr,
		SvcMgr:   svcMgr,
		Hub:      hub,
		Outbox:   outbox,
		Opener:   opener,
		Registry: registry,
		Devices:  deviceMgr,
		Server:   srv,
	}
}

// PersonDetector reports one person in every frame
func PersonDetector() ai.Detector {
	return ai.DetectorFunc(func(ctx context.Context, jpeg []byte) ([]ai.Detection, error) {
		return []ai.Detection{{Class: "person", Box: image.Rect(2, 2, 12, 12), Confidence: 0.9}}, nil
	})
}

// WaitForCondition waits for a condition to become true
func WaitForCondition(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		<-ticker.C
	}

	return false
}

// ContextWithTimeout creates a context with timeout for tests
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vzahanych/home-hub/internal/ai"
	"github.com/vzahanych/home-hub/internal/config"
	"github.com/vzahanych/home-hub/internal/devices"
	"github.com/vzahanych/home-hub/internal/events"
	"github.com/vzahanych/home-hub/internal/health"
	"github.com/vzahanych/home-hub/internal/logger"
	"github.com/vzahanych/home-hub/internal/metrics"
	"github.com/vzahanych/home-hub/internal/mqtt"
	"github.com/vzahanych/home-hub/internal/service"
	"github.com/vzahanych/home-hub/internal/state"
	"github.com/vzahanych/home-hub/internal/storage"
	"github.com/vzahanych/home-hub/internal/telemetry"
	"github.com/vzahanych/home-hub/internal/video"
	"github.com/vzahanych/home-hub/internal/web"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	// Bootstrap logger until the configured one exists
	bootLog, err := logger.New(logger.LogConfig{Level: "info", Format: "text", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// Load configuration with environment overrides
	cfgSvc, err := config.NewService(configPath, bootLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgSvc.Get()

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Home Hub",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	svcMgr := service.NewManager(log)

	// Device registry and activity log
	stateMgr, err := state.NewManager(cfg, log)
	if err != nil {
		log.Error("Failed to open state database", "error", err)
		os.Exit(1)
	}

	// Activity log retention
	disk := storage.NewDiskMonitor(filepath.Dir(cfg.Hub.Server.DBPath), cfg.Hub.Retention.MaxDiskUsagePercent)
	retention := storage.NewRetentionService(storage.RetentionConfig{
		ActivityDays: cfg.Hub.Retention.ActivityDays,
		Interval:     cfg.Hub.Retention.Interval,
	}, stateMgr, disk, log)

	// Events fan out to the activity log and live websocket clients
	hub := events.NewHub(log)
	outbox := events.NewOutbox(events.OutboxConfig{
		Size:         cfg.Hub.Events.OutboxSize,
		SinkTimeout:  cfg.Hub.Events.SinkTimeout,
		DrainTimeout: cfg.Hub.Events.DrainTimeout,
	}, events.MultiSink{events.NewActivitySink(stateMgr, log), hub}, m, log)

	// Live video
	detector := ai.NewClient(ai.ClientConfig{
		ServiceURL:          cfg.Hub.AI.ServiceURL,
		Timeout:             cfg.Hub.AI.Timeout,
		ConfidenceThreshold: cfg.Hub.AI.ConfidenceThreshold,
		EnabledClasses:      []string{cfg.Hub.AI.PersonClass},
	}, log)

	opener := video.NewSchemeOpener()
	opener.Register(video.NewMJPEGOpener(), "http", "https")
	opener.Register(video.NewRTSPOpener(log), "rtsp", "rtsps")
	if ff, err := video.NewFFmpegOpener(cfg.Hub.Stream.FFmpegPath, cfg.Hub.Stream.FFmpegFPS, log); err != nil {
		log.Warn("FFmpeg not available, only MJPEG and RTSP feeds can be opened", "error", err)
	} else {
		opener.Fallback = ff
	}

	registry := video.NewRegistry(
		video.SessionConfigFromStream(cfg.Hub.Stream, cfg.Hub.AI),
		opener, detector, m, log.Named("video"),
	)

	// Command channel
	publisher := mqtt.NewPublisher(cfg.Hub.MQTT, log)

	// Device service
	deviceMgr := devices.NewManager(
		stateMgr,
		telemetry.NewDetector(telemetry.NewStore(), cfg.Hub.Telemetry.OfflineThreshold),
		telemetry.NewDebouncer(cfg.Hub.Telemetry.PersonCooldown),
		outbox,
		publisher,
		registry,
		m,
		cfg.Hub.Telemetry.SweepInterval,
		log.Named("devices"),
	)
	registry.SetDetectionHook(deviceMgr.OnDetection)
	cfgSvc.Watch(liveSettings(log, deviceMgr, detector))

	// Health checks
	healthMgr := health.NewManager(log, svcMgr)
	healthMgr.RegisterChecker(health.NewDatabaseChecker(stateMgr))
	healthMgr.RegisterChecker(health.NewDetectorChecker(detector, cfg.Hub.AI.ServiceURL))
	healthMgr.RegisterChecker(health.NewMQTTChecker(publisher))
	healthMgr.RegisterChecker(health.NewStreamsChecker(registry))
	healthMgr.RegisterChecker(health.NewOutboxChecker(outbox, cfg.Hub.Events.OutboxSize))
	healthMgr.RegisterChecker(health.NewDiskChecker(disk))

	// Web API
	webServer := web.NewServer(&cfg.Hub.Web, cfg.Hub.Stream, log)
	webServer.SetVersion(version)
	webServer.SetDeviceService(deviceMgr)
	webServer.SetStreamRegistry(registry)
	webServer.SetActivityStore(stateMgr)
	webServer.SetEventHub(hub)
	webServer.SetMetrics(m, cfg.Hub.Metrics)
	webServer.SetHealth(healthMgr)
	webServer.SetServices(svcMgr)
	webServer.SetLifecycle(stateMgr)

	// Start order matters: services stop in reverse, so the web server
	// goes first and the database last
	svcMgr.Register(stateMgr)
	svcMgr.Register(retention)
	svcMgr.Register(outbox)
	svcMgr.Register(registry)
	svcMgr.Register(publisher)
	svcMgr.Register(deviceMgr)
	svcMgr.Register(webServer)

	if err := healthMgr.Start(ctx, cfg.Hub.Health.Port); err != nil {
		log.Error("Failed to start health check server", "error", err)
		os.Exit(1)
	}

	if err := svcMgr.Start(ctx); err != nil {
		log.Error("Failed to start services", "error", err)
		os.Exit(1)
	}

	// SIGHUP reloads the configuration file; anything else shuts down
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			log.Info("Received shutdown signal", "signal", sig)
			break
		}
		if err := cfgSvc.Reload(ctx); err != nil {
			log.Error("Configuration reload failed, keeping current settings", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop health check server first
	if err := healthMgr.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping health check server", "error", err)
	}

	hub.Close()

	if err := svcMgr.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Shutdown complete")
}

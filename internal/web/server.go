package web

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/home-hub/internal/config"
	"github.com/vzahanych/home-hub/internal/devices"
	"github.com/vzahanych/home-hub/internal/health"
	"github.com/vzahanych/home-hub/internal/logger"
	"github.com/vzahanych/home-hub/internal/metrics"
	"github.com/vzahanych/home-hub/internal/mqtt"
	"github.com/vzahanych/home-hub/internal/service"
	"github.com/vzahanych/home-hub/internal/state"
	"github.com/vzahanych/home-hub/internal/video"
)

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config        *config.WebConfig
	metricsConfig config.MetricsConfig
	chunkInterval time.Duration
	logger        *logger.Logger
	httpServer    *http.Server
	router        *gin.Engine
	routesOnce    sync.Once
	devices       DeviceService  // Optional device service for the device API
	streams       StreamRegistry // Optional stream registry for live video
	activity      ActivityStore  // Optional activity log for the audit API
	eventHub      http.Handler   // Optional websocket event feed
	metrics       *metrics.Metrics
	health        HealthReporter
	services      ServiceDirectory
	lifecycle     LifecycleReporter
	version       string
	startTime     time.Time
}

// DeviceService is the device API backend
type DeviceService interface {
	Register(ctx context.Context, dev state.Device) (*state.Device, error)
	Get(ctx context.Context, deviceID string) (*state.Device, error)
	List(ctx context.Context, opts state.ListDevicesOptions) ([]state.Device, error)
	Update(ctx context.Context, deviceID string, upd state.DeviceUpdate) (*state.Device, error)
	Delete(ctx context.Context, deviceID string) error
	ReportTelemetry(ctx context.Context, deviceID string, report devices.Telemetry) (*state.Device, error)
	Command(ctx context.Context, deviceID string, cmd mqtt.Command) (*state.Device, error)
	SetHumanDetection(ctx context.Context, deviceID string, enabled bool) (*state.Device, bool, error)
}

// StreamRegistry hands out live video sessions
type StreamRegistry interface {
	Attach(ctx context.Context, deviceID, url string, detection bool) (*video.Session, error)
	Detach(deviceID string, sess *video.Session)
	Get(deviceID string) (*video.Session, bool)
	List() []video.SessionInfo
}

// ActivityStore lists audit records
type ActivityStore interface {
	ListActivity(ctx context.Context, opts state.ListActivityOptions) ([]state.ActivityLog, int, error)
}

// HealthReporter runs the registered health checks
type HealthReporter interface {
	Check(ctx context.Context) health.HealthReport
}

// ServiceDirectory reports the lifecycle status of the hub services
type ServiceDirectory interface {
	GetServiceCount() int
	GetAllStatuses() map[string]*service.ServiceStatus
	GetServiceStatus(name string) *service.ServiceStatus
}

// LifecycleReporter reports how the previous run ended
type LifecycleReporter interface {
	PreviousShutdown() string
}

// NewServer creates a new web server service
func NewServer(cfg *config.WebConfig, streamCfg config.StreamConfig, log *logger.Logger) *Server {
	// Debug mode can be enabled via GIN_MODE environment variable
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	chunk := streamCfg.ChunkInterval
	if chunk <= 0 {
		chunk = 100 * time.Millisecond
	}

	return &Server{
		ServiceBase:   service.NewServiceBase("web-server", log),
		config:        cfg,
		metricsConfig: config.MetricsConfig{Enabled: true, Path: "/metrics"},
		chunkInterval: chunk,
		logger:        log,
		router:        router,
		version:       "dev",
		startTime:     time.Now(),
	}
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// SetDeviceService sets the device API backend
func (s *Server) SetDeviceService(svc DeviceService) {
	s.devices = svc
}

// SetStreamRegistry sets the live video registry
func (s *Server) SetStreamRegistry(reg StreamRegistry) {
	s.streams = reg
}

// SetActivityStore sets the activity log backend
func (s *Server) SetActivityStore(store ActivityStore) {
	s.activity = store
}

// SetEventHub sets the websocket handler for live events
func (s *Server) SetEventHub(hub http.Handler) {
	s.eventHub = hub
}

// SetMetrics sets the metrics exposed on the metrics path
func (s *Server) SetMetrics(m *metrics.Metrics, cfg config.MetricsConfig) {
	s.metrics = m
	s.metricsConfig = cfg
}

// SetHealth sets the health reporter behind /api/health
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// SetServices sets the service directory shown on the status endpoints
func (s *Server) SetServices(dir ServiceDirectory) {
	s.services = dir
}

// SetLifecycle sets the source of the previous shutdown outcome
func (s *Server) SetLifecycle(l LifecycleReporter) {
	s.lifecycle = l
}

// Handler returns the router with all routes installed
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.setupRoutes)
	return s.router
}

// Start starts the web server
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.LogInfo("Web server is disabled")
		return nil
	}

	// WriteTimeout and IdleTimeout stay disabled: stream responses are
	// unbounded and end on client disconnect
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		s.LogInfo("Starting web server", "address", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.LogError("Web server error", err, "address", addr)
			s.GetStatus().SetError(err)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
		s.GetStatus().SetStatus(service.StatusRunning)
		s.LogInfo("Web server started", "address", addr)
		return nil
	}
}

// Stop stops the web server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.LogInfo("Stopping web server")
	s.GetStatus().SetStatus(service.StatusStopped)
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)
		api.GET("/services/:name", s.handleServiceStatus)

		devices := api.Group("/devices")
		{
			devices.GET("", s.handleListDevices)
			devices.POST("", s.handleRegisterDevice)
			devices.GET("/:id", s.handleGetDevice)
			devices.PUT("/:id", s.handleUpdateDevice)
			devices.DELETE("/:id", s.handleDeleteDevice)
			devices.POST("/:id/command", s.handleCommand)
			devices.POST("/:id/telemetry", s.handleTelemetry)

			// Live video
			devices.GET("/:id/stream", s.handleMJPEGStream)
			devices.GET("/:id/stream/rate", s.handleStreamRate)
			devices.GET("/:id/frame", s.handleSingleFrame)
			devices.POST("/:id/human-detection", s.handleHumanDetection)
		}

		api.GET("/streams", s.handleListStreams)
		api.GET("/activity", s.handleListActivity)
		api.GET("/events/ws", s.handleEventsWebsocket)
	}

	if s.metrics != nil && s.metricsConfig.Enabled {
		s.router.GET(s.metricsConfig.Path, gin.WrapH(s.metrics.Handler()))
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware creates a CORS middleware for local network access
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

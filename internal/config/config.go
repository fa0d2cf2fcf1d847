package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Hub HubConfig `yaml:"hub"`
	Log LogConfig `yaml:"log,omitempty"`
}

// HubConfig contains the home hub configuration
type HubConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Events    EventsConfig    `yaml:"events"`
	AI        AIConfig        `yaml:"ai"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Web       WebConfig       `yaml:"web"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig contains process-wide settings
type ServerConfig struct {
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
}

// StreamConfig contains live video pipeline settings
type StreamConfig struct {
	BufferSize      int           `yaml:"buffer_size"`
	PopTimeout      time.Duration `yaml:"pop_timeout"`
	JoinTimeout     time.Duration `yaml:"join_timeout"`
	ReadRetryDelay  time.Duration `yaml:"read_retry_delay"`
	IdleYield       time.Duration `yaml:"idle_yield"`
	RateWindow      int           `yaml:"rate_window"`
	ChunkInterval   time.Duration `yaml:"chunk_interval"`
	OpenTimeout     time.Duration `yaml:"open_timeout"`
	MaxReadFailures int           `yaml:"max_read_failures"` // 0 retries forever
	FFmpegPath      string        `yaml:"ffmpeg_path"`       // empty: search PATH
	FFmpegFPS       int           `yaml:"ffmpeg_fps"`
}

// TelemetryConfig contains device state observation settings
type TelemetryConfig struct {
	OfflineThreshold time.Duration `yaml:"offline_threshold"`
	PersonCooldown   time.Duration `yaml:"person_cooldown"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// EventsConfig contains outbound event channel settings
type EventsConfig struct {
	OutboxSize   int           `yaml:"outbox_size"`
	SinkTimeout  time.Duration `yaml:"sink_timeout"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// AIConfig contains detection service configuration
type AIConfig struct {
	ServiceURL          string        `yaml:"service_url"`
	Timeout             time.Duration `yaml:"timeout"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	PersonClass         string        `yaml:"person_class"`
}

// MQTTConfig contains command channel configuration
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"` // never logged
	QoS            int           `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// WebConfig contains web server configuration
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MetricsConfig contains prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HealthConfig contains health endpoint settings
type HealthConfig struct {
	Port int `yaml:"port"`
}

// RetentionConfig bounds how much the activity log keeps on disk
type RetentionConfig struct {
	ActivityDays        int           `yaml:"activity_days"`
	MaxDiskUsagePercent float64       `yaml:"max_disk_usage_percent"`
	Interval            time.Duration `yaml:"interval"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// Default returns a configuration populated with defaults only
func Default() *Config {
	cfg := &Config{}
	cfg.Hub.Web.Enabled = true
	cfg.Hub.Metrics.Enabled = true
	cfg.setDefaults()
	return cfg
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.yaml",
		"./config/config.example.yaml",
		"../config/config.yaml",
		"/etc/home-hub/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return paths[0]
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Hub.Server.DataDir == "" {
		c.Hub.Server.DataDir = "./data"
	}
	if c.Hub.Server.DBPath == "" {
		c.Hub.Server.DBPath = filepath.Join(c.Hub.Server.DataDir, "db", "hub.db")
	}

	s := &c.Hub.Stream
	if s.BufferSize == 0 {
		s.BufferSize = 4
	}
	if s.PopTimeout == 0 {
		s.PopTimeout = time.Second
	}
	if s.JoinTimeout == 0 {
		s.JoinTimeout = 3 * time.Second
	}
	if s.ReadRetryDelay == 0 {
		s.ReadRetryDelay = 40 * time.Millisecond
	}
	if s.IdleYield == 0 {
		s.IdleYield = 20 * time.Millisecond
	}
	if s.RateWindow == 0 {
		s.RateWindow = 30
	}
	if s.ChunkInterval == 0 {
		s.ChunkInterval = 100 * time.Millisecond
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 10 * time.Second
	}
	if s.FFmpegFPS == 0 {
		s.FFmpegFPS = 10
	}

	if c.Hub.Telemetry.OfflineThreshold == 0 {
		c.Hub.Telemetry.OfflineThreshold = 7 * time.Second
	}
	if c.Hub.Telemetry.PersonCooldown == 0 {
		c.Hub.Telemetry.PersonCooldown = 30 * time.Second
	}
	if c.Hub.Telemetry.SweepInterval == 0 {
		c.Hub.Telemetry.SweepInterval = 5 * time.Second
	}

	if c.Hub.Events.OutboxSize == 0 {
		c.Hub.Events.OutboxSize = 256
	}
	if c.Hub.Events.SinkTimeout == 0 {
		c.Hub.Events.SinkTimeout = 5 * time.Second
	}
	if c.Hub.Events.DrainTimeout == 0 {
		c.Hub.Events.DrainTimeout = 5 * time.Second
	}

	if c.Hub.AI.ServiceURL == "" {
		c.Hub.AI.ServiceURL = "http://localhost:8000"
	}
	if c.Hub.AI.Timeout == 0 {
		c.Hub.AI.Timeout = 5 * time.Second
	}
	if c.Hub.AI.ConfidenceThreshold == 0 {
		c.Hub.AI.ConfidenceThreshold = 0.5
	}
	if c.Hub.AI.PersonClass == "" {
		c.Hub.AI.PersonClass = "person"
	}

	if c.Hub.MQTT.Broker == "" {
		c.Hub.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.Hub.MQTT.ClientID == "" {
		c.Hub.MQTT.ClientID = "home-hub"
	}
	if c.Hub.MQTT.ConnectTimeout == 0 {
		c.Hub.MQTT.ConnectTimeout = 10 * time.Second
	}
	if c.Hub.MQTT.PublishTimeout == 0 {
		c.Hub.MQTT.PublishTimeout = 5 * time.Second
	}

	if c.Hub.Web.Host == "" {
		c.Hub.Web.Host = "0.0.0.0"
	}
	if c.Hub.Web.Port == 0 {
		c.Hub.Web.Port = 8080
	}

	if c.Hub.Metrics.Path == "" {
		c.Hub.Metrics.Path = "/metrics"
	}

	if c.Hub.Health.Port == 0 {
		c.Hub.Health.Port = 8081
	}

	if c.Hub.Retention.ActivityDays == 0 {
		c.Hub.Retention.ActivityDays = 30
	}
	if c.Hub.Retention.MaxDiskUsagePercent == 0 {
		c.Hub.Retention.MaxDiskUsagePercent = 90.0
	}
	if c.Hub.Retention.Interval == 0 {
		c.Hub.Retention.Interval = time.Hour
	}
}

package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/vzahanych/home-hub/internal/logger"
)

// Service provides configuration management with environment variable support
type Service struct {
	config     *Config
	configPath string
	logger     *logger.Logger
	mu         sync.RWMutex
	watchers   []ConfigWatcher
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(ctx context.Context, oldConfig, newConfig *Config) error

// NewService creates a new configuration service
func NewService(configPath string, log *logger.Logger) (*Service, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Service{
		config:     cfg,
		configPath: configPath,
		logger:     log,
		watchers:   make([]ConfigWatcher, 0),
	}, nil
}

// Get returns the current configuration (thread-safe)
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Reload reloads the configuration from file
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldConfig := s.config

	newConfig, err := Load(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	applyEnvOverrides(newConfig)

	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid reloaded configuration: %w", err)
	}

	s.config = newConfig

	for _, watcher := range s.watchers {
		if err := watcher(ctx, oldConfig, newConfig); err != nil {
			s.logger.Error("Config watcher error", "error", err)
		}
	}

	s.logger.Info("Configuration reloaded", "path", s.configPath)
	return nil
}

// Watch registers a configuration change watcher
func (s *Service) Watch(watcher ConfigWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, watcher)
}

// applyEnvOverrides applies environment variable overrides to configuration
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("HUB_DATA_DIR"); val != "" {
		cfg.Hub.Server.DataDir = val
	}
	if val := os.Getenv("HUB_DB_PATH"); val != "" {
		cfg.Hub.Server.DBPath = val
	}

	// Stream pipeline
	if val := os.Getenv("HUB_STREAM_BUFFER_SIZE"); val != "" {
		if size, err := parseInt(val); err == nil {
			cfg.Hub.Stream.BufferSize = size
		}
	}
	if val := os.Getenv("HUB_STREAM_RATE_WINDOW"); val != "" {
		if window, err := parseInt(val); err == nil {
			cfg.Hub.Stream.RateWindow = window
		}
	}
	if val := os.Getenv("HUB_STREAM_MAX_READ_FAILURES"); val != "" {
		if n, err := parseInt(val); err == nil {
			cfg.Hub.Stream.MaxReadFailures = n
		}
	}
	cfg.Hub.Stream.JoinTimeout = GetEnvDuration("HUB_STREAM_JOIN_TIMEOUT", cfg.Hub.Stream.JoinTimeout)
	cfg.Hub.Stream.ChunkInterval = GetEnvDuration("HUB_STREAM_CHUNK_INTERVAL", cfg.Hub.Stream.ChunkInterval)

	// Telemetry
	cfg.Hub.Telemetry.OfflineThreshold = GetEnvDuration("HUB_TELEMETRY_OFFLINE_THRESHOLD", cfg.Hub.Telemetry.OfflineThreshold)
	cfg.Hub.Telemetry.PersonCooldown = GetEnvDuration("HUB_TELEMETRY_PERSON_COOLDOWN", cfg.Hub.Telemetry.PersonCooldown)
	cfg.Hub.Telemetry.SweepInterval = GetEnvDuration("HUB_TELEMETRY_SWEEP_INTERVAL", cfg.Hub.Telemetry.SweepInterval)

	if val := os.Getenv("HUB_EVENTS_OUTBOX_SIZE"); val != "" {
		if size, err := parseInt(val); err == nil {
			cfg.Hub.Events.OutboxSize = size
		}
	}

	// Detection service
	if val := os.Getenv("HUB_AI_SERVICE_URL"); val != "" {
		cfg.Hub.AI.ServiceURL = val
	}
	if val := os.Getenv("HUB_AI_CONFIDENCE_THRESHOLD"); val != "" {
		if threshold, err := parseFloat64(val); err == nil {
			cfg.Hub.AI.ConfidenceThreshold = threshold
		}
	}

	// MQTT
	cfg.Hub.MQTT.Enabled = GetEnvBool("HUB_MQTT_ENABLED", cfg.Hub.MQTT.Enabled)
	if val := os.Getenv("HUB_MQTT_BROKER"); val != "" {
		cfg.Hub.MQTT.Broker = val
	}
	if val := os.Getenv("HUB_MQTT_USERNAME"); val != "" {
		cfg.Hub.MQTT.Username = val
	}
	if val := os.Getenv("HUB_MQTT_PASSWORD"); val != "" {
		cfg.Hub.MQTT.Password = val
	}

	// Web
	if val := os.Getenv("HUB_WEB_PORT"); val != "" {
		if port, err := parseInt(val); err == nil {
			cfg.Hub.Web.Port = port
		}
	}
	cfg.Hub.Web.Enabled = GetEnvBool("HUB_WEB_ENABLED", cfg.Hub.Web.Enabled)

	// Retention
	if val := os.Getenv("HUB_RETENTION_ACTIVITY_DAYS"); val != "" {
		if days, err := parseInt(val); err == nil {
			cfg.Hub.Retention.ActivityDays = days
		}
	}
	cfg.Hub.Retention.Interval = GetEnvDuration("HUB_RETENTION_INTERVAL", cfg.Hub.Retention.Interval)

	// Log settings
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		cfg.Log.Output = val
	}
}

func parseInt(s string) (int, error) {
	var result int
	_, err := fmt.Sscanf(s, "%d", &result)
	return result, err
}

func parseFloat64(s string) (float64, error) {
	var result float64
	_, err := fmt.Sscanf(s, "%f", &result)
	return result, err
}

// GetEnvBool gets a boolean environment variable
func GetEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes" || val == "on"
}

// GetEnvDuration gets a duration environment variable
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(val); err == nil {
		return duration
	}
	return defaultValue
}

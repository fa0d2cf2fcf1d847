package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	if c.Hub.Server.DataDir == "" {
		errors = append(errors, "hub.server.data_dir is required")
	}
	if c.Hub.Server.DBPath == "" {
		errors = append(errors, "hub.server.db_path is required")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	s := c.Hub.Stream
	if s.BufferSize < 1 {
		errors = append(errors, fmt.Sprintf("stream.buffer_size must be >= 1, got: %d", s.BufferSize))
	}
	if s.RateWindow < 1 {
		errors = append(errors, fmt.Sprintf("stream.rate_window must be >= 1, got: %d", s.RateWindow))
	}
	if s.MaxReadFailures < 0 {
		errors = append(errors, fmt.Sprintf("stream.max_read_failures must be >= 0, got: %d", s.MaxReadFailures))
	}
	if s.FFmpegFPS < 1 {
		errors = append(errors, fmt.Sprintf("stream.ffmpeg_fps must be >= 1, got: %d", s.FFmpegFPS))
	}
	for name, d := range map[string]time.Duration{
		"stream.pop_timeout":      s.PopTimeout,
		"stream.join_timeout":     s.JoinTimeout,
		"stream.read_retry_delay": s.ReadRetryDelay,
		"stream.idle_yield":       s.IdleYield,
		"stream.chunk_interval":   s.ChunkInterval,
		"stream.open_timeout":     s.OpenTimeout,
	} {
		if d <= 0 {
			errors = append(errors, fmt.Sprintf("%s must be > 0, got: %v", name, d))
		}
	}

	if c.Hub.Telemetry.OfflineThreshold <= 0 {
		errors = append(errors, fmt.Sprintf("telemetry.offline_threshold must be > 0, got: %v", c.Hub.Telemetry.OfflineThreshold))
	}
	if c.Hub.Telemetry.PersonCooldown < 0 {
		errors = append(errors, fmt.Sprintf("telemetry.person_cooldown must be >= 0, got: %v", c.Hub.Telemetry.PersonCooldown))
	}
	if c.Hub.Telemetry.SweepInterval < 0 {
		errors = append(errors, fmt.Sprintf("telemetry.sweep_interval must be >= 0, got: %v", c.Hub.Telemetry.SweepInterval))
	}

	if c.Hub.Events.OutboxSize <= 0 {
		errors = append(errors, fmt.Sprintf("events.outbox_size must be > 0, got: %d", c.Hub.Events.OutboxSize))
	}

	if c.Hub.AI.ServiceURL == "" {
		errors = append(errors, "ai.service_url is required")
	} else if _, err := url.ParseRequestURI(c.Hub.AI.ServiceURL); err != nil {
		errors = append(errors, fmt.Sprintf("ai.service_url is not a valid URL: %s", c.Hub.AI.ServiceURL))
	}
	if c.Hub.AI.ConfidenceThreshold < 0 || c.Hub.AI.ConfidenceThreshold > 1 {
		errors = append(errors, fmt.Sprintf("ai.confidence_threshold must be between 0 and 1, got: %.2f", c.Hub.AI.ConfidenceThreshold))
	}

	if c.Hub.MQTT.Enabled {
		if c.Hub.MQTT.Broker == "" {
			errors = append(errors, "mqtt.broker is required when mqtt is enabled")
		}
		if c.Hub.MQTT.QoS < 0 || c.Hub.MQTT.QoS > 2 {
			errors = append(errors, fmt.Sprintf("mqtt.qos must be 0, 1 or 2, got: %d", c.Hub.MQTT.QoS))
		}
	}

	if c.Hub.Web.Enabled && (c.Hub.Web.Port <= 0 || c.Hub.Web.Port > 65535) {
		errors = append(errors, fmt.Sprintf("web.port must be between 1 and 65535, got: %d", c.Hub.Web.Port))
	}
	if c.Hub.Health.Port < 0 || c.Hub.Health.Port > 65535 {
		errors = append(errors, fmt.Sprintf("health.port must be between 0 and 65535, got: %d", c.Hub.Health.Port))
	}
	if c.Hub.Metrics.Enabled && !strings.HasPrefix(c.Hub.Metrics.Path, "/") {
		errors = append(errors, fmt.Sprintf("metrics.path must start with '/', got: %s", c.Hub.Metrics.Path))
	}

	r := c.Hub.Retention
	if r.ActivityDays < 1 {
		errors = append(errors, fmt.Sprintf("retention.activity_days must be >= 1, got: %d", r.ActivityDays))
	}
	if r.MaxDiskUsagePercent <= 0 || r.MaxDiskUsagePercent > 100 {
		errors = append(errors, fmt.Sprintf("retention.max_disk_usage_percent must be between 0 and 100, got: %.1f", r.MaxDiskUsagePercent))
	}
	if r.Interval <= 0 {
		errors = append(errors, fmt.Sprintf("retention.interval must be > 0, got: %v", r.Interval))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

package main

import (
	"context"

	"github.com/vzahanych/home-hub/internal/config"
	"github.com/vzahanych/home-hub/internal/logger"
)

// detectionSettings is the part of the detection client tunable at runtime
type detectionSettings interface {
	SetConfidenceThreshold(threshold float64)
	SetEnabledClasses(classes []string)
}

// telemetrySettings is the part of the device service tunable at runtime
type telemetrySettings interface {
	ApplyTelemetryConfig(cfg config.TelemetryConfig)
}

// liveSettings applies the settings that take effect without a restart.
// Everything else is read once at startup; a change to it is only logged.
func liveSettings(log *logger.Logger, devs telemetrySettings, detector detectionSettings) config.ConfigWatcher {
	return func(ctx context.Context, oldCfg, newCfg *config.Config) error {
		if newCfg.Log.Level != oldCfg.Log.Level {
			if log.SetLevel(newCfg.Log.Level) {
				log.Info("Log level changed", "level", newCfg.Log.Level)
			}
		}

		devs.ApplyTelemetryConfig(newCfg.Hub.Telemetry)
		detector.SetConfidenceThreshold(newCfg.Hub.AI.ConfidenceThreshold)
		detector.SetEnabledClasses([]string{newCfg.Hub.AI.PersonClass})

		for name, changed := range map[string]bool{
			"hub.server.db_path": oldCfg.Hub.Server.DBPath != newCfg.Hub.Server.DBPath,
			"hub.web.port":       oldCfg.Hub.Web.Port != newCfg.Hub.Web.Port,
			"hub.mqtt.broker":    oldCfg.Hub.MQTT.Broker != newCfg.Hub.MQTT.Broker,
			"hub.ai.service_url": oldCfg.Hub.AI.ServiceURL != newCfg.Hub.AI.ServiceURL,
			"hub.stream":         oldCfg.Hub.Stream != newCfg.Hub.Stream,
		} {
			if changed {
				log.Warn("Setting changed, restart required to apply", "setting", name)
			}
		}
		return nil
	}
}

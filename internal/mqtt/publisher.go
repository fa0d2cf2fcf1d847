package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/vzahanych/home-hub/internal/config"
	"github.com/vzahanych/home-hub/internal/logger"
	"github.com/vzahanych/home-hub/internal/service"
)

// ErrDisabled is returned when publishing with the command channel turned off
var ErrDisabled = errors.New("mqtt command channel disabled")

// Command actions understood by device controllers
const (
	ActionOn       = "ON"
	ActionOff      = "OFF"
	ActionSetSpeed = "SET_SPEED"
)

// MaxSpeed is the highest fan speed a controller accepts
const MaxSpeed = 3

// Command is the JSON payload published to a device control topic
type Command struct {
	Action string `json:"action"`
	Speed  *int   `json:"speed,omitempty"`
}

// Validate checks the action and speed range
func (c Command) Validate() error {
	switch strings.ToUpper(c.Action) {
	case ActionOn, ActionOff:
		return nil
	case ActionSetSpeed:
		if c.Speed == nil {
			return fmt.Errorf("%s requires a speed", ActionSetSpeed)
		}
		if *c.Speed < 0 || *c.Speed > MaxSpeed {
			return fmt.Errorf("speed must be between 0 and %d, got %d", MaxSpeed, *c.Speed)
		}
		return nil
	default:
		return fmt.Errorf("unknown action %q (must be ON, OFF or SET_SPEED)", c.Action)
	}
}

// ControlTopic returns the topic a device controller listens on
func ControlTopic(deviceKey string) string {
	return "device/control/" + deviceKey
}

// Client is the part of the paho client the publisher uses
type Client interface {
	Connect() paho.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Publisher sends control commands to devices over MQTT
type Publisher struct {
	*service.ServiceBase
	config config.MQTTConfig
	client Client
}

// NewPublisher creates a publisher with a paho client for cfg. The client
// reconnects on its own once started.
func NewPublisher(cfg config.MQTTConfig, log *logger.Logger) *Publisher {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	p := NewPublisherWithClient(cfg, nil, log)
	opts.SetOnConnectHandler(func(paho.Client) {
		p.LogInfo("Connected to MQTT broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.LogWarn("Lost connection to MQTT broker", "broker", cfg.Broker, "error", err)
	})
	p.client = paho.NewClient(opts)
	return p
}

// NewPublisherWithClient creates a publisher over an existing client
func NewPublisherWithClient(cfg config.MQTTConfig, client Client, log *logger.Logger) *Publisher {
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Publisher{
		ServiceBase: service.NewServiceBase("mqtt-publisher", log),
		config:      cfg,
		client:      client,
	}
}

// Start connects to the broker. An unreachable broker is not fatal: the
// client keeps retrying in the background.
func (p *Publisher) Start(ctx context.Context) error {
	p.GetStatus().SetStatus(service.StatusRunning)
	if !p.config.Enabled {
		p.LogInfo("MQTT command channel is disabled")
		return nil
	}

	token := p.client.Connect()
	if !token.WaitTimeout(p.config.ConnectTimeout) {
		p.LogWarn("MQTT broker not reachable yet, retrying in background", "broker", p.config.Broker)
		return nil
	}
	if err := token.Error(); err != nil {
		p.LogError("Failed to connect to MQTT broker", err, "broker", p.config.Broker)
		return nil
	}
	return nil
}

// Stop disconnects from the broker
func (p *Publisher) Stop(ctx context.Context) error {
	if p.config.Enabled && p.client != nil {
		p.client.Disconnect(250)
	}
	p.GetStatus().SetStatus(service.StatusStopped)
	p.LogInfo("MQTT publisher stopped")
	return nil
}

// Enabled reports whether commands are published at all
func (p *Publisher) Enabled() bool {
	return p.config.Enabled
}

// IsConnected reports whether the client holds a broker connection
func (p *Publisher) IsConnected() bool {
	return p.config.Enabled && p.client != nil && p.client.IsConnected()
}

// PublishCommand publishes cmd to the device's control topic and waits for
// the broker to accept it
func (p *Publisher) PublishCommand(ctx context.Context, deviceKey string, cmd Command) error {
	if !p.config.Enabled {
		return ErrDisabled
	}
	if deviceKey == "" {
		return fmt.Errorf("device key is required")
	}
	cmd.Action = strings.ToUpper(cmd.Action)
	if err := cmd.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	topic := ControlTopic(deviceKey)
	token := p.client.Publish(topic, byte(p.config.QoS), false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.config.PublishTimeout):
		return fmt.Errorf("publish to %s timed out after %v", topic, p.config.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	p.LogDebug("Command published", "topic", topic, "action", cmd.Action)
	p.PublishEvent(service.EventTypeDeviceCommand, map[string]interface{}{
		"device_key": deviceKey,
		"action":     cmd.Action,
	})
	return nil
}

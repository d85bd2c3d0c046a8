package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/vrutest/internal/broadcast"
	"github.com/banshee-data/vrutest/internal/health"
	"github.com/banshee-data/vrutest/internal/matching"
	"github.com/banshee-data/vrutest/internal/serialmux"
	"github.com/banshee-data/vrutest/internal/session"
	"github.com/banshee-data/vrutest/internal/signal"
	"github.com/banshee-data/vrutest/internal/timeutil"
)

// DefaultConfigPath is where the server looks for engine settings when no
// --config flag is given. A missing file at this path is not an error.
const DefaultConfigPath = "config/engine.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// EngineConfig is the on-disk engine configuration. Every field is
// optional; the Get* accessors supply defaults for anything left unset, so
// partial files are safe.
type EngineConfig struct {
	// Session lifecycle
	IdleTimeout       *string `json:"idle_timeout,omitempty"`        // duration string like "30m"
	IdleCheckInterval *string `json:"idle_check_interval,omitempty"` // duration string like "1m"

	// Queues
	ObserverQueueSize *int `json:"observer_queue_size,omitempty"`
	ResultQueueSize   *int `json:"result_queue_size,omitempty"`
	CommandQueueSize  *int `json:"command_queue_size,omitempty"`

	// Connection health
	PingInterval        *string `json:"ping_interval,omitempty"`
	PongTimeout         *string `json:"pong_timeout,omitempty"`
	MissedPongsDegraded *int    `json:"missed_pongs_degraded,omitempty"`

	// Matching
	DefaultToleranceMs *float64 `json:"default_tolerance_ms,omitempty"`
	ConfidenceLevel    *float64 `json:"confidence_level,omitempty"`

	// External signal sources (optional)
	SignalSerial *SerialConfig `json:"signal_serial,omitempty"`
	MQTT         *MQTTConfig   `json:"mqtt,omitempty"`
}

// SerialConfig selects the serial device that emits sync and mark lines.
type SerialConfig struct {
	Port string `json:"port"`
	serialmux.PortOptions
}

// MQTTConfig selects the broker for networked signal sources. The password
// normally comes from the environment rather than the file.
type MQTTConfig struct {
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"`
	QoS         byte   `json:"qos,omitempty"`
}

// Bridge converts the file settings into a bridge configuration.
func (m MQTTConfig) Bridge() signal.BridgeConfig {
	return signal.BridgeConfig{
		Broker:      m.Broker,
		ClientID:    m.ClientID,
		Username:    m.Username,
		Password:    m.Password,
		TopicPrefix: m.TopicPrefix,
		QoS:         m.QoS,
	}
}

// EmptyEngineConfig returns an EngineConfig with all fields unset.
func EmptyEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// LoadEngineConfig loads an EngineConfig from a JSON file.
// The file must have a .json extension and be under the max file size.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyEngineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOptional loads path if it exists and returns an empty config if it
// does not.
func LoadOptional(path string) (*EngineConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return EmptyEngineConfig(), nil
	}
	return LoadEngineConfig(path)
}

// Validate checks that the configuration values are valid.
func (c *EngineConfig) Validate() error {
	durations := []struct {
		name string
		v    *string
	}{
		{"idle_timeout", c.IdleTimeout},
		{"idle_check_interval", c.IdleCheckInterval},
		{"ping_interval", c.PingInterval},
		{"pong_timeout", c.PongTimeout},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		v, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}

	sizes := []struct {
		name string
		v    *int
	}{
		{"observer_queue_size", c.ObserverQueueSize},
		{"result_queue_size", c.ResultQueueSize},
		{"command_queue_size", c.CommandQueueSize},
		{"missed_pongs_degraded", c.MissedPongsDegraded},
	}
	for _, s := range sizes {
		if s.v != nil && *s.v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", s.name, *s.v)
		}
	}

	if c.DefaultToleranceMs != nil && *c.DefaultToleranceMs <= 0 {
		return fmt.Errorf("default_tolerance_ms must be positive, got %f", *c.DefaultToleranceMs)
	}
	if c.ConfidenceLevel != nil && (*c.ConfidenceLevel <= 0 || *c.ConfidenceLevel >= 1) {
		return fmt.Errorf("confidence_level must be between 0 and 1, got %f", *c.ConfidenceLevel)
	}
	if c.SignalSerial != nil {
		if c.SignalSerial.Port == "" {
			return fmt.Errorf("signal_serial.port is required")
		}
		if _, err := c.SignalSerial.PortOptions.Normalize(); err != nil {
			return fmt.Errorf("signal_serial: %w", err)
		}
	}
	if c.MQTT != nil && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetIdleTimeout returns the idle_timeout value or the default.
func (c *EngineConfig) GetIdleTimeout() time.Duration {
	return durationOr(c.IdleTimeout, session.DefaultIdleTimeout)
}

// GetIdleCheckInterval returns the idle_check_interval value or the default.
func (c *EngineConfig) GetIdleCheckInterval() time.Duration {
	return durationOr(c.IdleCheckInterval, session.DefaultIdleCheck)
}

func (c *EngineConfig) GetObserverQueueSize() int {
	return intOr(c.ObserverQueueSize, broadcast.DefaultQueueSize)
}

func (c *EngineConfig) GetResultQueueSize() int {
	return intOr(c.ResultQueueSize, session.DefaultResultQueueSize)
}

func (c *EngineConfig) GetCommandQueueSize() int {
	return intOr(c.CommandQueueSize, session.DefaultCommandQueueSize)
}

// GetPingInterval returns the ping_interval value or the default.
func (c *EngineConfig) GetPingInterval() time.Duration {
	return durationOr(c.PingInterval, health.DefaultInterval)
}

// GetPongTimeout returns the pong_timeout value or the default.
func (c *EngineConfig) GetPongTimeout() time.Duration {
	return durationOr(c.PongTimeout, health.DefaultTimeout)
}

func (c *EngineConfig) GetMissedPongsDegraded() int {
	return intOr(c.MissedPongsDegraded, health.DefaultMissedDegraded)
}

// GetDefaultToleranceMs returns the default_tolerance_ms value or the default.
func (c *EngineConfig) GetDefaultToleranceMs() float64 {
	if c.DefaultToleranceMs == nil {
		return matching.DefaultToleranceMs
	}
	return *c.DefaultToleranceMs
}

// GetConfidenceLevel returns the confidence_level value or the default.
func (c *EngineConfig) GetConfidenceLevel() float64 {
	if c.ConfidenceLevel == nil {
		return matching.DefaultConfidenceLevel
	}
	return *c.ConfidenceLevel
}

// SessionOptions builds the registry options from the configuration.
func (c *EngineConfig) SessionOptions(clock timeutil.Clock) session.Options {
	return session.Options{
		ObserverQueueSize:  c.GetObserverQueueSize(),
		CommandQueueSize:   c.GetCommandQueueSize(),
		ResultQueueSize:    c.GetResultQueueSize(),
		DefaultToleranceMs: c.GetDefaultToleranceMs(),
		ConfidenceLevel:    c.GetConfidenceLevel(),
		IdleTimeout:        c.GetIdleTimeout(),
		IdleCheckInterval:  c.GetIdleCheckInterval(),
		Health: health.Config{
			Interval:       c.GetPingInterval(),
			Timeout:        c.GetPongTimeout(),
			MissedDegraded: c.GetMissedPongsDegraded(),
		},
		Clock: clock,
	}
}

// Package config loads the bridge daemon configuration: built-in defaults,
// then an optional YAML file, then BRIDGE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"actuator-bridge/internal/core/network"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the complete daemon configuration.
type Config struct {
	NodeID           string          `yaml:"node_id"` // empty: random per start
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"`
	Transport        TransportConfig `yaml:"transport"`
	Bridge           BridgeConfig    `yaml:"bridge"`
	Loop             LoopConfig      `yaml:"loop"`
	Telemetry        TelemetryConfig `yaml:"telemetry"`
	Bus              BusConfig       `yaml:"bus"`
	HTTP             HTTPConfig      `yaml:"http"`
	Log              LogConfig       `yaml:"log"`
}

// TransportConfig selects the field-bus carrier.
type TransportConfig struct {
	Kind   string       `yaml:"kind"`  // memory, libp2p, mqtt
	Topic  string       `yaml:"topic"` // shared segment name
	Libp2p Libp2pConfig `yaml:"libp2p"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
}

type Libp2pConfig struct {
	ListenAddrs     []string `yaml:"listen_addrs"`
	Bootstrap       []string `yaml:"bootstrap"`
	Rendezvous      string   `yaml:"rendezvous"`
	MDNS            bool     `yaml:"mdns"`
	IdentityKeyFile string   `yaml:"identity_key_file"`
}

type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	QoS             byte   `yaml:"qos"`
	TopicPrefix     string `yaml:"topic_prefix"`
	ConnectTimeoutS int    `yaml:"connect_timeout_s"`
}

// BridgeConfig holds the command bridge limits.
type BridgeConfig struct {
	RateHz   uint32  `yaml:"rate_hz"`
	MinValue float32 `yaml:"min_value"`
	MaxValue float32 `yaml:"max_value"`
}

type LoopConfig struct {
	RateHz          int `yaml:"rate_hz"`
	OutputsInstance int `yaml:"outputs_instance"`
}

type TelemetryConfig struct {
	TickHz   int    `yaml:"tick_hz"`
	StatusHz uint32 `yaml:"status_hz"` // 0: every new sample
}

type BusConfig struct {
	Slots int `yaml:"slots"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the API
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // rotated with lumberjack when set
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ShutdownTimeoutS: 5,
		Transport: TransportConfig{
			Kind:  network.TransportMemory,
			Topic: "fieldbus",
			Libp2p: Libp2pConfig{
				ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
				Rendezvous:  "actuator-bridge",
				MDNS:        true,
			},
			MQTT: MQTTConfig{
				Broker:          "tcp://127.0.0.1:1883",
				QoS:             0,
				TopicPrefix:     "bridge/",
				ConnectTimeoutS: 5,
			},
		},
		Bridge: BridgeConfig{
			RateHz:   100,
			MinValue: 1000,
			MaxValue: 2000,
		},
		Loop:      LoopConfig{RateHz: 100},
		Telemetry: TelemetryConfig{TickHz: 50, StatusHz: 10},
		Bus:       BusConfig{Slots: 64},
		HTTP:      HTTPConfig{Addr: "127.0.0.1:8090"},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Load applies path (if not empty) and the environment over the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("BRIDGE_TRANSPORT"); ok && v != "" {
		cfg.Transport.Kind = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup("BRIDGE_RATE_HZ"); ok && v != "" {
		hz, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return fmt.Errorf("%w: BRIDGE_RATE_HZ=%q: %v", ErrInvalid, v, err)
		}
		cfg.Bridge.RateHz = uint32(hz)
	}
	if v, ok := lookup("BRIDGE_HTTP_ADDR"); ok {
		cfg.HTTP.Addr = strings.TrimSpace(v)
	}
	if v, ok := lookup("BRIDGE_LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = strings.TrimSpace(v)
	}
	if v, ok := lookup("BRIDGE_MQTT_BROKER"); ok && v != "" {
		cfg.Transport.MQTT.Broker = strings.TrimSpace(v)
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case network.TransportMemory, network.TransportLibp2p, network.TransportMQTT:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport.Kind)
	}
	if c.Transport.Topic == "" {
		return fmt.Errorf("%w: transport.topic is empty", ErrInvalid)
	}
	if c.Transport.Kind == network.TransportMQTT {
		if c.Transport.MQTT.Broker == "" {
			return fmt.Errorf("%w: transport.mqtt.broker is empty", ErrInvalid)
		}
		if c.Transport.MQTT.QoS > 2 {
			return fmt.Errorf("%w: transport.mqtt.qos %d", ErrInvalid, c.Transport.MQTT.QoS)
		}
	}
	if c.Bridge.RateHz < 1 || c.Bridge.RateHz > 1000 {
		return fmt.Errorf("%w: bridge.rate_hz %d outside 1..1000", ErrInvalid, c.Bridge.RateHz)
	}
	if !(c.Bridge.MinValue < c.Bridge.MaxValue) {
		return fmt.Errorf("%w: bridge.min_value %v must be below max_value %v", ErrInvalid, c.Bridge.MinValue, c.Bridge.MaxValue)
	}
	if c.Loop.RateHz <= 0 {
		return fmt.Errorf("%w: loop.rate_hz must be positive", ErrInvalid)
	}
	if c.Loop.OutputsInstance < 0 || c.Loop.OutputsInstance > 3 {
		return fmt.Errorf("%w: loop.outputs_instance %d outside 0..3", ErrInvalid, c.Loop.OutputsInstance)
	}
	if c.Telemetry.TickHz <= 0 {
		return fmt.Errorf("%w: telemetry.tick_hz must be positive", ErrInvalid)
	}
	if c.Bus.Slots <= 0 {
		return fmt.Errorf("%w: bus.slots must be positive", ErrInvalid)
	}
	if c.ShutdownTimeoutS <= 0 {
		return fmt.Errorf("%w: shutdown_timeout_s must be positive", ErrInvalid)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// SlogLevel parses Log.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// ConnectTimeout returns the MQTT connect budget.
func (m MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutS) * time.Second
}

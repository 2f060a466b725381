package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := writeFile(t, `
transport:
  kind: mqtt
  mqtt:
    broker: tcp://broker:1883
    qos: 1
bridge:
  rate_hz: 50
  min_value: 900
loop:
  outputs_instance: 1
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.Kind != "mqtt" || cfg.Transport.MQTT.Broker != "tcp://broker:1883" || cfg.Transport.MQTT.QoS != 1 {
		t.Fatalf("transport = %+v", cfg.Transport)
	}
	if cfg.Bridge.RateHz != 50 || cfg.Bridge.MinValue != 900 || cfg.Bridge.MaxValue != 2000 {
		t.Fatalf("bridge = %+v", cfg.Bridge)
	}
	if cfg.Loop.OutputsInstance != 1 || cfg.Loop.RateHz != 100 {
		t.Fatalf("loop = %+v", cfg.Loop)
	}
	// Untouched sections keep their defaults.
	if cfg.Transport.Topic != "fieldbus" || cfg.Bus.Slots != 64 {
		t.Fatalf("defaults lost: topic=%q slots=%d", cfg.Transport.Topic, cfg.Bus.Slots)
	}
	level, err := cfg.Log.SlogLevel()
	if err != nil || level != slog.LevelDebug {
		t.Fatalf("level = %v, %v", level, err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	if _, err := Load(writeFile(t, "bridge: [1, 2")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BRIDGE_TRANSPORT", " LIBP2P ")
	t.Setenv("BRIDGE_RATE_HZ", "200")
	t.Setenv("BRIDGE_HTTP_ADDR", "")
	t.Setenv("BRIDGE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.Kind != "libp2p" {
		t.Fatalf("transport = %q", cfg.Transport.Kind)
	}
	if cfg.Bridge.RateHz != 200 {
		t.Fatalf("rate = %d", cfg.Bridge.RateHz)
	}
	if cfg.HTTP.Addr != "" {
		t.Fatalf("http addr = %q, want disabled", cfg.HTTP.Addr)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("level = %q", cfg.Log.Level)
	}
}

func TestEnvOverrideBadRate(t *testing.T) {
	t.Setenv("BRIDGE_RATE_HZ", "fast")
	_, err := Load("")
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport.Kind = "can" }},
		{"empty topic", func(c *Config) { c.Transport.Topic = "" }},
		{"mqtt without broker", func(c *Config) { c.Transport.Kind = "mqtt"; c.Transport.MQTT.Broker = "" }},
		{"mqtt qos", func(c *Config) { c.Transport.Kind = "mqtt"; c.Transport.MQTT.QoS = 3 }},
		{"zero rate", func(c *Config) { c.Bridge.RateHz = 0 }},
		{"rate too high", func(c *Config) { c.Bridge.RateHz = 1001 }},
		{"min equals max", func(c *Config) { c.Bridge.MinValue = 1500; c.Bridge.MaxValue = 1500 }},
		{"min above max", func(c *Config) { c.Bridge.MinValue = 2100 }},
		{"loop rate", func(c *Config) { c.Loop.RateHz = 0 }},
		{"outputs instance", func(c *Config) { c.Loop.OutputsInstance = 4 }},
		{"telemetry tick", func(c *Config) { c.Telemetry.TickHz = -1 }},
		{"bus slots", func(c *Config) { c.Bus.Slots = 0 }},
		{"shutdown timeout", func(c *Config) { c.ShutdownTimeoutS = 0 }},
		{"log level", func(c *Config) { c.Log.Level = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}

	if cfg.Audio.TargetRate != 16000 {
		t.Errorf("expected target_rate 16000, got %d", cfg.Audio.TargetRate)
	}

	if cfg.Audio.BufferSize != 2048 {
		t.Errorf("expected buffer_size 2048, got %d", cfg.Audio.BufferSize)
	}

	if cfg.Level.SpeakingLatchMs != 400 {
		t.Errorf("expected speaking_latch_ms 400, got %d", cfg.Level.SpeakingLatchMs)
	}

	if cfg.Downstream.Kind != "none" {
		t.Errorf("expected downstream kind none, got %s", cfg.Downstream.Kind)
	}

	if cfg.Downstream.Gemini.Voice != "Orus" {
		t.Errorf("expected voice Orus, got %s", cfg.Downstream.Gemini.Voice)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected level info, got %s", cfg.Logging.Level)
	}
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected default port 9000, got %d", cfg.Server.Port)
	}

	if cfg.Audio.MeterInterval != 25*time.Millisecond {
		t.Errorf("expected meter_interval 25ms, got %v", cfg.Audio.MeterInterval)
	}

	if len(cfg.WebRTC.STUNServers) != 1 {
		t.Errorf("expected one default STUN server, got %v", cfg.WebRTC.STUNServers)
	}
}

func TestLoad_WithFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8080
audio:
  target_rate: 24000
  buffer_size: 4096
devices:
  backend: browser
  prefer_bluetooth: true
  bluetooth_hints: ["jabra", "airpods"]
level:
  ema_alpha: 0.5
downstream:
  kind: relay
  relay:
    url: wss://relay.example.com/ws
    ping_interval: 3s
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}

	if cfg.Audio.TargetRate != 24000 || cfg.Audio.BufferSize != 4096 {
		t.Errorf("audio = %+v", cfg.Audio)
	}

	if cfg.Devices.Backend != "browser" || !cfg.Devices.PreferBluetooth {
		t.Errorf("devices = %+v", cfg.Devices)
	}

	if len(cfg.Devices.BluetoothHints) != 2 || cfg.Devices.BluetoothHints[0] != "jabra" {
		t.Errorf("bluetooth_hints = %v", cfg.Devices.BluetoothHints)
	}

	if cfg.Level.EMAAlpha != 0.5 {
		t.Errorf("expected ema_alpha 0.5, got %f", cfg.Level.EMAAlpha)
	}

	if cfg.Downstream.Kind != "relay" || cfg.Downstream.Relay.URL != "wss://relay.example.com/ws" {
		t.Errorf("downstream = %+v", cfg.Downstream)
	}

	if cfg.Downstream.Relay.PingInterval != 3*time.Second {
		t.Errorf("expected ping_interval 3s, got %v", cfg.Downstream.Relay.PingInterval)
	}

	// untouched keys keep their defaults
	if cfg.Downstream.Relay.MaxBackoff != 30*time.Second {
		t.Errorf("expected max_backoff 30s, got %v", cfg.Downstream.Relay.MaxBackoff)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("COMPANION_SERVER_PORT", "7777")
	t.Setenv("COMPANION_DOWNSTREAM_KIND", "gemini")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("expected port 7777 from env, got %d", cfg.Server.Port)
	}

	if cfg.Downstream.Kind != "gemini" {
		t.Errorf("expected kind gemini from env, got %s", cfg.Downstream.Kind)
	}
}

func TestLoad_APIKeyEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "plain-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Downstream.Gemini.APIKey != "plain-key" {
		t.Errorf("expected api key from GEMINI_API_KEY, got %q", cfg.Downstream.Gemini.APIKey)
	}

	t.Setenv("COMPANION_DOWNSTREAM_GEMINI_API_KEY", "prefixed-key")

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Downstream.Gemini.APIKey != "prefixed-key" {
		t.Errorf("prefixed env should win, got %q", cfg.Downstream.Gemini.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid port too low",
			modify: func(c *Config) {
				c.Server.Port = 0
			},
			wantErr: true,
		},
		{
			name: "invalid port too high",
			modify: func(c *Config) {
				c.Server.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "target rate too low",
			modify: func(c *Config) {
				c.Audio.TargetRate = 4000
			},
			wantErr: true,
		},
		{
			name: "buffer size not a power of two",
			modify: func(c *Config) {
				c.Audio.BufferSize = 1000
			},
			wantErr: true,
		},
		{
			name: "unknown platform mode",
			modify: func(c *Config) {
				c.Audio.Platform = "android"
			},
			wantErr: true,
		},
		{
			name: "unknown backend",
			modify: func(c *Config) {
				c.Devices.Backend = "pulse"
			},
			wantErr: true,
		},
		{
			name: "invalid ema_alpha too high",
			modify: func(c *Config) {
				c.Level.EMAAlpha = 1.5
			},
			wantErr: true,
		},
		{
			name: "gemini without api key",
			modify: func(c *Config) {
				c.Downstream.Kind = "gemini"
			},
			wantErr: true,
		},
		{
			name: "gemini with api key",
			modify: func(c *Config) {
				c.Downstream.Kind = "gemini"
				c.Downstream.Gemini.APIKey = "k"
			},
			wantErr: false,
		},
		{
			name: "relay without url",
			modify: func(c *Config) {
				c.Downstream.Kind = "relay"
				c.Downstream.Relay.URL = ""
			},
			wantErr: true,
		},
		{
			name: "playback rate ignored when disabled",
			modify: func(c *Config) {
				c.Playback.Enabled = false
				c.Playback.SampleRate = 0
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Downstream.Gemini.APIKey = "secret"
	cfg.Downstream.Relay.Token = "token"

	out := cfg.Redacted()

	if out.Downstream.Gemini.APIKey != "***" || out.Downstream.Relay.Token != "***" {
		t.Errorf("secrets not redacted: %+v", out.Downstream)
	}
	if cfg.Downstream.Gemini.APIKey != "secret" {
		t.Error("Redacted modified the original")
	}

	out.Devices.BluetoothHints[0] = "changed"
	if cfg.Devices.BluetoothHints[0] == "changed" {
		t.Error("Redacted shares slices with the original")
	}
}

func TestServerConfig_Timeouts(t *testing.T) {
	cfg := Default()

	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Server.ReadTimeout)
	}

	if cfg.Server.WriteTimeout != 10*time.Second {
		t.Errorf("expected write_timeout 10s, got %v", cfg.Server.WriteTimeout)
	}

	if cfg.Server.GracefulTimeout != 5*time.Second {
		t.Errorf("expected graceful_timeout 5s, got %v", cfg.Server.GracefulTimeout)
	}
}

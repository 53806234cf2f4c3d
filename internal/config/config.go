// Package config provides configuration management for go-companion
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure
type Config struct {
	Server     ServerConfig     `mapstructure:"server" json:"server"`
	Audio      AudioConfig      `mapstructure:"audio" json:"audio"`
	Devices    DevicesConfig    `mapstructure:"devices" json:"devices"`
	Level      LevelConfig      `mapstructure:"level" json:"level"`
	Downstream DownstreamConfig `mapstructure:"downstream" json:"downstream"`
	Playback   PlaybackConfig   `mapstructure:"playback" json:"playback"`
	WebRTC     WebRTCConfig     `mapstructure:"webrtc" json:"webrtc"`
	Logging    LoggingConfig    `mapstructure:"logging" json:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port" json:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout" json:"graceful_timeout"`
}

// AudioConfig configures the encoding graph
type AudioConfig struct {
	TargetRate    int           `mapstructure:"target_rate" json:"target_rate"`
	BufferSize    int           `mapstructure:"buffer_size" json:"buffer_size"`
	MeterInterval time.Duration `mapstructure:"meter_interval" json:"meter_interval"`
	PortSize      int           `mapstructure:"port_size" json:"port_size"`
	Platform      string        `mapstructure:"platform" json:"platform"` // auto, desktop, safari, ios, unsupported
}

// DevicesConfig configures input selection
type DevicesConfig struct {
	Backend         string   `mapstructure:"backend" json:"backend"` // local, browser, mock
	DeviceID        string   `mapstructure:"device_id" json:"device_id"`
	PreferBluetooth bool     `mapstructure:"prefer_bluetooth" json:"prefer_bluetooth"`
	BluetoothHints  []string `mapstructure:"bluetooth_hints" json:"bluetooth_hints"`
	USBProbe        bool     `mapstructure:"usb_probe" json:"usb_probe"`
	PrimePermission bool     `mapstructure:"prime_permission" json:"prime_permission"`
}

// LevelConfig configures the volume level tracker
type LevelConfig struct {
	BroadcastHz       int     `mapstructure:"broadcast_hz" json:"broadcast_hz"`
	SpeakingLatchMs   int     `mapstructure:"speaking_latch_ms" json:"speaking_latch_ms"`
	EMAAlpha          float64 `mapstructure:"ema_alpha" json:"ema_alpha"`
	SpeakingThreshold float64 `mapstructure:"speaking_threshold" json:"speaking_threshold"`
	MouthGain         float64 `mapstructure:"mouth_gain" json:"mouth_gain"`
	HistorySize       int     `mapstructure:"history_size" json:"history_size"`
}

// DownstreamConfig selects where captured audio goes
type DownstreamConfig struct {
	Kind         string        `mapstructure:"kind" json:"kind"` // none, relay, gemini
	StartMuted   bool          `mapstructure:"start_muted" json:"start_muted"`
	StartTimeout time.Duration `mapstructure:"start_timeout" json:"start_timeout"`

	Gemini GeminiConfig `mapstructure:"gemini" json:"gemini"`
	Relay  RelayConfig  `mapstructure:"relay" json:"relay"`
}

// GeminiConfig configures the Live API session
type GeminiConfig struct {
	APIKey      string `mapstructure:"api_key" json:"api_key"`
	Model       string `mapstructure:"model" json:"model"`
	Voice       string `mapstructure:"voice" json:"voice"`
	AgentName   string `mapstructure:"agent_name" json:"agent_name"`
	Personality string `mapstructure:"personality" json:"personality"`
	UserName    string `mapstructure:"user_name" json:"user_name"`
	UserInfo    string `mapstructure:"user_info" json:"user_info"`
	ShowImage   bool   `mapstructure:"show_image" json:"show_image"`
}

// RelayConfig configures the WebSocket relay
type RelayConfig struct {
	URL              string        `mapstructure:"url" json:"url"`
	Token            string        `mapstructure:"token" json:"token"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff" json:"reconnect_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff" json:"max_backoff"`
	PingInterval     time.Duration `mapstructure:"ping_interval" json:"ping_interval"`
}

// PlaybackConfig configures speaker output for model audio
type PlaybackConfig struct {
	Enabled    bool          `mapstructure:"enabled" json:"enabled"`
	SampleRate int           `mapstructure:"sample_rate" json:"sample_rate"`
	BufferSize time.Duration `mapstructure:"buffer_size" json:"buffer_size"`
	MaxQueue   time.Duration `mapstructure:"max_queue" json:"max_queue"`
}

// WebRTCConfig configures the browser backend
type WebRTCConfig struct {
	STUNServers   []string      `mapstructure:"stun_servers" json:"stun_servers"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout" json:"gather_timeout"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // json, text
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
		},
		Audio: AudioConfig{
			TargetRate:    16000,
			BufferSize:    2048,
			MeterInterval: 25 * time.Millisecond,
			PortSize:      64,
			Platform:      "auto",
		},
		Devices: DevicesConfig{
			Backend:         "local",
			PreferBluetooth: false,
			BluetoothHints:  []string{"bluetooth", "airpods", "headset", "hands-free", "buds"},
			USBProbe:        true,
			PrimePermission: true,
		},
		Level: LevelConfig{
			BroadcastHz:       10,
			SpeakingLatchMs:   400,
			EMAAlpha:          0.4,
			SpeakingThreshold: 0.04,
			MouthGain:         4,
			HistorySize:       100,
		},
		Downstream: DownstreamConfig{
			Kind:         "none",
			StartTimeout: 10 * time.Second,
			Gemini: GeminiConfig{
				Model:     "gemini-2.0-flash-live-001",
				Voice:     "Orus",
				AgentName: "Ethics",
				ShowImage: true,
			},
			Relay: RelayConfig{
				URL:              "ws://localhost:8080/ws/companion",
				ReconnectBackoff: 1 * time.Second,
				MaxBackoff:       30 * time.Second,
				PingInterval:     10 * time.Second,
			},
		},
		Playback: PlaybackConfig{
			Enabled:    true,
			SampleRate: 24000,
			BufferSize: 100 * time.Millisecond,
			MaxQueue:   10 * time.Second,
		},
		WebRTC: WebRTCConfig{
			STUNServers:   []string{"stun:stun.l.google.com:19302"},
			GatherTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				fmt.Printf("Warning: config file not found at %s, using defaults\n", path)
			}
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix("COMPANION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The key is commonly exported without the prefix
	if err := v.BindEnv("downstream.gemini.api_key", "COMPANION_DOWNSTREAM_GEMINI_API_KEY", "GEMINI_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind api key env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	// Server defaults
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.graceful_timeout", "5s")

	// Audio defaults
	v.SetDefault("audio.target_rate", d.Audio.TargetRate)
	v.SetDefault("audio.buffer_size", d.Audio.BufferSize)
	v.SetDefault("audio.meter_interval", "25ms")
	v.SetDefault("audio.port_size", d.Audio.PortSize)
	v.SetDefault("audio.platform", d.Audio.Platform)

	// Device defaults
	v.SetDefault("devices.backend", d.Devices.Backend)
	v.SetDefault("devices.device_id", "")
	v.SetDefault("devices.prefer_bluetooth", d.Devices.PreferBluetooth)
	v.SetDefault("devices.bluetooth_hints", d.Devices.BluetoothHints)
	v.SetDefault("devices.usb_probe", d.Devices.USBProbe)
	v.SetDefault("devices.prime_permission", d.Devices.PrimePermission)

	// Level defaults
	v.SetDefault("level.broadcast_hz", d.Level.BroadcastHz)
	v.SetDefault("level.speaking_latch_ms", d.Level.SpeakingLatchMs)
	v.SetDefault("level.ema_alpha", d.Level.EMAAlpha)
	v.SetDefault("level.speaking_threshold", d.Level.SpeakingThreshold)
	v.SetDefault("level.mouth_gain", d.Level.MouthGain)
	v.SetDefault("level.history_size", d.Level.HistorySize)

	// Downstream defaults
	v.SetDefault("downstream.kind", d.Downstream.Kind)
	v.SetDefault("downstream.start_muted", false)
	v.SetDefault("downstream.start_timeout", "10s")
	v.SetDefault("downstream.gemini.api_key", "")
	v.SetDefault("downstream.gemini.model", d.Downstream.Gemini.Model)
	v.SetDefault("downstream.gemini.voice", d.Downstream.Gemini.Voice)
	v.SetDefault("downstream.gemini.agent_name", d.Downstream.Gemini.AgentName)
	v.SetDefault("downstream.gemini.personality", "")
	v.SetDefault("downstream.gemini.user_name", "")
	v.SetDefault("downstream.gemini.user_info", "")
	v.SetDefault("downstream.gemini.show_image", d.Downstream.Gemini.ShowImage)
	v.SetDefault("downstream.relay.url", d.Downstream.Relay.URL)
	v.SetDefault("downstream.relay.token", "")
	v.SetDefault("downstream.relay.reconnect_backoff", "1s")
	v.SetDefault("downstream.relay.max_backoff", "30s")
	v.SetDefault("downstream.relay.ping_interval", "10s")

	// Playback defaults
	v.SetDefault("playback.enabled", d.Playback.Enabled)
	v.SetDefault("playback.sample_rate", d.Playback.SampleRate)
	v.SetDefault("playback.buffer_size", "100ms")
	v.SetDefault("playback.max_queue", "10s")

	// WebRTC defaults
	v.SetDefault("webrtc.stun_servers", d.WebRTC.STUNServers)
	v.SetDefault("webrtc.gather_timeout", "5s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Audio.TargetRate < 8000 || c.Audio.TargetRate > 48000 {
		return fmt.Errorf("target_rate must be between 8000 and 48000, got %d", c.Audio.TargetRate)
	}

	if c.Audio.BufferSize < 256 || c.Audio.BufferSize > 16384 || c.Audio.BufferSize&(c.Audio.BufferSize-1) != 0 {
		return fmt.Errorf("buffer_size must be a power of two between 256 and 16384, got %d", c.Audio.BufferSize)
	}

	if c.Audio.MeterInterval <= 0 {
		return fmt.Errorf("meter_interval must be positive, got %v", c.Audio.MeterInterval)
	}

	if c.Audio.PortSize < 1 {
		return fmt.Errorf("port_size must be at least 1, got %d", c.Audio.PortSize)
	}

	switch c.Audio.Platform {
	case "auto", "desktop", "safari", "ios", "unsupported":
	default:
		return fmt.Errorf("unknown platform mode: %q", c.Audio.Platform)
	}

	switch c.Devices.Backend {
	case "local", "browser", "mock":
	default:
		return fmt.Errorf("unknown device backend: %q", c.Devices.Backend)
	}

	if c.Level.BroadcastHz < 1 || c.Level.BroadcastHz > 100 {
		return fmt.Errorf("broadcast_hz must be between 1 and 100, got %d", c.Level.BroadcastHz)
	}

	if c.Level.EMAAlpha < 0 || c.Level.EMAAlpha > 1 {
		return fmt.Errorf("ema_alpha must be between 0 and 1, got %f", c.Level.EMAAlpha)
	}

	if c.Level.SpeakingThreshold < 0 || c.Level.SpeakingThreshold > 1 {
		return fmt.Errorf("speaking_threshold must be between 0 and 1, got %f", c.Level.SpeakingThreshold)
	}

	switch c.Downstream.Kind {
	case "none":
	case "relay":
		if c.Downstream.Relay.URL == "" {
			return fmt.Errorf("downstream.relay.url is required for the relay downstream")
		}
	case "gemini":
		if c.Downstream.Gemini.APIKey == "" {
			return fmt.Errorf("downstream.gemini.api_key is required for the gemini downstream")
		}
	default:
		return fmt.Errorf("unknown downstream kind: %q", c.Downstream.Kind)
	}

	if c.Playback.Enabled && (c.Playback.SampleRate < 8000 || c.Playback.SampleRate > 48000) {
		return fmt.Errorf("playback sample_rate must be between 8000 and 48000, got %d", c.Playback.SampleRate)
	}

	return nil
}

// Redacted returns a copy safe to echo over the API
func (c *Config) Redacted() Config {
	out := *c
	if out.Downstream.Gemini.APIKey != "" {
		out.Downstream.Gemini.APIKey = "***"
	}
	if out.Downstream.Relay.Token != "" {
		out.Downstream.Relay.Token = "***"
	}
	out.Devices.BluetoothHints = append([]string(nil), c.Devices.BluetoothHints...)
	out.WebRTC.STUNServers = append([]string(nil), c.WebRTC.STUNServers...)
	return out
}

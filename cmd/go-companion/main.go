// go-companion: microphone capture companion for realtime voice models
// Captures speech, streams it downstream as PCM chunks and plays the reply
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-companion/internal/audio"
	"github.com/teslashibe/go-companion/internal/browser"
	"github.com/teslashibe/go-companion/internal/config"
	"github.com/teslashibe/go-companion/internal/device"
	"github.com/teslashibe/go-companion/internal/downstream"
	"github.com/teslashibe/go-companion/internal/level"
	"github.com/teslashibe/go-companion/internal/live"
	"github.com/teslashibe/go-companion/internal/media"
	"github.com/teslashibe/go-companion/internal/platform"
	"github.com/teslashibe/go-companion/internal/playback"
	"github.com/teslashibe/go-companion/internal/relay"
	"github.com/teslashibe/go-companion/internal/server"
)

var (
	version     = "0.3.0"
	configPath  = flag.String("config", "/etc/go-companion/config.yaml", "config file path")
	showVersion = flag.Bool("version", false, "print version and exit")
	debug       = flag.Bool("debug", false, "enable debug logging")
	useMock     = flag.Bool("mock", false, "use mock capture backend (for testing)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-companion %s\n", version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
		cfg = config.Default()
	}

	if *debug {
		cfg.Logging.Level = "debug"
	}
	if *useMock {
		cfg.Devices.Backend = "mock"
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting go-companion",
		"version", version,
		"config", *configPath,
		"port", cfg.Server.Port,
		"downstream", cfg.Downstream.Kind,
	)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Capture backend
	caps := platform.Resolve(cfg.Audio.Platform)

	var (
		backend     media.Backend
		browserPeer *browser.Backend
		hints       audio.HintSource
	)

	switch cfg.Devices.Backend {
	case "mock":
		logger.Info("using mock capture backend")
		backend = media.NewMockBackendWithTone()
	case "browser":
		browserPeer = browser.NewBackend(browser.Config{
			STUNServers:   cfg.WebRTC.STUNServers,
			GatherTimeout: cfg.WebRTC.GatherTimeout,
		}, logger)
		backend = browserPeer
		// Peers apply their own constraints; each stream reports its platform
		caps = platform.Desktop("browser")
	default:
		backend = device.NewSourceWithFallback(logger)
		if cfg.Devices.USBProbe && backend.Name() == "local" {
			hints = device.NewUSBProbe(device.HeadsetVendors, logger)
		}
	}
	defer backend.Close()

	logger.Info("capture backend ready",
		"type", backend.Name(),
		"platform", caps.Name,
		"fixed_sample_rate", caps.FixedSampleRate,
		"requires_playback_unlock", caps.RequiresPlaybackUnlock,
	)

	// Speaker for model audio; also unlocks play-and-record sessions
	var (
		player   *playback.Player
		unlocker audio.Unlocker
		speaker  downstream.Speaker
	)
	if cfg.Playback.Enabled {
		p, err := playback.New(playback.Config{
			SampleRate: cfg.Playback.SampleRate,
			BufferSize: cfg.Playback.BufferSize,
			MaxQueue:   cfg.Playback.MaxQueue,
		}, logger)
		if err != nil {
			logger.Warn("playback unavailable", "error", err)
		} else {
			player = p
			unlocker = p
			speaker = p
			defer player.Close()
		}
	}

	acquirer := audio.NewAcquirer(backend, caps, audio.AcquirerConfig{
		SampleRate:      cfg.Audio.TargetRate,
		Channels:        1,
		PreferBluetooth: cfg.Devices.PreferBluetooth,
		BluetoothHints:  cfg.Devices.BluetoothHints,
		PrimePermission: cfg.Devices.PrimePermission,
	}, hints, logger)

	recorder := audio.NewRecorder(audio.Config{
		Graph: audio.GraphConfig{
			TargetRate:    cfg.Audio.TargetRate,
			BufferSize:    cfg.Audio.BufferSize,
			MeterInterval: cfg.Audio.MeterInterval,
			PortSize:      cfg.Audio.PortSize,
		},
	}, acquirer, unlocker, logger)
	defer recorder.Close()

	// Level tracker drives the avatar and VAD events
	tracker := level.NewTracker(level.Config{
		BroadcastInterval: time.Second / time.Duration(cfg.Level.BroadcastHz),
		SpeakingLatchDur:  time.Duration(cfg.Level.SpeakingLatchMs) * time.Millisecond,
		EMAAlpha:          cfg.Level.EMAAlpha,
		SpeakingThreshold: cfg.Level.SpeakingThreshold,
		MouthGain:         cfg.Level.MouthGain,
		StaleAfter:        250 * time.Millisecond,
		HistorySize:       cfg.Level.HistorySize,
	}, logger)
	recorder.OnVolume(tracker.Observe)

	// Downstream
	var sink downstream.Sink
	switch cfg.Downstream.Kind {
	case "relay":
		sink = relay.NewClient(relay.Config{
			URL:              cfg.Downstream.Relay.URL,
			Token:            cfg.Downstream.Relay.Token,
			ReconnectBackoff: cfg.Downstream.Relay.ReconnectBackoff,
			MaxBackoff:       cfg.Downstream.Relay.MaxBackoff,
			PingInterval:     cfg.Downstream.Relay.PingInterval,
			WriteTimeout:     5 * time.Second,
		}, logger)
	case "gemini":
		liveCfg := live.DefaultConfig()
		liveCfg.APIKey = cfg.Downstream.Gemini.APIKey
		liveCfg.Model = cfg.Downstream.Gemini.Model
		liveCfg.Voice = cfg.Downstream.Gemini.Voice
		liveCfg.AgentName = cfg.Downstream.Gemini.AgentName
		liveCfg.Personality = cfg.Downstream.Gemini.Personality
		liveCfg.UserName = cfg.Downstream.Gemini.UserName
		liveCfg.UserInfo = cfg.Downstream.Gemini.UserInfo
		liveCfg.EnableShowImage = cfg.Downstream.Gemini.ShowImage
		sink = live.NewClient(liveCfg, logger)
	}

	controller := downstream.NewController(downstream.ControllerConfig{
		DeviceID:     cfg.Devices.DeviceID,
		StartTimeout: cfg.Downstream.StartTimeout,
		StartMuted:   cfg.Downstream.StartMuted,
	}, recorder, sink, speaker, logger)

	srv := server.New(cfg, server.Components{
		Backend:    backend,
		Recorder:   recorder,
		Controller: controller,
		Tracker:    tracker,
		Browser:    browserPeer,
		Player:     player,
	}, logger, version)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := tracker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("level tracker: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		srv.WSHub().Run(gctx)
		return nil
	})

	g.Go(func() error {
		if err := controller.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("downstream: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Shutdown in order: server -> tracker; the recorder and backend close
	// on return
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
		tracker.Stop()
		return nil
	})

	printStartupBanner(cfg, backend.Name(), version)

	if err := g.Wait(); err != nil {
		logger.Error("go-companion failed", "error", err)
		recorder.Close()
		os.Exit(1)
	}

	logger.Info("go-companion stopped")
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, backend, version string) {
	fmt.Println()
	fmt.Println("🎙️  go-companion v" + version)
	fmt.Printf("   Capture: %s  Downstream: %s\n", backend, cfg.Downstream.Kind)
	fmt.Println()
	fmt.Printf("🚀 Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health               - Health check")
	fmt.Println("   GET  /api/devices          - Audio inputs (?prime=1)")
	fmt.Println("   POST /api/recorder/start   - Start capture")
	fmt.Println("   POST /api/recorder/stop    - Stop capture")
	fmt.Println("   POST /api/recorder/mute    - Mute toggle")
	fmt.Println("   WS   /api/audio/stream     - Audio, level and state events")
	if cfg.Devices.Backend == "browser" {
		fmt.Println("   POST /api/webrtc/offer     - Browser microphone")
	}
	fmt.Println("   GET  /api/stats            - Statistics")
	fmt.Println("   GET  /metrics              - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}

// Package server provides the HTTP server for go-companion
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-companion/internal/audio"
	"github.com/teslashibe/go-companion/internal/browser"
	"github.com/teslashibe/go-companion/internal/config"
	"github.com/teslashibe/go-companion/internal/downstream"
	"github.com/teslashibe/go-companion/internal/health"
	"github.com/teslashibe/go-companion/internal/level"
	"github.com/teslashibe/go-companion/internal/media"
	"github.com/teslashibe/go-companion/internal/playback"
)

// Components are the running parts the API exposes. Tracker, Browser and
// Player may be nil.
type Components struct {
	Backend    media.Backend
	Recorder   *audio.Recorder
	Controller *downstream.Controller
	Tracker    *level.Tracker
	Browser    *browser.Backend
	Player     *playback.Player
}

// Server is the HTTP server for go-companion
type Server struct {
	app       *fiber.App
	cfg       *config.Config
	comps     Components
	health    *health.Checker
	logger    *slog.Logger
	wsHub     *WSHub
	startTime time.Time
	version   string
}

// New creates a new HTTP server
func New(cfg *config.Config, comps Components, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-companion",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:       app,
		cfg:       cfg,
		comps:     comps,
		health:    health.NewChecker(version),
		logger:    logger,
		wsHub:     NewWSHub(comps.Recorder, comps.Controller, comps.Tracker, cfg.Downstream.StartTimeout, logger),
		startTime: time.Now(),
		version:   version,
	}
	s.wsHub.SetStatsFunc(func() interface{} { return s.snapshot() })

	s.registerProbes()
	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/metrics", s.metricsHandler)

	api := s.app.Group("/api")

	api.Get("/config", s.configHandler)
	api.Get("/stats", s.statsHandler)
	api.Get("/devices", s.devicesHandler)

	recorder := api.Group("/recorder")
	recorder.Get("/", s.recorderHandler)
	recorder.Post("/start", s.startHandler)
	recorder.Post("/stop", s.stopHandler)
	recorder.Post("/mute", s.muteHandler)

	stream := api.Group("/audio")
	stream.Get("/stream", s.wsHub.UpgradeHandler())

	webrtc := api.Group("/webrtc")
	webrtc.Post("/offer", s.offerHandler)
	webrtc.Get("/peers", s.peersHandler)
	webrtc.Delete("/peers/:id", s.removePeerHandler)
}

func (s *Server) registerProbes() {
	if s.comps.Backend != nil {
		name := s.comps.Backend.Name()
		s.health.Register("capture_backend", func() (bool, string) {
			return name != "mock" || s.cfg.Devices.Backend == "mock", name
		})
	}

	if s.comps.Recorder != nil {
		s.health.Register("recorder", func() (bool, string) {
			st := s.comps.Recorder.GetStats()
			return true, st.State.String()
		})
	}

	if s.comps.Controller != nil && s.cfg.Downstream.Kind != "none" {
		s.health.Register("downstream", func() (bool, string) {
			st := s.comps.Controller.GetStats()
			if st.Sink == nil {
				return false, "no sink"
			}
			if !st.Sink.Connected {
				msg := "disconnected"
				if st.Sink.LastError != "" {
					msg += ": " + st.Sink.LastError
				}
				return false, msg
			}
			return true, st.Sink.Kind + " connected"
		})
	}

	if s.cfg.Playback.Enabled {
		s.health.Register("playback", func() (bool, string) {
			if s.comps.Player == nil {
				return false, "speaker unavailable"
			}
			return true, fmt.Sprintf("%d Hz", s.comps.Player.GetStats().SampleRate)
		})
	}
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	return c.JSON(s.health.GetStatus())
}

// configHandler returns current configuration with secrets masked
func (s *Server) configHandler(c *fiber.Ctx) error {
	return c.JSON(s.cfg.Redacted())
}

func (s *Server) snapshot() fiber.Map {
	out := fiber.Map{
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"websocket":      s.wsHub.GetStats(),
	}
	if s.comps.Recorder != nil {
		out["recorder"] = s.comps.Recorder.GetStats()
	}
	if s.comps.Controller != nil {
		out["downstream"] = s.comps.Controller.GetStats()
	}
	if s.comps.Tracker != nil {
		out["level"] = s.comps.Tracker.Stats()
	}
	if s.comps.Player != nil {
		out["playback"] = s.comps.Player.GetStats()
	}
	if s.comps.Browser != nil {
		out["peers"] = s.comps.Browser.Peers()
	}
	return out
}

// statsHandler returns component statistics
func (s *Server) statsHandler(c *fiber.Ctx) error {
	return c.JSON(s.snapshot())
}

// devicesHandler lists capture inputs. prime=1 opens a throwaway stream
// first so labels are populated.
func (s *Server) devicesHandler(c *fiber.Ctx) error {
	if s.comps.Recorder == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "recorder not available",
		})
	}

	prime := queryBool(c.Query("prime"))

	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.Downstream.StartTimeout)
	defer cancel()

	devices, err := s.comps.Recorder.EnumerateInputs(ctx, prime)
	if err != nil {
		return s.captureError(c, err)
	}
	if devices == nil {
		devices = []media.DeviceInfo{}
	}

	return c.JSON(fiber.Map{
		"backend": s.backendName(),
		"devices": devices,
	})
}

// recorderHandler returns the recorder state
func (s *Server) recorderHandler(c *fiber.Ctx) error {
	if s.comps.Controller == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "recorder not available",
		})
	}
	return c.JSON(s.comps.Controller.State())
}

type startRequest struct {
	DeviceID string `json:"device_id"`
}

// startHandler starts capture; it returns once recording or failed
func (s *Server) startHandler(c *fiber.Ctx) error {
	if s.comps.Controller == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "recorder not available",
		})
	}

	var req startRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.Downstream.StartTimeout)
	defer cancel()

	if err := s.comps.Controller.Start(ctx, req.DeviceID); err != nil {
		return s.captureError(c, err)
	}

	return c.JSON(s.comps.Controller.State())
}

// stopHandler stops capture
func (s *Server) stopHandler(c *fiber.Ctx) error {
	if s.comps.Controller == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "recorder not available",
		})
	}

	s.comps.Controller.Stop()
	return c.JSON(s.comps.Controller.State())
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

// muteHandler sets the microphone mute toggle
func (s *Server) muteHandler(c *fiber.Ctx) error {
	if s.comps.Controller == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "recorder not available",
		})
	}

	var req muteRequest
	if err := c.BodyParser(&req); err != nil || req.Muted == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": `body must be {"muted": true|false}`,
		})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.Downstream.StartTimeout)
	defer cancel()

	if err := s.comps.Controller.SetMuted(ctx, *req.Muted); err != nil {
		return s.captureError(c, err)
	}

	return c.JSON(s.comps.Controller.State())
}

// offerHandler answers a browser's SDP offer
func (s *Server) offerHandler(c *fiber.Ctx) error {
	if s.comps.Browser == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "browser backend not enabled",
		})
	}

	var offer browser.Offer
	if err := c.BodyParser(&offer); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid offer",
		})
	}
	if offer.UserAgent == "" {
		offer.UserAgent = c.Get(fiber.HeaderUserAgent)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.WebRTC.GatherTimeout+time.Second)
	defer cancel()

	answer, err := s.comps.Browser.HandleOffer(ctx, offer)
	if err != nil {
		s.logger.Warn("webrtc offer rejected", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(answer)
}

// peersHandler lists connected browser peers
func (s *Server) peersHandler(c *fiber.Ctx) error {
	if s.comps.Browser == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "browser backend not enabled",
		})
	}
	return c.JSON(s.comps.Browser.Peers())
}

// removePeerHandler disconnects a browser peer
func (s *Server) removePeerHandler(c *fiber.Ctx) error {
	if s.comps.Browser == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "browser backend not enabled",
		})
	}
	if err := s.comps.Browser.RemovePeer(c.Params("id")); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// captureError maps the capture error taxonomy to HTTP statuses
func (s *Server) captureError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	kind := "device_acquisition_failed"

	switch {
	case errors.Is(err, media.ErrUnsupportedPlatform):
		status, kind = fiber.StatusNotImplemented, "unsupported_platform"
	case errors.Is(err, media.ErrPermissionDenied):
		status, kind = fiber.StatusForbidden, "permission_denied"
	case errors.Is(err, media.ErrNoDevice):
		status, kind = fiber.StatusNotFound, "no_device"
	case errors.Is(err, media.ErrGraphSetupFailed):
		kind = "graph_setup_failed"
	case errors.Is(err, context.DeadlineExceeded):
		status, kind = fiber.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		status, kind = fiber.StatusRequestTimeout, "cancelled"
	}

	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
		"kind":  kind,
	})
}

func (s *Server) backendName() string {
	if s.comps.Backend == nil {
		return "none"
	}
	return s.comps.Backend.Name()
}

func queryBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Server.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Server.Port))
}

// WSHub returns the WebSocket hub for external control
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	s.wsHub.Close()

	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

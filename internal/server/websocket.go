package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-companion/internal/audio"
	"github.com/teslashibe/go-companion/internal/downstream"
	"github.com/teslashibe/go-companion/internal/level"
	"github.com/teslashibe/go-companion/internal/protocol"
)

// clientBuffer is the number of queued messages per client before drops
const clientBuffer = 256

// WSHub fans capture events out to UI clients and accepts their commands
type WSHub struct {
	recorder     *audio.Recorder
	controller   *downstream.Controller
	tracker      *level.Tracker
	stats        func() interface{}
	startTimeout time.Duration
	logger       *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	cancel  context.CancelFunc

	done chan struct{}

	seq     atomic.Uint64
	sent    atomic.Uint64
	dropped atomic.Uint64
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a new WebSocket hub. Any component may be nil.
func NewWSHub(
	recorder *audio.Recorder,
	controller *downstream.Controller,
	tracker *level.Tracker,
	startTimeout time.Duration,
	logger *slog.Logger,
) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	if startTimeout <= 0 {
		startTimeout = 10 * time.Second
	}

	return &WSHub{
		recorder:     recorder,
		controller:   controller,
		tracker:      tracker,
		startTimeout: startTimeout,
		logger:       logger,
		clients:      make(map[*wsClient]struct{}),
		done:         make(chan struct{}),
	}
}

// SetStatsFunc sets the snapshot returned for get_stats commands
func (h *WSHub) SetStatsFunc(fn func() interface{}) {
	h.mu.Lock()
	h.stats = fn
	h.mu.Unlock()
}

// Run subscribes to the capture components and relays level updates
// until ctx is done
func (h *WSHub) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	defer close(h.done)

	var unsubs []func()
	if h.recorder != nil {
		unsubs = append(unsubs,
			h.recorder.OnData(h.onData),
			h.recorder.OnVolume(h.onVolume),
		)
	}
	if h.controller != nil {
		h.controller.OnState(h.onState)
		h.controller.OnToolCall(h.onToolCall)
	}

	var levels chan level.Result
	if h.tracker != nil {
		levels = h.tracker.Subscribe()
		defer h.tracker.Unsubscribe(levels)
	}

	var lastSpeaking bool

	h.logger.Info("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			for _, unsub := range unsubs {
				unsub()
			}
			if h.controller != nil {
				h.controller.OnState(nil)
				h.controller.OnToolCall(nil)
			}
			h.logger.Info("websocket hub stopped")
			return

		case result, ok := <-levels:
			if !ok {
				levels = nil
				continue
			}

			h.broadcast(h.encode(protocol.NewLevelMessage(result.Smoothed, result.Mouth, result.SpeakingLatched)))

			// Immediate VAD change notification
			if result.VADChanged || result.SpeakingLatched != lastSpeaking {
				h.broadcast(h.encode(protocol.NewVADMessage(result.SpeakingLatched)))
				lastSpeaking = result.SpeakingLatched
			}
		}
	}
}

// onData runs on the encoder goroutine and must not block
func (h *WSHub) onData(chunk string) {
	if h.ClientCount() == 0 {
		return
	}
	h.broadcast(h.encode(protocol.NewAudioMessage(h.recorder.MIMEType(), chunk, h.seq.Add(1))))
}

func (h *WSHub) onVolume(volume float64) {
	if h.ClientCount() == 0 {
		return
	}
	h.broadcast(h.encode(protocol.NewVolumeMessage(volume)))
}

func (h *WSHub) onState(state protocol.StateData) {
	h.broadcast(h.encode(protocol.NewStateMessage(state)))
}

func (h *WSHub) onToolCall(call protocol.ToolCall) {
	h.broadcast(h.encode(protocol.NewToolCallMessage(call)))
}

// encode renders a constructed message, nil when construction failed
func (h *WSHub) encode(msg *protocol.Message, err error) []byte {
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return nil
	}
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return nil
	}
	return data
}

func (h *WSHub) broadcast(data []byte) {
	if data == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		h.enqueue(c, data)
	}
}

// enqueue must be called with h.mu held
func (h *WSHub) enqueue(c *wsClient, data []byte) {
	select {
	case c.send <- data:
		h.sent.Add(1)
	default:
		// Drop if client is slow
		h.dropped.Add(1)
	}
}

func (h *WSHub) reply(c *wsClient, data []byte) {
	if data == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		h.enqueue(c, data)
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive the audio event stream",
		})
	}
}

func (h *WSHub) handleConnection(conn *websocket.Conn) {
	c := &wsClient{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	writerDone := make(chan struct{})
	go h.writeLoop(c, writerDone)

	h.logger.Info("websocket client connected",
		"remote_addr", conn.RemoteAddr().String(),
		"clients", clientCount,
	)

	// New clients get the current state without waiting for a change
	if h.controller != nil {
		h.reply(c, h.encode(protocol.NewStateMessage(h.controller.State())))
	}

	defer func() {
		h.remove(c)
		// The connection is released when this handler returns
		<-writerDone

		h.logger.Info("websocket client disconnected",
			"remote_addr", conn.RemoteAddr().String(),
			"clients", h.ClientCount(),
		)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}

		h.handleCommand(c, msg)
	}
}

func (h *WSHub) writeLoop(c *wsClient, done chan struct{}) {
	defer close(done)

	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("websocket write error", "error", err)
			c.conn.Close()
			// Drain until the reader notices and removes the client
			for range c.send {
			}
			return
		}
	}
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *WSHub) handleCommand(c *wsClient, raw []byte) {
	msg, err := protocol.ParseMessage(raw)
	if err != nil {
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		h.reply(c, h.encode(protocol.NewMessage(protocol.TypePong, time.Now().Unix())))

	case protocol.TypeGetStats:
		h.mu.RLock()
		fn := h.stats
		h.mu.RUnlock()
		if fn != nil {
			h.reply(c, h.encode(protocol.NewMessage(protocol.TypeStats, fn())))
		}

	case protocol.TypeStart:
		if h.controller == nil {
			return
		}
		var data protocol.StartData
		if err := msg.ParseData(&data); err != nil {
			h.reply(c, h.encode(protocol.NewErrorMessage(msg.Type, err)))
			return
		}
		// Acquisition can wait on a permission prompt; keep reading meanwhile
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), h.startTimeout)
			defer cancel()
			if err := h.controller.Start(ctx, data.DeviceID); err != nil {
				h.reply(c, h.encode(protocol.NewErrorMessage(protocol.TypeStart, err)))
			}
		}()

	case protocol.TypeStop:
		if h.controller != nil {
			h.controller.Stop()
		}

	case protocol.TypeMute:
		if h.controller == nil {
			return
		}
		var data protocol.MuteData
		if err := msg.ParseData(&data); err != nil {
			h.reply(c, h.encode(protocol.NewErrorMessage(msg.Type, err)))
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), h.startTimeout)
			defer cancel()
			if err := h.controller.SetMuted(ctx, data.Muted); err != nil {
				h.reply(c, h.encode(protocol.NewErrorMessage(protocol.TypeMute, err)))
			}
		}()

	default:
		h.logger.Debug("unknown websocket command", "type", msg.Type)
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HubStats contains hub statistics
type HubStats struct {
	Clients  int    `json:"clients"`
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
	AudioSeq uint64 `json:"audio_seq"`
}

// GetStats returns hub statistics
func (h *WSHub) GetStats() HubStats {
	return HubStats{
		Clients:  h.ClientCount(),
		Sent:     h.sent.Load(),
		Dropped:  h.dropped.Load(),
		AudioSeq: h.seq.Load(),
	}
}

// Close shuts down the WebSocket hub
func (h *WSHub) Close() {
	h.mu.RLock()
	cancel := h.cancel
	h.mu.RUnlock()

	if cancel != nil {
		cancel()
		<-h.done
	}

	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
	h.mu.Unlock()
}

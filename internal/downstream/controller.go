package downstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-companion/internal/audio"
	"github.com/teslashibe/go-companion/internal/protocol"
)

// ControllerConfig configures the capture controller
type ControllerConfig struct {
	DeviceID     string        // empty selects automatically
	StartTimeout time.Duration // bound on one automatic start
	StartMuted   bool
}

// DefaultControllerConfig returns sensible defaults
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		StartTimeout: 10 * time.Second,
	}
}

// Controller keeps the recorder running while the sink is connected and
// the user is not muted, and routes model output to the speaker.
type Controller struct {
	cfg      ControllerConfig
	recorder *audio.Recorder
	sink     Sink
	speaker  Speaker
	logger   *slog.Logger

	mu        sync.Mutex
	muted     bool
	connected bool
	deviceID  string
	lastErr   error
	unsubData func()

	onState    func(protocol.StateData)
	onToolCall func(protocol.ToolCall)

	reconcileMu sync.Mutex

	chunksForwarded atomic.Uint64
	forwardErrors   atomic.Uint64
	toolCalls       atomic.Uint64
	speakChunks     atomic.Uint64
}

// NewController creates a controller. sink and speaker may be nil.
func NewController(cfg ControllerConfig, recorder *audio.Recorder, sink Sink, speaker Speaker, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		cfg:      cfg,
		recorder: recorder,
		sink:     sink,
		speaker:  speaker,
		logger:   logger,
		muted:    cfg.StartMuted,
		deviceID: cfg.DeviceID,
	}
}

// OnState sets the callback for recorder state changes
func (c *Controller) OnState(callback func(protocol.StateData)) {
	c.mu.Lock()
	c.onState = callback
	c.mu.Unlock()
}

// OnToolCall sets the callback for model tool calls
func (c *Controller) OnToolCall(callback func(protocol.ToolCall)) {
	c.mu.Lock()
	c.onToolCall = callback
	c.mu.Unlock()
}

// Run wires the sink and blocks until ctx is done
func (c *Controller) Run(ctx context.Context) error {
	if c.sink != nil {
		unsub := c.recorder.OnData(c.forward)
		c.mu.Lock()
		c.unsubData = unsub
		c.mu.Unlock()

		c.sink.OnConnectionChange(func(connected bool) {
			c.mu.Lock()
			c.connected = connected
			c.mu.Unlock()

			c.logger.Info("downstream connection changed",
				"sink", c.sink.Name(),
				"connected", connected,
			)
			go c.reconcile(ctx)
		})
		c.sink.OnSpeak(c.speak)
		c.sink.OnToolCall(func(call protocol.ToolCall) { c.handleToolCall(ctx, call) })
		c.sink.OnInterrupt(func() {
			if c.speaker != nil {
				c.speaker.Flush()
			}
		})

		if err := c.sink.Connect(ctx); err != nil {
			return err
		}
	}

	<-ctx.Done()

	c.mu.Lock()
	unsub := c.unsubData
	c.unsubData = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}

	c.recorder.Stop()
	if c.sink != nil {
		c.sink.Close()
	}
	return ctx.Err()
}

// forward runs on the encoder goroutine
func (c *Controller) forward(chunk string) {
	if err := c.sink.SendAudio(c.recorder.MIMEType(), chunk); err != nil {
		c.forwardErrors.Add(1)
		return
	}
	c.chunksForwarded.Add(1)
}

func (c *Controller) speak(pcm []byte, rate int) {
	c.speakChunks.Add(1)
	if c.speaker == nil {
		return
	}
	if err := c.speaker.Enqueue(pcm, rate); err != nil {
		c.logger.Warn("playback enqueue failed", "error", err)
	}
}

func (c *Controller) handleToolCall(ctx context.Context, call protocol.ToolCall) {
	c.toolCalls.Add(1)

	c.mu.Lock()
	cb := c.onToolCall
	c.mu.Unlock()

	c.logger.Info("tool call", "name", call.Name, "id", call.ID)

	response := map[string]interface{}{"result": "ok"}
	if cb != nil {
		cb(call)
	} else {
		response = map[string]interface{}{"error": "no display attached"}
	}

	if err := c.sink.SendToolResult(protocol.ToolResult{
		ID:       call.ID,
		Name:     call.Name,
		Response: response,
	}); err != nil {
		c.logger.Warn("tool result not delivered", "name", call.Name, "error", err)
	}
}

// reconcile starts or stops capture to match connection and mute state
func (c *Controller) reconcile(ctx context.Context) {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	c.mu.Lock()
	want := c.connected && !c.muted
	deviceID := c.deviceID
	c.mu.Unlock()

	if !want {
		c.recorder.Stop()
		c.publishState(nil)
		return
	}

	startCtx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()

	err := c.recorder.Start(startCtx, deviceID)
	c.publishState(err)
}

// Start begins capture on deviceID regardless of the connection
func (c *Controller) Start(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	if deviceID != "" {
		c.deviceID = deviceID
	}
	deviceID = c.deviceID
	c.muted = false
	c.mu.Unlock()

	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	err := c.recorder.Start(ctx, deviceID)
	c.publishState(err)
	return err
}

// Stop ends capture until the next Start or reconnect
func (c *Controller) Stop() {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	c.recorder.Stop()
	c.publishState(nil)
}

// SetMuted stops capture when muted and resumes it when unmuted while
// the sink is connected.
func (c *Controller) SetMuted(ctx context.Context, muted bool) error {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()

	c.logger.Info("microphone mute changed", "muted", muted)

	if muted || c.sink == nil {
		if muted {
			c.Stop()
		}
		return nil
	}

	c.reconcile(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Muted reports the mute toggle
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Controller) publishState(err error) {
	st := c.recorder.GetStats()

	c.mu.Lock()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.lastErr = err
	} else if err == nil {
		c.lastErr = nil
	}
	data := protocol.StateData{
		State:    st.State.String(),
		DeviceID: st.DeviceID,
		Muted:    c.muted,
		MimeType: st.MIMEType,
	}
	if c.lastErr != nil {
		data.Error = c.lastErr.Error()
	}
	cb := c.onState
	c.mu.Unlock()

	if cb != nil {
		cb(data)
	}
}

// State returns the current state snapshot
func (c *Controller) State() protocol.StateData {
	st := c.recorder.GetStats()

	c.mu.Lock()
	defer c.mu.Unlock()

	data := protocol.StateData{
		State:    st.State.String(),
		DeviceID: st.DeviceID,
		Muted:    c.muted,
		MimeType: st.MIMEType,
	}
	if c.lastErr != nil {
		data.Error = c.lastErr.Error()
	}
	return data
}

// ControllerStats contains controller statistics
type ControllerStats struct {
	Muted           bool   `json:"muted"`
	Connected       bool   `json:"connected"`
	ChunksForwarded uint64 `json:"chunks_forwarded"`
	ForwardErrors   uint64 `json:"forward_errors"`
	SpeakChunks     uint64 `json:"speak_chunks"`
	ToolCalls       uint64 `json:"tool_calls"`
	Sink            *Stats `json:"sink,omitempty"`
}

// GetStats returns controller statistics
func (c *Controller) GetStats() ControllerStats {
	c.mu.Lock()
	stats := ControllerStats{
		Muted:           c.muted,
		Connected:       c.connected,
		ChunksForwarded: c.chunksForwarded.Load(),
		ForwardErrors:   c.forwardErrors.Load(),
		SpeakChunks:     c.speakChunks.Load(),
		ToolCalls:       c.toolCalls.Load(),
	}
	c.mu.Unlock()

	if c.sink != nil {
		s := c.sink.GetStats()
		stats.Sink = &s
	}
	return stats
}

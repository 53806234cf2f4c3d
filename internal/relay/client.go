// Package relay streams microphone chunks to a model relay over WebSocket
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-companion/internal/downstream"
	"github.com/teslashibe/go-companion/internal/protocol"
)

// Config holds relay client configuration
type Config struct {
	URL              string        // WebSocket URL (e.g., "wss://relay.example.com/ws/companion")
	Token            string        // Sent as a bearer token when set
	ReconnectBackoff time.Duration // Initial reconnect delay
	MaxBackoff       time.Duration // Maximum reconnect delay
	PingInterval     time.Duration // Ping interval for keepalive
	WriteTimeout     time.Duration // Write timeout
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/ws/companion",
		ReconnectBackoff: 1 * time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Client manages the WebSocket connection to the relay
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	lastErr   error

	// Callbacks for incoming messages
	onConnection func(bool)
	onSpeak      func([]byte, int)
	onToolCall   func(protocol.ToolCall)
	onInterrupt  func()

	seq atomic.Uint64

	// Stats
	chunksSent       atomic.Uint64
	bytesSent        atomic.Uint64
	messagesReceived atomic.Uint64
	speakChunks      atomic.Uint64
	toolCalls        atomic.Uint64
	reconnects       atomic.Uint64
}

var _ downstream.Sink = (*Client)(nil)

// NewClient creates a new relay client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
	}
}

// Name returns the sink type name
func (c *Client) Name() string {
	return downstream.KindRelay
}

// OnConnectionChange sets the callback for connect and disconnect
func (c *Client) OnConnectionChange(callback func(bool)) {
	c.mu.Lock()
	c.onConnection = callback
	c.mu.Unlock()
}

// OnSpeak sets the callback for model audio
func (c *Client) OnSpeak(callback func([]byte, int)) {
	c.mu.Lock()
	c.onSpeak = callback
	c.mu.Unlock()
}

// OnToolCall sets the callback for tool calls
func (c *Client) OnToolCall(callback func(protocol.ToolCall)) {
	c.mu.Lock()
	c.onToolCall = callback
	c.mu.Unlock()
}

// OnInterrupt sets the callback for playback interrupts
func (c *Client) OnInterrupt(callback func()) {
	c.mu.Lock()
	c.onInterrupt = callback
	c.mu.Unlock()
}

// Connect starts the connection loop
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return fmt.Errorf("relay url not configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.connectionLoop(ctx)
	return nil
}

// connectionLoop manages connection with auto-reconnect
func (c *Client) connectionLoop(ctx context.Context) {
	backoff := c.cfg.ReconnectBackoff

	for {
		select {
		case <-ctx.Done():
			c.closeConnection()
			return
		default:
		}

		err := c.connect(ctx)
		if err != nil {
			c.setError(err)
			c.logger.Warn("relay connection failed",
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			// Exponential backoff
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			c.reconnects.Add(1)
			continue
		}

		// Reset backoff on successful connection
		backoff = c.cfg.ReconnectBackoff

		// Read messages until error
		c.readLoop(ctx)

		// Wait before redialing so a server that accepts and then drops
		// cannot spin the loop
		c.logger.Info("relay connection ended", "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		c.reconnects.Add(1)
	}
}

// connect establishes the WebSocket connection
func (c *Client) connect(ctx context.Context) error {
	c.logger.Info("connecting to relay", "url", c.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	var header http.Header
	if c.cfg.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}}
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastErr = nil
	cb := c.onConnection
	c.mu.Unlock()

	c.logger.Info("connected to relay")

	if cb != nil {
		cb(true)
	}

	go c.pingLoop(ctx, conn)

	return nil
}

// pingLoop sends periodic pings on conn until it is replaced
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()

			if current != conn {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop reads messages from the relay
func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.setError(err)
				c.logger.Warn("read error", "error", err)
			}
			c.closeConnection()
			return
		}

		c.messagesReceived.Add(1)
		c.handleMessage(data)
	}
}

// handleMessage processes incoming messages
func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("parse message error", "error", err)
		return
	}

	c.mu.Lock()
	speakCb := c.onSpeak
	toolCb := c.onToolCall
	interruptCb := c.onInterrupt
	c.mu.Unlock()

	switch msg.Type {
	case protocol.TypeSpeak:
		speak, err := msg.GetSpeakData()
		if err != nil {
			c.logger.Warn("bad speak message", "error", err)
			return
		}
		pcm, err := speak.DecodeSpeakData()
		if err != nil {
			c.logger.Warn("bad speak audio", "error", err)
			return
		}
		c.speakChunks.Add(1)
		if speakCb != nil {
			speakCb(pcm, speak.SampleRate)
		}

	case protocol.TypeToolCall:
		call, err := msg.GetToolCall()
		if err != nil {
			c.logger.Warn("bad tool call", "error", err)
			return
		}
		c.toolCalls.Add(1)
		if toolCb != nil {
			toolCb(*call)
		}

	case protocol.TypeInterrupt:
		if interruptCb != nil {
			interruptCb()
		}

	case protocol.TypePing:
		// Respond with pong
		pong := &protocol.Message{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()}
		c.SendMessage(pong)
	}
}

// SendMessage sends a message to the relay
func (c *Client) SendMessage(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.setError(err)
		c.logger.Warn("send error", "error", err)
		c.closeConnection()
		return fmt.Errorf("write: %w", err)
	}

	return nil
}

// SendAudio sends one microphone chunk
func (c *Client) SendAudio(mimeType, chunk string) error {
	msg, err := protocol.NewAudioMessage(mimeType, chunk, c.seq.Add(1))
	if err != nil {
		return err
	}
	if err := c.SendMessage(msg); err != nil {
		return err
	}

	c.chunksSent.Add(1)
	c.bytesSent.Add(uint64(len(chunk)))
	return nil
}

// SendToolResult answers a tool call
func (c *Client) SendToolResult(result protocol.ToolResult) error {
	msg, err := protocol.NewToolResultMessage(result)
	if err != nil {
		return err
	}
	return c.SendMessage(msg)
}

func (c *Client) setError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// closeConnection closes the WebSocket connection
func (c *Client) closeConnection() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	cb := c.onConnection
	c.mu.Unlock()

	if wasConnected && cb != nil {
		cb(false)
	}
}

// Close shuts down the client
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeConnection()
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// GetStats returns client statistics
func (c *Client) GetStats() downstream.Stats {
	c.mu.Lock()
	connected := c.connected
	lastErr := c.lastErr
	c.mu.Unlock()

	stats := downstream.Stats{
		Kind:             downstream.KindRelay,
		Connected:        connected,
		ChunksSent:       c.chunksSent.Load(),
		BytesSent:        c.bytesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		SpeakChunks:      c.speakChunks.Load(),
		ToolCalls:        c.toolCalls.Load(),
		Reconnects:       c.reconnects.Load(),
	}
	if lastErr != nil {
		stats.LastError = lastErr.Error()
	}
	return stats
}

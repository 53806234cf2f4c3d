// Package live streams microphone chunks to the Gemini Live API
package live

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/genai"

	"github.com/teslashibe/go-companion/internal/audio"
	"github.com/teslashibe/go-companion/internal/downstream"
	"github.com/teslashibe/go-companion/internal/protocol"
)

// OutputSampleRate is the rate of audio produced by live models
const OutputSampleRate = 24000

// Config holds Gemini Live configuration
type Config struct {
	APIKey           string
	Model            string
	Voice            string
	AgentName        string
	Personality      string
	UserName         string
	UserInfo         string
	EnableShowImage  bool
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Model:            "gemini-2.0-flash-live-001",
		Voice:            "Orus",
		AgentName:        "Ethics",
		EnableShowImage:  true,
		ReconnectBackoff: 1 * time.Second,
		MaxBackoff:       30 * time.Second,
	}
}

// session is the subset of *genai.Session the client uses
type session interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// dialFunc opens a live session
type dialFunc func(ctx context.Context) (session, error)

// Client is a downstream.Sink backed by a Gemini Live session
type Client struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc

	mu        sync.Mutex
	sess      session
	connected bool
	cancel    context.CancelFunc
	lastErr   error

	onConnection func(bool)
	onSpeak      func([]byte, int)
	onToolCall   func(protocol.ToolCall)
	onInterrupt  func()

	chunksSent       atomic.Uint64
	bytesSent        atomic.Uint64
	messagesReceived atomic.Uint64
	speakChunks      atomic.Uint64
	toolCalls        atomic.Uint64
	reconnects       atomic.Uint64
}

var _ downstream.Sink = (*Client)(nil)

// NewClient creates a Gemini Live client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
	}
	c.dial = c.dialGenAI
	return c
}

func (c *Client) dialGenAI(ctx context.Context) (session, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	sess, err := client.Live.Connect(ctx, c.cfg.Model, c.connectConfig(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("live connect: %w", err)
	}
	return sess, nil
}

// connectConfig builds the session setup: audio responses, the agent's
// voice, its system instructions and the display tools.
func (c *Client) connectConfig(now time.Time) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: SystemInstructions(c.cfg, now)}},
		},
	}

	if c.cfg.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: c.cfg.Voice},
			},
		}
	}

	if c.cfg.EnableShowImage {
		cfg.Tools = []*genai.Tool{{
			FunctionDeclarations: []*genai.FunctionDeclaration{ShowImageDeclaration()},
		}}
	}

	return cfg
}

// ShowImageDeclaration declares the image overlay tool
func ShowImageDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        "show_image",
		Description: "Display an image. MUST be called when image URL is found.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"imageUrl": {Type: genai.TypeString, Description: "Image URL"},
				"caption":  {Type: genai.TypeString, Description: "Optional caption"},
			},
			Required: []string{"imageUrl"},
		},
	}
}

// SystemInstructions renders the agent prompt
func SystemInstructions(cfg Config, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Your name is %s and you are in a conversation with the user", cfg.AgentName)
	if cfg.UserName != "" {
		fmt.Fprintf(&b, " (%s)", cfg.UserName)
	}
	b.WriteString(".\n\n")

	if cfg.Personality != "" {
		fmt.Fprintf(&b, "Your personality is described like this:\n%s\n\n", cfg.Personality)
	}

	if cfg.UserInfo != "" {
		who := cfg.UserName
		if who == "" {
			who = "the user"
		}
		fmt.Fprintf(&b, "Here is some information about %s:\n%s\nUse this information to make your response more personal.\n\n", who, cfg.UserInfo)
	}

	fmt.Fprintf(&b, "Today's date is %s at %s.\n\n", now.Format("Monday, January 2, 2006"), now.Format("3:04 PM"))

	if cfg.EnableShowImage {
		b.WriteString("When you find an image URL, call the show_image tool immediately, then speak.\n\n")
	}

	b.WriteString("Do NOT use any emojis or pantomime text because this text will be read out loud. " +
		"Keep it fairly concise, don't speak too many sentences at once.")

	return b.String()
}

// Name returns the sink type name
func (c *Client) Name() string {
	return downstream.KindGemini
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

// OnInterrupt sets the callback for barge-in
func (c *Client) OnInterrupt(callback func()) {
	c.mu.Lock()
	c.onInterrupt = callback
	c.mu.Unlock()
}

// Connect starts the session loop
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.APIKey == "" {
		return fmt.Errorf("gemini api key not configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.connectionLoop(ctx)
	return nil
}

func (c *Client) connectionLoop(ctx context.Context) {
	backoff := c.cfg.ReconnectBackoff

	for {
		select {
		case <-ctx.Done():
			c.closeSession()
			return
		default:
		}

		c.logger.Info("connecting to gemini live", "model", c.cfg.Model, "voice", c.cfg.Voice)

		sess, err := c.dial(ctx)
		if err != nil {
			c.setError(err)
			c.logger.Warn("gemini live connection failed",
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			c.reconnects.Add(1)
			continue
		}

		backoff = c.cfg.ReconnectBackoff

		c.mu.Lock()
		c.sess = sess
		c.connected = true
		c.lastErr = nil
		cb := c.onConnection
		c.mu.Unlock()

		c.logger.Info("connected to gemini live")
		if cb != nil {
			cb(true)
		}

		c.receiveLoop(ctx, sess)

		// A server that accepts and then drops must not spin the loop
		c.logger.Info("gemini live session ended", "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		c.reconnects.Add(1)
	}
}

func (c *Client) receiveLoop(ctx context.Context, sess session) {
	for {
		msg, err := sess.Receive()
		if err != nil {
			if ctx.Err() == nil {
				c.setError(err)
				c.logger.Warn("gemini live receive error", "error", err)
			}
			c.closeSession()
			return
		}

		c.messagesReceived.Add(1)
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg *genai.LiveServerMessage) {
	c.mu.Lock()
	speakCb := c.onSpeak
	toolCb := c.onToolCall
	interruptCb := c.onInterrupt
	c.mu.Unlock()

	if content := msg.ServerContent; content != nil {
		if content.Interrupted && interruptCb != nil {
			interruptCb()
		}
		if content.ModelTurn != nil {
			for _, part := range content.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				if !strings.HasPrefix(part.InlineData.MIMEType, "audio/pcm") {
					continue
				}
				c.speakChunks.Add(1)
				if speakCb != nil {
					speakCb(part.InlineData.Data, RateFromMIME(part.InlineData.MIMEType, OutputSampleRate))
				}
			}
		}
	}

	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			if fc == nil {
				continue
			}
			c.toolCalls.Add(1)
			if toolCb != nil {
				toolCb(protocol.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
			}
		}
	}
}

// RateFromMIME parses the rate parameter of an audio/pcm MIME type
func RateFromMIME(mimeType string, fallback int) int {
	for _, param := range strings.Split(mimeType, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || strings.TrimSpace(k) != "rate" {
			continue
		}
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			return rate
		}
	}
	return fallback
}

func (c *Client) current() (session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.sess == nil {
		return nil, fmt.Errorf("not connected")
	}
	return c.sess, nil
}

// SendAudio forwards one base64 chunk as a realtime input blob
func (c *Client) SendAudio(mimeType, chunk string) error {
	sess, err := c.current()
	if err != nil {
		return err
	}

	pcm, err := audio.DecodeChunk(chunk)
	if err != nil {
		return fmt.Errorf("decode chunk: %w", err)
	}

	if err := sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: mimeType},
	}); err != nil {
		c.setError(err)
		return fmt.Errorf("send realtime input: %w", err)
	}

	c.chunksSent.Add(1)
	c.bytesSent.Add(uint64(len(chunk)))
	return nil
}

// SendToolResult answers a function call
func (c *Client) SendToolResult(result protocol.ToolResult) error {
	sess, err := c.current()
	if err != nil {
		return err
	}

	if err := sess.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       result.ID,
			Name:     result.Name,
			Response: result.Response,
		}},
	}); err != nil {
		c.setError(err)
		return fmt.Errorf("send tool response: %w", err)
	}
	return nil
}

func (c *Client) setError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Client) closeSession() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	sess := c.sess
	c.sess = nil
	cb := c.onConnection
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			c.logger.Debug("live session close", "error", err)
		}
	}
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
	c.closeSession()
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
		Kind:             downstream.KindGemini,
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

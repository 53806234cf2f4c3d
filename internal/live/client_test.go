package live

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/teslashibe/go-companion/internal/protocol"
)

// fakeSession replays scripted server messages
type fakeSession struct {
	mu        sync.Mutex
	inputs    []genai.LiveRealtimeInput
	responses []genai.LiveToolResponseInput
	incoming  chan *genai.LiveServerMessage
	closed    bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{incoming: make(chan *genai.LiveServerMessage, 8)}
}

func (f *fakeSession) SendRealtimeInput(input genai.LiveRealtimeInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	return nil
}

func (f *fakeSession) SendToolResponse(input genai.LiveToolResponseInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, input)
	return nil
}

func (f *fakeSession) Receive() (*genai.LiveServerMessage, error) {
	msg, ok := <-f.incoming
	if !ok {
		return nil, errors.New("session closed")
	}
	return msg, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.incoming)
	}
	return nil
}

func newTestClient(sess *fakeSession) *Client {
	cfg := DefaultConfig()
	cfg.APIKey = "test"
	c := NewClient(cfg, nil)
	c.dial = func(ctx context.Context) (session, error) { return sess, nil }
	return c
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !c.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for connection")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReconnectWaitsAfterDroppedSession(t *testing.T) {
	var dials atomic.Int32

	cfg := DefaultConfig()
	cfg.APIKey = "test"
	cfg.ReconnectBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond
	c := NewClient(cfg, nil)
	c.dial = func(ctx context.Context) (session, error) {
		dials.Add(1)
		sess := newFakeSession()
		sess.Close() // accepted, then dropped at once
		return sess, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.Connect(ctx)
	time.Sleep(220 * time.Millisecond)
	cancel()
	c.Close()

	if got := dials.Load(); got < 2 || got > 6 {
		t.Errorf("dials = %d in 220ms with 50ms backoff, want 2..6", got)
	}
	if c.GetStats().Reconnects == 0 {
		t.Error("expected reconnects to be counted")
	}
}

func TestConnectRequiresAPIKey(t *testing.T) {
	c := NewClient(DefaultConfig(), nil)
	if err := c.Connect(context.Background()); err == nil {
		t.Error("Connect should fail without an API key")
	}
}

func TestSendAudio(t *testing.T) {
	sess := newFakeSession()
	c := newTestClient(sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.SendAudio("audio/pcm;rate=16000", "AAAA"); err == nil {
		t.Error("SendAudio should fail before connecting")
	}

	c.Connect(ctx)
	waitConnected(t, c)

	if err := c.SendAudio("audio/pcm;rate=16000", "AAAA"); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	if err := c.SendAudio("audio/pcm;rate=16000", "!!!"); err == nil {
		t.Error("SendAudio should reject invalid base64")
	}

	sess.mu.Lock()
	inputs := sess.inputs
	sess.mu.Unlock()

	if len(inputs) != 1 {
		t.Fatalf("inputs = %d, want 1", len(inputs))
	}
	blob := inputs[0].Audio
	if blob == nil || blob.MIMEType != "audio/pcm;rate=16000" || len(blob.Data) != 3 {
		t.Errorf("blob = %+v", blob)
	}

	if c.GetStats().ChunksSent != 1 {
		t.Errorf("ChunksSent = %d", c.GetStats().ChunksSent)
	}

	c.Close()
}

func TestReceiveAudioToolCallAndInterrupt(t *testing.T) {
	sess := newFakeSession()
	c := newTestClient(sess)

	speak := make(chan int, 1)
	calls := make(chan protocol.ToolCall, 1)
	interrupts := make(chan struct{}, 1)

	c.OnSpeak(func(pcm []byte, rate int) { speak <- rate })
	c.OnToolCall(func(call protocol.ToolCall) { calls <- call })
	c.OnInterrupt(func() { interrupts <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Connect(ctx)
	waitConnected(t, c)

	sess.incoming <- &genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{Text: "ignored"},
				{InlineData: &genai.Blob{Data: []byte{1, 2}, MIMEType: "audio/pcm;rate=24000"}},
			}},
		},
	}
	sess.incoming <- &genai.LiveServerMessage{
		ToolCall: &genai.LiveServerToolCall{
			FunctionCalls: []*genai.FunctionCall{{
				ID:   "fc-1",
				Name: "show_image",
				Args: map[string]any{"imageUrl": "https://example.com/a.png"},
			}},
		},
	}
	sess.incoming <- &genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{Interrupted: true},
	}

	select {
	case rate := <-speak:
		if rate != 24000 {
			t.Errorf("rate = %d, want 24000", rate)
		}
	case <-time.After(time.Second):
		t.Fatal("no speak callback")
	}

	select {
	case call := <-calls:
		if call.Name != "show_image" || call.Args["imageUrl"] != "https://example.com/a.png" {
			t.Errorf("call = %+v", call)
		}
		if err := c.SendToolResult(protocol.ToolResult{ID: call.ID, Name: call.Name, Response: map[string]interface{}{"result": "ok"}}); err != nil {
			t.Errorf("SendToolResult() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no tool call")
	}

	select {
	case <-interrupts:
	case <-time.After(time.Second):
		t.Fatal("no interrupt")
	}

	sess.mu.Lock()
	responses := sess.responses
	sess.mu.Unlock()
	if len(responses) != 1 || responses[0].FunctionResponses[0].ID != "fc-1" {
		t.Errorf("responses = %+v", responses)
	}

	c.Close()
}

func TestRateFromMIME(t *testing.T) {
	tests := []struct {
		mime string
		want int
	}{
		{"audio/pcm;rate=24000", 24000},
		{"audio/pcm; rate=16000", 16000},
		{"audio/pcm", 24000},
		{"audio/pcm;rate=abc", 24000},
	}

	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			if got := RateFromMIME(tt.mime, OutputSampleRate); got != tt.want {
				t.Errorf("RateFromMIME(%q) = %d, want %d", tt.mime, got, tt.want)
			}
		})
	}
}

func TestSystemInstructions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UserName = "Sam"
	cfg.UserInfo = "Likes robots"
	cfg.Personality = "Curious and kind"

	got := SystemInstructions(cfg, time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC))

	for _, want := range []string{
		"Your name is Ethics",
		"(Sam)",
		"Curious and kind",
		"Likes robots",
		"Wednesday, March 4, 2026",
		"3:30 PM",
		"show_image",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("instructions missing %q", want)
		}
	}
}

func TestConnectConfig(t *testing.T) {
	cfg := DefaultConfig()
	c := NewClient(cfg, nil)

	lc := c.connectConfig(time.Now())

	if len(lc.ResponseModalities) != 1 || lc.ResponseModalities[0] != genai.ModalityAudio {
		t.Errorf("modalities = %v", lc.ResponseModalities)
	}
	if lc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Orus" {
		t.Error("expected Orus voice")
	}
	if len(lc.Tools) != 1 || lc.Tools[0].FunctionDeclarations[0].Name != "show_image" {
		t.Errorf("tools = %+v", lc.Tools)
	}
}

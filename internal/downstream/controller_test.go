package downstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-companion/internal/audio"
	"github.com/teslashibe/go-companion/internal/media"
	"github.com/teslashibe/go-companion/internal/platform"
	"github.com/teslashibe/go-companion/internal/protocol"
)

// fakeSink records what the controller sends
type fakeSink struct {
	mu        sync.Mutex
	connected bool
	chunks    []string
	mimeTypes []string
	results   []protocol.ToolResult

	onConnection func(bool)
	onSpeak      func([]byte, int)
	onToolCall   func(protocol.ToolCall)
	onInterrupt  func()
}

func (f *fakeSink) Name() string { return "fake" }
func (f *fakeSink) Connect(ctx context.Context) error { return nil }

func (f *fakeSink) SendAudio(mimeType, chunk string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	f.mimeTypes = append(f.mimeTypes, mimeType)
	return nil
}

func (f *fakeSink) SendToolResult(result protocol.ToolResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return nil
}

func (f *fakeSink) OnConnectionChange(cb func(bool)) { f.mu.Lock(); f.onConnection = cb; f.mu.Unlock() }
func (f *fakeSink) OnSpeak(cb func([]byte, int)) { f.mu.Lock(); f.onSpeak = cb; f.mu.Unlock() }
func (f *fakeSink) OnToolCall(cb func(protocol.ToolCall)) { f.mu.Lock(); f.onToolCall = cb; f.mu.Unlock() }
func (f *fakeSink) OnInterrupt(cb func()) { f.mu.Lock(); f.onInterrupt = cb; f.mu.Unlock() }
func (f *fakeSink) IsConnected() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.connected }
func (f *fakeSink) GetStats() Stats { return Stats{Kind: "fake", Connected: f.IsConnected()} }
func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) setConnected(c bool) {
	f.mu.Lock()
	f.connected = c
	cb := f.onConnection
	f.mu.Unlock()
	if cb != nil {
		cb(c)
	}
}

func (f *fakeSink) ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onConnection != nil
}

type fakeSpeaker struct {
	mu      sync.Mutex
	queued  int
	flushes int
}

func (s *fakeSpeaker) Enqueue(pcm []byte, rate int) error {
	s.mu.Lock()
	s.queued += len(pcm)
	s.mu.Unlock()
	return nil
}

func (s *fakeSpeaker) Flush() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestController(t *testing.T) (*Controller, *fakeSink, *fakeSpeaker, *media.MockBackend, *audio.Recorder) {
	t.Helper()

	backend := media.NewMockBackend()
	acq := audio.NewAcquirer(backend, platform.Desktop("test"), audio.DefaultAcquirerConfig(), nil, nil)
	rec := audio.NewRecorder(audio.DefaultConfig(), acq, nil, nil)
	t.Cleanup(func() { rec.Close() })

	sink := &fakeSink{}
	speaker := &fakeSpeaker{}
	ctrl := NewController(DefaultControllerConfig(), rec, sink, speaker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitFor(t, "sink wiring", sink.ready)
	return ctrl, sink, speaker, backend, rec
}

func TestController_StartsOnConnect(t *testing.T) {
	ctrl, sink, _, backend, rec := newTestController(t)

	var mu sync.Mutex
	var states []string
	ctrl.OnState(func(s protocol.StateData) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	sink.setConnected(true)
	waitFor(t, "recording", func() bool { return rec.State() == audio.StateRecording })

	backend.Streams()[0].Push(media.Tone(4096, 16000, 440, 0.5))
	waitFor(t, "forwarded chunks", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.chunks) >= 2
	})

	sink.mu.Lock()
	mime := sink.mimeTypes[0]
	sink.mu.Unlock()
	if mime != "audio/pcm;rate=16000" {
		t.Errorf("mime = %s", mime)
	}

	sink.setConnected(false)
	waitFor(t, "idle", func() bool { return rec.State() == audio.StateIdle })

	if backend.LiveStreams() != 0 {
		t.Errorf("live streams = %d, want 0", backend.LiveStreams())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 2 || states[len(states)-1] != "idle" {
		t.Errorf("states = %v", states)
	}

	if ctrl.GetStats().ChunksForwarded < 2 {
		t.Errorf("ChunksForwarded = %d", ctrl.GetStats().ChunksForwarded)
	}
}

func TestController_Mute(t *testing.T) {
	ctrl, sink, _, _, rec := newTestController(t)

	sink.setConnected(true)
	waitFor(t, "recording", func() bool { return rec.State() == audio.StateRecording })

	if err := ctrl.SetMuted(context.Background(), true); err != nil {
		t.Fatalf("SetMuted(true) error = %v", err)
	}
	if rec.State() != audio.StateIdle {
		t.Errorf("state = %s, want idle while muted", rec.State())
	}
	if !ctrl.State().Muted {
		t.Error("state should report muted")
	}

	if err := ctrl.SetMuted(context.Background(), false); err != nil {
		t.Fatalf("SetMuted(false) error = %v", err)
	}
	if rec.State() != audio.StateRecording {
		t.Errorf("state = %s, want recording after unmute", rec.State())
	}
}

func TestController_UnmuteWhileDisconnected(t *testing.T) {
	ctrl, _, _, _, rec := newTestController(t)

	if err := ctrl.SetMuted(context.Background(), false); err != nil {
		t.Fatalf("SetMuted(false) error = %v", err)
	}
	if rec.State() != audio.StateIdle {
		t.Errorf("state = %s, want idle without a connection", rec.State())
	}
}

func TestController_SpeakAndInterrupt(t *testing.T) {
	_, sink, speaker, _, _ := newTestController(t)

	sink.mu.Lock()
	speak, interrupt := sink.onSpeak, sink.onInterrupt
	sink.mu.Unlock()

	speak(make([]byte, 480), 24000)
	interrupt()

	speaker.mu.Lock()
	defer speaker.mu.Unlock()
	if speaker.queued != 480 || speaker.flushes != 1 {
		t.Errorf("speaker queued=%d flushes=%d", speaker.queued, speaker.flushes)
	}
}

func TestController_ToolCallAck(t *testing.T) {
	ctrl, sink, _, _, _ := newTestController(t)

	var shown protocol.ToolCall
	ctrl.OnToolCall(func(call protocol.ToolCall) { shown = call })

	sink.mu.Lock()
	onToolCall := sink.onToolCall
	sink.mu.Unlock()

	onToolCall(protocol.ToolCall{ID: "1", Name: "show_image", Args: map[string]interface{}{"imageUrl": "x"}})

	if shown.ID != "1" {
		t.Errorf("tool call not broadcast: %+v", shown)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.results) != 1 || sink.results[0].Response["result"] != "ok" {
		t.Errorf("results = %+v", sink.results)
	}
}

func TestController_ManualStart(t *testing.T) {
	ctrl, _, _, _, rec := newTestController(t)

	if err := ctrl.Start(context.Background(), "bt-headset"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if rec.State() != audio.StateRecording {
		t.Fatalf("state = %s", rec.State())
	}
	if ctrl.State().DeviceID != "bt-headset" {
		t.Errorf("device = %s", ctrl.State().DeviceID)
	}

	ctrl.Stop()
	if rec.State() != audio.StateIdle {
		t.Errorf("state = %s, want idle", rec.State())
	}
}

func TestController_StartErrorReported(t *testing.T) {
	ctrl, _, _, backend, _ := newTestController(t)
	backend.SetDenyPermission(true)

	if err := ctrl.Start(context.Background(), ""); err == nil {
		t.Fatal("Start() should fail when permission is denied")
	}
	if ctrl.State().Error == "" {
		t.Error("state should carry the start error")
	}
}

package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-companion/internal/media"
	"github.com/teslashibe/go-companion/internal/platform"
)

func newTestRecorder(t *testing.T, backend *media.MockBackend, caps platform.Capabilities) *Recorder {
	t.Helper()

	acq := NewAcquirer(backend, caps, DefaultAcquirerConfig(), nil, nil)
	rec := NewRecorder(DefaultConfig(), acq, nil, nil)
	t.Cleanup(func() { rec.Close() })
	return rec
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

func TestRecorder_StartStop(t *testing.T) {
	backend := media.NewMockBackend()
	rec := newTestRecorder(t, backend, platform.Desktop("test"))

	var mu sync.Mutex
	var chunks []string
	rec.OnData(func(chunk string) {
		mu.Lock()
		chunks = append(chunks, chunk)
		mu.Unlock()
	})

	if err := rec.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if rec.State() != StateRecording {
		t.Fatalf("state = %s, want recording", rec.State())
	}

	streams := backend.Streams()
	if len(streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(streams))
	}
	streams[0].Push(media.Tone(4096, 16000, 440, 0.5))

	waitFor(t, "two chunks", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(chunks) >= 2
	})

	mu.Lock()
	for i, c := range chunks {
		pcm, err := DecodeChunk(c)
		if err != nil {
			t.Fatalf("chunk %d: decode error = %v", i, err)
		}
		if len(pcm) != 2048*2 {
			t.Errorf("chunk %d: %d bytes, want %d", i, len(pcm), 2048*2)
		}
	}
	mu.Unlock()

	rec.Stop()

	if rec.State() != StateIdle {
		t.Errorf("state = %s, want idle", rec.State())
	}
	if backend.LiveStreams() != 0 {
		t.Errorf("live streams = %d, want 0", backend.LiveStreams())
	}
	if !streams[0].Stopped() {
		t.Error("stream should be stopped")
	}
}

func TestRecorder_StartWhileRecording(t *testing.T) {
	backend := media.NewMockBackend()
	rec := newTestRecorder(t, backend, platform.Desktop("test"))

	if err := rec.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := rec.Start(context.Background(), ""); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	if backend.OpenCount() != 1 {
		t.Errorf("open count = %d, want 1", backend.OpenCount())
	}
}

func TestRecorder_ConcurrentStartSharesAttempt(t *testing.T) {
	backend := media.NewMockBackend()
	backend.Hold()
	rec := newTestRecorder(t, backend, platform.Desktop("test"))

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- rec.Start(context.Background(), "")
		}()
	}

	waitFor(t, "first open", func() bool { return backend.OpenCount() == 1 })
	waitFor(t, "starting state", func() bool { return rec.State() == StateStarting })
	// Give the second caller time to join.
	time.Sleep(20 * time.Millisecond)

	backend.Release()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Start() error = %v", err)
		}
	}

	if backend.OpenCount() != 1 {
		t.Errorf("open count = %d, want 1", backend.OpenCount())
	}
	if backend.LiveStreams() != 1 {
		t.Errorf("live streams = %d, want 1", backend.LiveStreams())
	}
}

func TestRecorder_ConcurrentStartFailsTogether(t *testing.T) {
	backend := media.NewMockBackend()
	backend.SetDenyPermission(true)
	backend.Hold()
	rec := newTestRecorder(t, backend, platform.Desktop("test"))

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- rec.Start(context.Background(), "")
		}()
	}

	waitFor(t, "first open", func() bool { return backend.OpenCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	backend.Release()

	for i := 0; i < 2; i++ {
		err := <-errs
		if !errors.Is(err, media.ErrPermissionDenied) {
			t.Errorf("Start() error = %v, want ErrPermissionDenied", err)
		}
	}

	if rec.State() != StateIdle {
		t.Errorf("state = %s, want idle", rec.State())
	}
	if backend.OpenCount() != 1 {
		t.Errorf("open count = %d, want 1", backend.OpenCount())
	}
}

func TestRecorder_StopWhileIdle(t *testing.T) {
	rec := newTestRecorder(t, media.NewMockBackend(), platform.Desktop("test"))

	rec.Stop()
	rec.Stop()

	if rec.State() != StateIdle {
		t.Errorf("state = %s, want idle", rec.State())
	}
}

func TestRecorder_StopDuringStart(t *testing.T) {
	backend := media.NewMockBackend()
	backend.Hold()
	rec := newTestRecorder(t, backend, platform.Desktop("test"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- rec.Start(context.Background(), "")
	}()

	waitFor(t, "open in flight", func() bool { return backend.OpenCount() == 1 })

	rec.Stop()

	if rec.State() != StateStarting {
		t.Fatalf("state = %s, want starting until the start settles", rec.State())
	}

	backend.Release()

	if err := <-errCh; err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if rec.State() != StateIdle {
		t.Errorf("state = %s, want idle", rec.State())
	}
	if backend.LiveStreams() != 0 {
		t.Errorf("live streams = %d, want 0", backend.LiveStreams())
	}

	streams := backend.Streams()
	if len(streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(streams))
	}
	if !streams[0].Stopped() {
		t.Error("stream should be stopped")
	}
	if streams[0].Connected() {
		t.Error("graph should be disconnected from the stream")
	}
}

func TestRecorder_NoEventsAfterStop(t *testing.T) {
	backend := media.NewMockBackend()
	rec := newTestRecorder(t, backend, platform.Desktop("test"))

	var data, volume atomic.Int32
	rec.OnData(func(string) { data.Add(1) })
	rec.OnVolume(func(float64) { volume.Add(1) })

	if err := rec.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	stream := backend.Streams()[0]
	stream.Push(media.Tone(2048, 16000, 440, 0.5))

	waitFor(t, "first chunk", func() bool { return data.Load() == 1 })

	rec.Stop()

	gotData, gotVolume := data.Load(), volume.Load()

	// The device keeps delivering for a moment after teardown.
	stream.PushStale(media.Tone(8192, 16000, 440, 0.5))
	time.Sleep(20 * time.Millisecond)

	if data.Load() != gotData {
		t.Errorf("data events after stop: %d -> %d", gotData, data.Load())
	}
	if volume.Load() != gotVolume {
		t.Errorf("volume events after stop: %d -> %d", gotVolume, volume.Load())
	}
}

func TestRecorder_UnsupportedPlatform(t *testing.T) {
	backend := media.NewMockBackend()
	rec := newTestRecorder(t, backend, platform.Unsupported("test"))

	err := rec.Start(context.Background(), "")
	if !errors.Is(err, media.ErrUnsupportedPlatform) {
		t.Fatalf("Start() error = %v, want ErrUnsupportedPlatform", err)
	}

	if rec.State() != StateIdle {
		t.Errorf("state = %s, want idle", rec.State())
	}
	if backend.OpenCount() != 0 {
		t.Errorf("open count = %d, want 0", backend.OpenCount())
	}
}

func TestRecorder_NonexistentDevice(t *testing.T) {
	backend := media.NewMockBackend()
	rec := newTestRecorder(t, backend, platform.Desktop("test"))

	err := rec.Start(context.Background(), "nonexistent-device-id")
	if !errors.Is(err, media.ErrDeviceAcquisitionFailed) {
		t.Fatalf("Start() error = %v, want ErrDeviceAcquisitionFailed", err)
	}

	if rec.State() != StateIdle {
		t.Errorf("state = %s, want idle", rec.State())
	}

	stats := rec.GetStats()
	if stats.StartFailures != 1 {
		t.Errorf("start failures = %d, want 1", stats.StartFailures)
	}

	// A later start can succeed.
	if err := rec.Start(context.Background(), "default"); err != nil {
		t.Fatalf("Start() after failure error = %v", err)
	}
}

func TestRecorder_GraphSetupFailureReleasesStream(t *testing.T) {
	backend := media.NewMockBackend()
	backend.SetNativeRate(-1)
	rec := newTestRecorder(t, backend, platform.Desktop("test"))

	err := rec.Start(context.Background(), "")
	if !errors.Is(err, media.ErrGraphSetupFailed) {
		t.Fatalf("Start() error = %v, want ErrGraphSetupFailed", err)
	}

	if rec.State() != StateIdle {
		t.Errorf("state = %s, want idle", rec.State())
	}
	if backend.OpenCount() != 1 {
		t.Errorf("open count = %d, want 1", backend.OpenCount())
	}
	if backend.LiveStreams() != 0 {
		t.Errorf("live streams = %d, want 0", backend.LiveStreams())
	}
	if got := rec.GetStats().StartFailures; got != 1 {
		t.Errorf("start failures = %d, want 1", got)
	}

	// The stream was released, so a healthy device starts normally.
	backend.SetNativeRate(0)
	if err := rec.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() after graph failure error = %v", err)
	}
	if rec.State() != StateRecording {
		t.Errorf("state = %s, want recording", rec.State())
	}
}

func TestRecorder_BackendErrorIsAcquisitionFailure(t *testing.T) {
	backend := media.NewMockBackend()
	backend.SetOpenError(errors.New("device busy"))
	rec := newTestRecorder(t, backend, platform.Desktop("test"))

	err := rec.Start(context.Background(), "")
	if !errors.Is(err, media.ErrDeviceAcquisitionFailed) {
		t.Errorf("Start() error = %v, want ErrDeviceAcquisitionFailed", err)
	}
}

func TestRecorder_CallerCancelDoesNotAbortAttempt(t *testing.T) {
	backend := media.NewMockBackend()
	backend.Hold()
	rec := newTestRecorder(t, backend, platform.Desktop("test"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- rec.Start(ctx, "")
	}()

	waitFor(t, "open in flight", func() bool { return backend.OpenCount() == 1 })
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() error = %v, want context.Canceled", err)
	}

	backend.Release()
	waitFor(t, "recording", func() bool { return rec.State() == StateRecording })
}

func TestRecorder_AtMostOneLiveStream(t *testing.T) {
	backend := media.NewMockBackend()
	rec := newTestRecorder(t, backend, platform.Desktop("test"))

	var maxLive atomic.Int64
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if n := backend.LiveStreams(); n > maxLive.Load() {
				maxLive.Store(n)
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if (i+j)%3 == 0 {
					rec.Stop()
				} else {
					_ = rec.Start(context.Background(), "")
				}
			}
		}(i)
	}
	wg.Wait()
	rec.Stop()
	waitFor(t, "idle", func() bool { return rec.State() == StateIdle })
	close(done)

	if maxLive.Load() > 1 {
		t.Errorf("observed %d live streams at once", maxLive.Load())
	}
	if backend.LiveStreams() != 0 {
		t.Errorf("live streams after final stop = %d, want 0", backend.LiveStreams())
	}
}

func TestRecorder_ResamplesNativeRate(t *testing.T) {
	backend := media.NewMockBackend()
	backend.SetNativeRate(48000)
	rec := newTestRecorder(t, backend, platform.Resolve(platform.ModeSafari))

	var chunks atomic.Int32
	var lastLen atomic.Int32
	rec.OnData(func(chunk string) {
		pcm, _ := DecodeChunk(chunk)
		lastLen.Store(int32(len(pcm)))
		chunks.Add(1)
	})

	if err := rec.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	stream := backend.Streams()[0]
	if c := stream.Constraints(); c.SampleRate != 0 {
		t.Errorf("fixed-rate platform should not request a rate, got %d", c.SampleRate)
	}

	// 48k in, 16k out: 3 * 2048 input frames yield at least one full chunk.
	for i := 0; i < 4; i++ {
		stream.Push(media.Tone(2048, 48000, 440, 0.5))
	}

	waitFor(t, "resampled chunk", func() bool { return chunks.Load() >= 1 })

	if lastLen.Load() != 2048*2 {
		t.Errorf("chunk bytes = %d, want %d", lastLen.Load(), 2048*2)
	}

	stats := rec.GetStats()
	if stats.InputRate != 48000 || stats.OutputRate != 16000 {
		t.Errorf("rates = %d -> %d, want 48000 -> 16000", stats.InputRate, stats.OutputRate)
	}
	if stats.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("mime = %s", stats.MIMEType)
	}
}

type countingUnlocker struct {
	calls atomic.Int32
	err   error
}

func (u *countingUnlocker) Unlock(ctx context.Context) error {
	u.calls.Add(1)
	return u.err
}

func TestRecorder_PlaybackUnlockOnIOS(t *testing.T) {
	tests := []struct {
		name      string
		caps      platform.Capabilities
		unlockErr error
		wantCalls int32
	}{
		{name: "ios unlocks", caps: platform.Resolve(platform.ModeIOS), wantCalls: 1},
		{name: "unlock failure is not fatal", caps: platform.Resolve(platform.ModeIOS), unlockErr: errors.New("no output"), wantCalls: 1},
		{name: "desktop skips unlock", caps: platform.Desktop("test"), wantCalls: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := media.NewMockBackend()
			unlocker := &countingUnlocker{err: tt.unlockErr}

			acq := NewAcquirer(backend, tt.caps, DefaultAcquirerConfig(), nil, nil)
			rec := NewRecorder(DefaultConfig(), acq, unlocker, nil)
			defer rec.Close()

			if err := rec.Start(context.Background(), ""); err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			if got := unlocker.calls.Load(); got != tt.wantCalls {
				t.Errorf("unlock calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestRecorder_EnumerateDoesNotPrimeDuringCapture(t *testing.T) {
	backend := media.NewMockBackend()
	rec := newTestRecorder(t, backend, platform.Desktop("test"))

	if err := rec.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Labels hidden again, as after a browser permission reset.
	backend.SetPermissionGranted(false)

	if _, err := rec.EnumerateInputs(context.Background(), true); err != nil {
		t.Fatalf("EnumerateInputs(prime) error = %v", err)
	}
	if backend.OpenCount() != 1 {
		t.Errorf("open count = %d, want 1", backend.OpenCount())
	}
	if backend.LiveStreams() != 1 {
		t.Errorf("live streams = %d, want 1", backend.LiveStreams())
	}
}

func TestRecorder_UsesStreamPlatform(t *testing.T) {
	backend := media.NewMockBackend()
	ios := platform.Resolve(platform.ModeIOS)
	backend.SetStreamPlatform(&ios)

	unlocker := &countingUnlocker{}
	acq := NewAcquirer(backend, platform.Desktop("browser"), DefaultAcquirerConfig(), nil, nil)
	rec := NewRecorder(DefaultConfig(), acq, unlocker, nil)
	defer rec.Close()

	if err := rec.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := unlocker.calls.Load(); got != 1 {
		t.Errorf("unlock calls = %d, want 1 for an iOS peer", got)
	}

	rec.Stop()

	// A local stream falls back to the acquirer's platform.
	backend.SetStreamPlatform(nil)
	if err := rec.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := unlocker.calls.Load(); got != 1 {
		t.Errorf("unlock calls = %d, want 1 after desktop start", got)
	}
}

func TestRecorder_VolumeEvents(t *testing.T) {
	backend := media.NewMockBackend()
	rec := newTestRecorder(t, backend, platform.Desktop("test"))

	levels := make(chan float64, 128)
	rec.OnVolume(func(level float64) {
		select {
		case levels <- level:
		default:
		}
	})

	if err := rec.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	stream := backend.Streams()[0]
	for i := 0; i < 10; i++ {
		stream.Push(media.Tone(128, 16000, 440, 0.5))
	}

	select {
	case level := <-levels:
		// RMS of a 0.5 sine is ~0.354
		if level < 0.3 || level > 0.4 {
			t.Errorf("level = %f, want ~0.354", level)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no volume event")
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateIdle:      "idle",
		StateStarting:  "starting",
		StateRecording: "recording",
		StateStopping:  "stopping",
		State(42):      "unknown",
	}

	for state, want := range tests {
		if state.String() != want {
			t.Errorf("State(%d).String() = %s, want %s", int(state), state.String(), want)
		}
	}
}

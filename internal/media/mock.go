package media

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-companion/internal/platform"
)

// MockBackend is an in-memory capture backend for testing and demos
type MockBackend struct {
	mu          sync.Mutex
	devices     []DeviceInfo
	granted     bool
	deny        bool
	openErr     error
	gate        chan struct{}
	nativeRate  int
	remote      *platform.Capabilities
	generate    bool
	blockFrames int
	streams     []*MockStream

	opens atomic.Int64
	live  atomic.Int64
}

// DefaultMockDevices returns a built-in mic and a Bluetooth headset
func DefaultMockDevices() []DeviceInfo {
	return []DeviceInfo{
		{ID: "default", Label: "Built-in Microphone", GroupID: "builtin", IsDefault: true},
		{ID: "bt-headset", Label: "Jabra Evolve2 65 (Bluetooth)", GroupID: "jabra"},
	}
}

// NewMockBackend creates a mock backend with DefaultMockDevices.
// Permission is not granted until the first successful Open.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		devices:     DefaultMockDevices(),
		blockFrames: 128,
	}
}

// NewMockBackendWithTone creates a mock whose streams generate a 440 Hz tone
func NewMockBackendWithTone() *MockBackend {
	m := NewMockBackend()
	m.generate = true
	return m
}

// Name returns the backend type name
func (m *MockBackend) Name() string {
	return "mock"
}

// SetDevices replaces the device list
func (m *MockBackend) SetDevices(devices []DeviceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = devices
}

// SetPermissionGranted marks microphone permission as already granted
func (m *MockBackend) SetPermissionGranted(granted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.granted = granted
}

// SetDenyPermission makes Open fail with ErrPermissionDenied
func (m *MockBackend) SetDenyPermission(deny bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deny = deny
}

// SetOpenError makes Open fail with err
func (m *MockBackend) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SetNativeRate forces streams to this rate regardless of the request.
// A negative rate simulates a device reporting a broken format.
func (m *MockBackend) SetNativeRate(rate int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nativeRate = rate
}

// SetStreamPlatform makes new streams report caps as their capturing
// platform, like a remote browser peer. Nil restores local streams.
func (m *MockBackend) SetStreamPlatform(caps *platform.Capabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = caps
}

// Hold makes subsequent Open calls block until Release is called
func (m *MockBackend) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
}

// Release unblocks Open calls held by Hold
func (m *MockBackend) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// EnumerateInputs lists devices; labels are blank until permission is granted
func (m *MockBackend) EnumerateInputs(ctx context.Context) ([]DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DeviceInfo, len(m.devices))
	copy(out, m.devices)
	if !m.granted {
		for i := range out {
			out[i].Label = ""
		}
	}
	return out, nil
}

// Open acquires a mock stream
func (m *MockBackend) Open(ctx context.Context, c Constraints) (Stream, error) {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()

	m.opens.Add(1)

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deny {
		return nil, fmt.Errorf("open: %w", ErrPermissionDenied)
	}
	if m.openErr != nil {
		return nil, m.openErr
	}

	var dev DeviceInfo
	if c.DeviceID != "" {
		d, ok := FindDevice(m.devices, c.DeviceID)
		if !ok {
			return nil, fmt.Errorf("open %q: %w", c.DeviceID, ErrNoDevice)
		}
		dev = d
	} else {
		d, ok := DefaultDevice(m.devices)
		if !ok {
			return nil, fmt.Errorf("open default: %w", ErrNoDevice)
		}
		dev = d
	}

	rate := c.SampleRate
	switch {
	case m.nativeRate != 0:
		rate = m.nativeRate
	case rate <= 0:
		rate = 48000
	}

	m.granted = true

	s := &MockStream{
		backend:     m,
		device:      dev,
		rate:        rate,
		constraints: c,
		remote:      m.remote,
		stopCh:      make(chan struct{}),
	}
	m.streams = append(m.streams, s)
	m.live.Add(1)

	if m.generate && rate > 0 {
		go s.toneLoop(m.blockFrames)
	}

	return s, nil
}

// Close releases the backend
func (m *MockBackend) Close() error {
	m.mu.Lock()
	streams := append([]*MockStream(nil), m.streams...)
	m.mu.Unlock()

	for _, s := range streams {
		s.Stop()
	}
	return nil
}

// OpenCount returns how many times Open was called
func (m *MockBackend) OpenCount() int64 {
	return m.opens.Load()
}

// LiveStreams returns how many opened streams are not stopped yet
func (m *MockBackend) LiveStreams() int64 {
	return m.live.Load()
}

// Streams returns every stream opened so far
func (m *MockBackend) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockStream(nil), m.streams...)
}

// MockStream is a stream opened by MockBackend
type MockStream struct {
	backend     *MockBackend
	device      DeviceInfo
	rate        int
	constraints Constraints
	remote      *platform.Capabilities

	mu        sync.Mutex
	sink      Sink
	lastSink  Sink
	stopped   bool
	stopCh    chan struct{}
	delivered atomic.Int64
}

// Platform reports the remote platform set with SetStreamPlatform
func (s *MockStream) Platform() (platform.Capabilities, bool) {
	if s.remote == nil {
		return platform.Capabilities{}, false
	}
	return *s.remote, true
}

// DeviceID returns the opened device id
func (s *MockStream) DeviceID() string { return s.device.ID }

// Label returns the opened device label
func (s *MockStream) Label() string { return s.device.Label }

// SampleRate returns the stream rate
func (s *MockStream) SampleRate() int { return s.rate }

// Constraints returns the constraints the stream was opened with
func (s *MockStream) Constraints() Constraints { return s.constraints }

// Connect routes samples to sink
func (s *MockStream) Connect(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
	s.lastSink = sink
}

// Disconnect stops routing samples
func (s *MockStream) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = nil
}

// Connected reports whether a sink is attached
func (s *MockStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != nil
}

// Stop releases the stream
func (s *MockStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	s.sink = nil
	close(s.stopCh)
	s.backend.live.Add(-1)
	return nil
}

// Stopped reports whether Stop was called
func (s *MockStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Push delivers samples to the connected sink, like a hardware callback
func (s *MockStream) Push(samples []float32) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()

	if sink == nil {
		return
	}
	buf := make([]float32, len(samples))
	copy(buf, samples)
	s.delivered.Add(int64(len(buf)))
	sink(buf)
}

// PushStale delivers samples to the last sink ever connected, even after
// Disconnect or Stop. It simulates a device callback racing teardown.
func (s *MockStream) PushStale(samples []float32) {
	s.mu.Lock()
	sink := s.lastSink
	s.mu.Unlock()

	if sink == nil {
		return
	}
	buf := make([]float32, len(samples))
	copy(buf, samples)
	sink(buf)
}

// Delivered returns the number of samples pushed to a sink
func (s *MockStream) Delivered() int64 {
	return s.delivered.Load()
}

func (s *MockStream) toneLoop(blockFrames int) {
	interval := time.Duration(blockFrames) * time.Second / time.Duration(s.rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * 440 / float64(s.rate)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			block := make([]float32, blockFrames)
			for i := range block {
				block[i] = float32(0.5 * math.Sin(phase))
				phase += step
			}
			phase = math.Mod(phase, 2*math.Pi)
			s.Push(block)
		}
	}
}

// Tone returns n samples of a sine wave at freq Hz
func Tone(n, rate int, freq, amplitude float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

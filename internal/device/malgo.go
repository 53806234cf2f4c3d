// Package device provides capture from the host's microphones
package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/teslashibe/go-companion/internal/media"
)

// Backend captures from local input devices through miniaudio
type Backend struct {
	logger *slog.Logger

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	closed bool
}

// NewBackend initializes the miniaudio context
func NewBackend(logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		logger.Debug("miniaudio", "message", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init audio context: %v", media.ErrUnsupportedPlatform, err)
	}

	logger.Info("local capture backend initialized")

	return &Backend{
		logger: logger,
		ctx:    ctx,
	}, nil
}

// Name returns the backend type name
func (b *Backend) Name() string {
	return "local"
}

// EnumerateInputs lists capture devices
func (b *Backend) EnumerateInputs(ctx context.Context) ([]media.DeviceInfo, error) {
	infos, err := b.captureDevices()
	if err != nil {
		return nil, err
	}

	out := make([]media.DeviceInfo, 0, len(infos))
	for i := range infos {
		info := &infos[i]
		out = append(out, media.DeviceInfo{
			ID:        info.ID.String(),
			Label:     info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return out, nil
}

func (b *Backend) captureDevices() ([]malgo.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("backend closed")
	}

	infos, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}
	return infos, nil
}

// Open starts a capture device. The stream runs until Stop; samples are
// dropped while no sink is connected.
func (b *Backend) Open(ctx context.Context, c media.Constraints) (media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	infos, err := b.captureDevices()
	if err != nil {
		return nil, err
	}

	var selected *malgo.DeviceInfo
	for i := range infos {
		info := &infos[i]
		if c.DeviceID != "" && info.ID.String() == c.DeviceID {
			selected = info
			break
		}
		if c.DeviceID == "" && info.IsDefault != 0 {
			selected = info
		}
	}
	if selected == nil && c.DeviceID == "" && len(infos) > 0 {
		selected = &infos[0]
	}
	if selected == nil {
		if c.DeviceID != "" {
			return nil, fmt.Errorf("open %q: %w", c.DeviceID, media.ErrNoDevice)
		}
		return nil, fmt.Errorf("open default: %w", media.ErrNoDevice)
	}

	channels := c.Channels
	if channels <= 0 {
		channels = 1
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(c.SampleRate) // 0 keeps the native rate
	cfg.PeriodSizeInMilliseconds = 20
	cfg.Alsa.NoMMap = 1

	id := selected.ID
	cfg.Capture.DeviceID = id.Pointer()

	s := &stream{
		id:       id.String(),
		label:    selected.Name(),
		channels: channels,
		logger:   b.logger,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("backend closed")
	}
	device, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: s.onFrames,
	})
	b.mu.Unlock()
	if err != nil {
		return nil, classifyInit(err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, classifyInit(err)
	}

	s.device = device
	s.rate = int(device.SampleRate())

	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		b.logger.Debug("voice processing requested but not provided by miniaudio",
			"echo_cancellation", c.EchoCancellation,
			"noise_suppression", c.NoiseSuppression,
			"auto_gain_control", c.AutoGainControl,
		)
	}

	return s, nil
}

// classifyInit maps device init failures to the capture taxonomy.
// miniaudio reports a refused OS prompt as an access error.
func classifyInit(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("%w: %v", media.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", media.ErrDeviceAcquisitionFailed, err)
}

// Close releases the miniaudio context
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if err := b.ctx.Uninit(); err != nil {
		b.logger.Warn("audio context uninit failed", "error", err)
	}
	b.ctx.Free()

	b.logger.Info("local capture backend closed")
	return nil
}

// stream is one running capture device
type stream struct {
	device   *malgo.Device
	id       string
	label    string
	rate     int
	channels int
	logger   *slog.Logger

	mu      sync.Mutex
	sink    media.Sink
	stopped bool
}

func (s *stream) DeviceID() string { return s.id }
func (s *stream) Label() string    { return s.label }
func (s *stream) SampleRate() int  { return s.rate }

func (s *stream) Connect(sink media.Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *stream) Disconnect() {
	s.mu.Lock()
	s.sink = nil
	s.mu.Unlock()
}

// onFrames runs on the miniaudio thread. Interleaved input is downmixed.
func (s *stream) onFrames(_, input []byte, frames uint32) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()

	if sink == nil || frames == 0 {
		return
	}

	n := int(frames)
	if len(input) < n*s.channels*4 {
		n = len(input) / (s.channels * 4)
	}

	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for ch := 0; ch < s.channels; ch++ {
			off := (i*s.channels + ch) * 4
			sum += math.Float32frombits(binary.LittleEndian.Uint32(input[off:]))
		}
		samples[i] = sum / float32(s.channels)
	}

	sink(samples)
}

func (s *stream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.sink = nil
	s.mu.Unlock()

	var err error
	if s.device != nil {
		if stopErr := s.device.Stop(); stopErr != nil {
			err = fmt.Errorf("stop device: %w", stopErr)
		}
		s.device.Uninit()
	}

	s.logger.Debug("capture device released", "device_id", s.id)
	return err
}

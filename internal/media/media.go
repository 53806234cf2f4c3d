// Package media defines capture devices, streams and the backends that open them
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/teslashibe/go-companion/internal/platform"
)

// Capture failures. Backends wrap these with %w so callers can use errors.Is.
var (
	ErrPermissionDenied        = errors.New("microphone permission denied")
	ErrUnsupportedPlatform     = errors.New("capture APIs not available on this platform")
	ErrDeviceAcquisitionFailed = errors.New("device acquisition failed")
	ErrGraphSetupFailed        = errors.New("audio graph setup failed")

	// ErrNoDevice is an acquisition failure caused by a missing device
	ErrNoDevice = fmt.Errorf("%w: no such input device", ErrDeviceAcquisitionFailed)
)

// DeviceInfo describes an audio input device.
// Label is empty until microphone permission was granted.
type DeviceInfo struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	GroupID   string `json:"group_id,omitempty"`
	IsDefault bool   `json:"is_default"`
}

// Constraints are the requested stream settings
type Constraints struct {
	DeviceID         string `json:"device_id,omitempty"` // exact match when set
	SampleRate       int    `json:"sample_rate"`         // requested, not guaranteed
	Channels         int    `json:"channels"`
	EchoCancellation bool   `json:"echo_cancellation"`
	NoiseSuppression bool   `json:"noise_suppression"`
	AutoGainControl  bool   `json:"auto_gain_control"`
}

// Sink receives mono float32 samples in [-1, 1].
// The slice belongs to the sink; backends hand out a fresh slice per call.
type Sink func(samples []float32)

// Stream is an open microphone stream
type Stream interface {
	// DeviceID returns the id of the device actually opened
	DeviceID() string

	// Label returns the device label
	Label() string

	// SampleRate returns the rate samples are delivered at
	SampleRate() int

	// Connect routes samples to sink, replacing any previous sink
	Connect(sink Sink)

	// Disconnect stops routing samples; the device keeps running
	Disconnect()

	// Stop releases the device. Safe to call more than once.
	Stop() error
}

// PlatformReporter is implemented by streams captured on another machine,
// such as a browser peer, whose platform differs from the local one.
type PlatformReporter interface {
	// Platform returns the capturing platform, or false when unknown
	Platform() (platform.Capabilities, bool)
}

// Backend opens streams on a capture platform
type Backend interface {
	// Name returns the backend type name
	Name() string

	// EnumerateInputs lists audio input devices
	EnumerateInputs(ctx context.Context) ([]DeviceInfo, error)

	// Open acquires a stream matching the constraints
	Open(ctx context.Context, c Constraints) (Stream, error)

	// Close releases backend resources
	Close() error
}

// FindDevice returns the device with the given id
func FindDevice(devices []DeviceInfo, id string) (DeviceInfo, bool) {
	for _, d := range devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

// DefaultDevice returns the default device, or the first one
func DefaultDevice(devices []DeviceInfo) (DeviceInfo, bool) {
	for _, d := range devices {
		if d.IsDefault {
			return d, true
		}
	}
	if len(devices) > 0 {
		return devices[0], true
	}
	return DeviceInfo{}, false
}

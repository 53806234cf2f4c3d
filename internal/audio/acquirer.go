package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/teslashibe/go-companion/internal/media"
	"github.com/teslashibe/go-companion/internal/platform"
)

// DefaultBluetoothHints are label substrings of common headset vendors
var DefaultBluetoothHints = []string{
	"bluetooth",
	"hands-free",
	"headset",
	"airpods",
	"beats",
	"bose",
	"jabra",
	"plantronics",
	"poly",
	"sennheiser",
	"epos",
	"sony",
	"jbl",
	"galaxy buds",
	"pixel buds",
}

// AcquirerConfig configures stream acquisition
type AcquirerConfig struct {
	SampleRate      int      // requested rate
	Channels        int      // requested channel count
	PreferBluetooth bool     // scan for a headset when no device is given
	BluetoothHints  []string // label substrings, case-insensitive
	PrimePermission bool     // open a throwaway stream before enumerating
}

// DefaultAcquirerConfig returns defaults for speech capture
func DefaultAcquirerConfig() AcquirerConfig {
	return AcquirerConfig{
		SampleRate:      16000,
		Channels:        1,
		PreferBluetooth: false,
		BluetoothHints:  DefaultBluetoothHints,
		PrimePermission: true,
	}
}

// HintSource supplies extra headset label hints, e.g. from attached USB dongles
type HintSource interface {
	Hints(ctx context.Context) ([]string, error)
}

// Acquirer requests microphone streams from a backend
type Acquirer struct {
	backend media.Backend
	caps    platform.Capabilities
	cfg     AcquirerConfig
	hints   HintSource
	logger  *slog.Logger
}

// NewAcquirer creates a stream acquirer. hints may be nil.
func NewAcquirer(backend media.Backend, caps platform.Capabilities, cfg AcquirerConfig, hints HintSource, logger *slog.Logger) *Acquirer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Acquirer{
		backend: backend,
		caps:    caps,
		cfg:     cfg,
		hints:   hints,
		logger:  logger,
	}
}

// Backend returns the underlying backend
func (a *Acquirer) Backend() media.Backend {
	return a.backend
}

// Capabilities returns the platform descriptor the acquirer was built with
func (a *Acquirer) Capabilities() platform.Capabilities {
	return a.caps
}

// Constraints returns the stream constraints for a device.
// Processing is disabled on iOS, where it fights the OS audio session.
func (a *Acquirer) Constraints(deviceID string) media.Constraints {
	processing := !a.caps.IOS

	c := media.Constraints{
		DeviceID:         deviceID,
		SampleRate:       a.cfg.SampleRate,
		Channels:         a.cfg.Channels,
		EchoCancellation: processing,
		NoiseSuppression: processing,
		AutoGainControl:  processing,
	}
	if a.caps.FixedSampleRate {
		c.SampleRate = 0
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return c
}

// PrimePermission opens and immediately stops a throwaway stream so the
// platform asks for microphone permission and device labels get populated
func (a *Acquirer) PrimePermission(ctx context.Context) error {
	if !a.caps.MediaDevices {
		return fmt.Errorf("prime permission: %w", media.ErrUnsupportedPlatform)
	}

	stream, err := a.backend.Open(ctx, a.Constraints(""))
	if err != nil {
		return classify("prime permission", err)
	}
	if err := stream.Stop(); err != nil {
		a.logger.Debug("throwaway stream stop failed", "error", err)
	}
	return nil
}

// EnumerateInputs lists input devices. With prime set, permission is
// primed only when some label is still hidden.
func (a *Acquirer) EnumerateInputs(ctx context.Context, prime bool) ([]media.DeviceInfo, error) {
	if !a.caps.MediaDevices {
		return nil, fmt.Errorf("enumerate inputs: %w", media.ErrUnsupportedPlatform)
	}

	devices, err := a.backend.EnumerateInputs(ctx)
	if err != nil {
		return nil, classify("enumerate inputs", err)
	}

	if prime && hiddenLabels(devices) {
		if err := a.PrimePermission(ctx); err != nil {
			return nil, err
		}
		if devices, err = a.backend.EnumerateInputs(ctx); err != nil {
			return nil, classify("enumerate inputs", err)
		}
	}

	a.logger.Debug("audio inputs enumerated",
		"backend", a.backend.Name(),
		"count", len(devices),
	)

	return devices, nil
}

func hiddenLabels(devices []media.DeviceInfo) bool {
	for _, d := range devices {
		if d.Label == "" {
			return true
		}
	}
	return false
}

// RequestStream acquires a microphone stream. An explicit deviceID must exist;
// otherwise the platform default is used, or a Bluetooth headset when
// PreferBluetooth is set and one is found. No retry is attempted.
func (a *Acquirer) RequestStream(ctx context.Context, deviceID string) (media.Stream, error) {
	if !a.caps.MediaDevices {
		return nil, fmt.Errorf("request stream: %w", media.ErrUnsupportedPlatform)
	}

	if deviceID == "" && a.cfg.PreferBluetooth {
		if dev, ok := a.findHeadset(ctx); ok {
			a.logger.Info("using bluetooth headset",
				"device_id", dev.ID,
				"label", dev.Label,
			)
			deviceID = dev.ID
		} else {
			a.logger.Debug("no bluetooth headset found, using default device")
		}
	}

	constraints := a.Constraints(deviceID)

	stream, err := a.backend.Open(ctx, constraints)
	if err != nil {
		return nil, classify("request stream", err)
	}

	a.logger.Info("microphone stream acquired",
		"device_id", stream.DeviceID(),
		"label", stream.Label(),
		"sample_rate", stream.SampleRate(),
		"echo_cancellation", constraints.EchoCancellation,
	)

	return stream, nil
}

// findHeadset scans device labels for a headset. Best effort: every failure
// falls back to the default device.
func (a *Acquirer) findHeadset(ctx context.Context) (media.DeviceInfo, bool) {
	devices, err := a.EnumerateInputs(ctx, a.cfg.PrimePermission)
	if err != nil {
		a.logger.Debug("headset scan failed", "error", err)
		return media.DeviceInfo{}, false
	}

	hints := a.cfg.BluetoothHints
	if a.hints != nil {
		extra, err := a.hints.Hints(ctx)
		if err != nil {
			a.logger.Debug("headset hint probe failed", "error", err)
		}
		// Probe hints name an attached dongle, so they are tried first.
		hints = append(extra, hints...)
	}

	return MatchHeadset(devices, hints)
}

// MatchHeadset returns the first device whose label contains a hint.
// Hints are tried in order, so earlier hints take priority.
func MatchHeadset(devices []media.DeviceInfo, hints []string) (media.DeviceInfo, bool) {
	for _, hint := range hints {
		h := strings.ToLower(strings.TrimSpace(hint))
		if h == "" {
			continue
		}
		for _, d := range devices {
			if strings.Contains(strings.ToLower(d.Label), h) {
				return d, true
			}
		}
	}
	return media.DeviceInfo{}, false
}

// classify maps backend errors onto the capture error taxonomy
func classify(op string, err error) error {
	switch {
	case errors.Is(err, media.ErrPermissionDenied),
		errors.Is(err, media.ErrUnsupportedPlatform),
		errors.Is(err, media.ErrDeviceAcquisitionFailed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, media.ErrDeviceAcquisitionFailed, err)
	}
}

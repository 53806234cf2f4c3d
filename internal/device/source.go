package device

import (
	"log/slog"

	"github.com/teslashibe/go-companion/internal/media"
)

// NewSource creates the local capture backend
func NewSource(logger *slog.Logger) (media.Backend, error) {
	backend, err := NewBackend(logger)
	if err == nil {
		return backend, nil
	}

	logger.Warn("local capture unavailable",
		"error", err,
		"hint", "check that an audio server (PulseAudio, PipeWire, CoreAudio) is running",
	)
	return nil, err
}

// NewSourceWithFallback returns the local backend, or a tone generating
// mock when no audio subsystem is present.
func NewSourceWithFallback(logger *slog.Logger) media.Backend {
	source, err := NewSource(logger)
	if err == nil {
		return source
	}

	logger.Warn("using mock capture backend - no audio hardware available")
	return media.NewMockBackendWithTone()
}

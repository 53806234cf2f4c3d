package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-companion/internal/media"
	"github.com/teslashibe/go-companion/internal/platform"
)

// Unlocker plays silence through the output device.
// iOS only starts delivering capture callbacks reliably once the audio
// session has played something in play-and-record mode.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// GraphConfig configures the processing graph
type GraphConfig struct {
	TargetRate    int           // output rate of the encoder
	BufferSize    int           // samples per emitted chunk
	MeterInterval time.Duration // volume post cadence
	PortSize      int           // queued blocks per unit before dropping
}

// DefaultGraphConfig returns defaults matching 16 kHz speech capture
func DefaultGraphConfig() GraphConfig {
	return GraphConfig{
		TargetRate:    16000,
		BufferSize:    2048,
		MeterInterval: 25 * time.Millisecond,
		PortSize:      64,
	}
}

// Graph fans one stream out to an encoder unit and a meter unit, each
// running in its own goroutine behind its own port
type Graph struct {
	stream     media.Stream
	inputRate  int
	outputRate int
	logger     *slog.Logger

	mu     sync.RWMutex
	closed atomic.Bool
	ports  []chan []float32
	wg     sync.WaitGroup

	dropped atomic.Uint64
}

// NewGraph builds and starts the graph. onData receives base64 PCM chunks,
// onVolume receives levels. Neither is called once Close has returned.
func NewGraph(
	ctx context.Context,
	stream media.Stream,
	cfg GraphConfig,
	caps platform.Capabilities,
	unlocker Unlocker,
	onData func(string),
	onVolume func(float64),
	logger *slog.Logger,
) (*Graph, error) {
	if logger == nil {
		logger = slog.Default()
	}

	inputRate := stream.SampleRate()
	if inputRate <= 0 {
		return nil, fmt.Errorf("%w: stream reports sample rate %d", media.ErrGraphSetupFailed, inputRate)
	}
	if cfg.TargetRate <= 0 || cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("%w: invalid target rate %d or buffer size %d",
			media.ErrGraphSetupFailed, cfg.TargetRate, cfg.BufferSize)
	}
	if cfg.PortSize <= 0 {
		cfg.PortSize = 1
	}

	g := &Graph{
		stream:     stream,
		inputRate:  inputRate,
		outputRate: cfg.TargetRate,
		logger:     logger,
	}

	if inputRate != cfg.TargetRate {
		logger.Info("sample rate not honored, resampling in encoder",
			"native_rate", inputRate,
			"target_rate", cfg.TargetRate,
			"fixed_rate_platform", caps.FixedSampleRate,
		)
	}

	encoder := newEncoderUnit(inputRate, cfg.TargetRate, cfg.BufferSize, func(pcm []byte) {
		if g.closed.Load() {
			return
		}
		onData(EncodeChunk(pcm))
	})

	meterFrames := int(cfg.MeterInterval.Seconds() * float64(inputRate))
	meter := newMeterUnit(meterFrames, func(level float64) {
		if g.closed.Load() {
			return
		}
		onVolume(level)
	})

	g.startUnit(encoder.process, cfg.PortSize)
	g.startUnit(meter.process, cfg.PortSize)

	stream.Connect(g.source)

	if caps.RequiresPlaybackUnlock && unlocker != nil {
		if err := unlocker.Unlock(ctx); err != nil {
			logger.Warn("playback unlock failed", "error", err)
		} else {
			logger.Debug("playback unlock done")
		}
	}

	return g, nil
}

func (g *Graph) startUnit(process func([]float32), portSize int) {
	port := make(chan []float32, portSize)
	g.ports = append(g.ports, port)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for samples := range port {
			if g.closed.Load() {
				continue
			}
			process(samples)
		}
	}()
}

// source is the stream sink; it posts each block to every unit.
// It never blocks the capture callback: a full port drops the block.
func (g *Graph) source(samples []float32) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed.Load() {
		return
	}

	for _, port := range g.ports {
		select {
		case port <- samples:
		default:
			g.dropped.Add(1)
		}
	}
}

// InputRate returns the rate samples arrive at
func (g *Graph) InputRate() int {
	return g.inputRate
}

// OutputRate returns the rate of emitted chunks
func (g *Graph) OutputRate() int {
	return g.outputRate
}

// Dropped returns the number of blocks dropped on full ports
func (g *Graph) Dropped() uint64 {
	return g.dropped.Load()
}

// Close disconnects the source and waits for both units to exit.
// Must not be called from an onData or onVolume callback.
func (g *Graph) Close() {
	g.mu.Lock()
	if g.closed.Swap(true) {
		g.mu.Unlock()
		return
	}
	g.stream.Disconnect()
	for _, port := range g.ports {
		close(port)
	}
	g.mu.Unlock()

	g.wg.Wait()
}

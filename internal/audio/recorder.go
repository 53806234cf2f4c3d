// Package audio provides microphone capture for realtime model streaming:
// stream acquisition, the encoding graph, event fan-out and the recorder
// lifecycle.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-companion/internal/media"
	"github.com/teslashibe/go-companion/internal/platform"
)

// State is the recorder lifecycle state
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds recorder configuration
type Config struct {
	Graph GraphConfig
}

// DefaultConfig returns defaults for 16 kHz speech capture
func DefaultConfig() Config {
	return Config{
		Graph: DefaultGraphConfig(),
	}
}

// session is one open capture: a stream and the graph reading it
type session struct {
	stream    media.Stream
	graph     *Graph
	deviceID  string
	label     string
	startedAt time.Time
}

// attempt is an in-flight start shared by concurrent callers
type attempt struct {
	done chan struct{}
	err  error
}

// Recorder owns the single capture session.
// State machine: idle -> starting -> recording -> stopping -> idle,
// and starting -> idle on failure.
type Recorder struct {
	cfg      Config
	acquirer *Acquirer
	caps     platform.Capabilities
	unlocker Unlocker
	logger   *slog.Logger
	emitter  *Emitter

	baseCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	state       State
	pending     *attempt
	stopPending bool
	session     *session
	stopped     chan struct{} // closed when the current stopping phase ends

	// Stats
	starts        atomic.Uint64
	startFailures atomic.Uint64
	chunks        atomic.Uint64
	chunkBytes    atomic.Uint64
	volumes       atomic.Uint64
	lastVolume    atomic.Uint64 // math.Float64bits
}

// NewRecorder creates a recorder. unlocker may be nil.
func NewRecorder(cfg Config, acquirer *Acquirer, unlocker Unlocker, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Recorder{
		cfg:      cfg,
		acquirer: acquirer,
		caps:     acquirer.Capabilities(),
		unlocker: unlocker,
		logger:   logger,
		emitter:  NewEmitter(),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// OnData subscribes to base64 PCM chunks. The callback must not call Stop.
func (r *Recorder) OnData(fn func(chunk string)) (unsubscribe func()) {
	return r.emitter.OnData(fn)
}

// OnVolume subscribes to volume levels. The callback must not call Stop.
func (r *Recorder) OnVolume(fn func(level float64)) (unsubscribe func()) {
	return r.emitter.OnVolume(fn)
}

// EnumerateInputs lists input devices. Priming is skipped while a session
// holds the microphone.
func (r *Recorder) EnumerateInputs(ctx context.Context, prime bool) ([]media.DeviceInfo, error) {
	if state := r.State(); prime && state != StateIdle {
		r.logger.Debug("skipping permission prime during capture", "state", state.String())
		prime = false
	}
	return r.acquirer.EnumerateInputs(ctx, prime)
}

// MIMEType returns the descriptor of emitted chunks
func (r *Recorder) MIMEType() string {
	return PCMMimeType(r.cfg.Graph.TargetRate)
}

// State returns the lifecycle state
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start opens the microphone and begins emitting events. deviceID may be
// empty. Concurrent calls share one acquisition and see the same result.
// Start while recording is a no-op. The acquisition itself is not bound to
// ctx: a caller that gives up returns ctx.Err() while the attempt carries on
// for the others.
func (r *Recorder) Start(ctx context.Context, deviceID string) error {
	if !r.caps.MediaDevices {
		return fmt.Errorf("start: %w", media.ErrUnsupportedPlatform)
	}

	for {
		r.mu.Lock()
		switch r.state {
		case StateRecording:
			r.mu.Unlock()
			return nil

		case StateStopping:
			stopped := r.stopped
			r.mu.Unlock()
			select {
			case <-stopped:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}

		case StateStarting:
			a := r.pending
			r.mu.Unlock()
			return r.wait(ctx, a)

		default:
			a := &attempt{done: make(chan struct{})}
			r.pending = a
			r.stopPending = false
			r.state = StateStarting
			r.mu.Unlock()

			r.starts.Add(1)
			r.logger.Info("starting audio capture",
				"device_id", deviceID,
				"target_rate", r.cfg.Graph.TargetRate,
				"platform", r.caps.Name,
			)

			go r.run(a, deviceID)
			return r.wait(ctx, a)
		}
	}
}

func (r *Recorder) wait(ctx context.Context, a *attempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run performs one start attempt and settles it
func (r *Recorder) run(a *attempt, deviceID string) {
	s, err := r.open(r.baseCtx, deviceID)

	r.mu.Lock()
	r.pending = nil

	if err != nil {
		r.state = StateIdle
		r.stopPending = false
		r.mu.Unlock()

		r.startFailures.Add(1)
		r.logger.Warn("audio capture failed to start", "error", err)

		a.err = err
		close(a.done)
		return
	}

	if r.stopPending {
		// Stop arrived mid-start: release everything before settling.
		r.stopPending = false
		r.state = StateStopping
		r.stopped = make(chan struct{})
		stopped := r.stopped
		r.mu.Unlock()

		r.teardown(s)

		r.mu.Lock()
		r.state = StateIdle
		close(stopped)
		r.mu.Unlock()

		close(a.done)
		return
	}

	r.session = s
	r.state = StateRecording
	r.mu.Unlock()

	r.logger.Info("audio capture started",
		"device_id", s.deviceID,
		"label", s.label,
		"input_rate", s.graph.InputRate(),
		"output_rate", s.graph.OutputRate(),
	)

	close(a.done)
}

func (r *Recorder) open(ctx context.Context, deviceID string) (*session, error) {
	stream, err := r.acquirer.RequestStream(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	caps := r.caps
	if pr, ok := stream.(media.PlatformReporter); ok {
		if remote, ok := pr.Platform(); ok {
			caps = remote
			r.logger.Debug("using stream platform", "platform", caps.Name)
		}
	}

	graph, err := NewGraph(ctx, stream, r.cfg.Graph, caps, r.unlocker,
		r.dispatchData, r.dispatchVolume, r.logger)
	if err != nil {
		if stopErr := stream.Stop(); stopErr != nil {
			r.logger.Debug("stream stop after graph failure", "error", stopErr)
		}
		return nil, fmt.Errorf("build graph: %w", err)
	}

	return &session{
		stream:    stream,
		graph:     graph,
		deviceID:  stream.DeviceID(),
		label:     stream.Label(),
		startedAt: time.Now(),
	}, nil
}

func (r *Recorder) dispatchData(chunk string) {
	r.chunks.Add(1)
	r.chunkBytes.Add(uint64(len(chunk)))
	r.emitter.emitData(chunk)
}

func (r *Recorder) dispatchVolume(level float64) {
	r.volumes.Add(1)
	r.lastVolume.Store(math.Float64bits(level))
	r.emitter.emitVolume(level)
}

// Stop tears the session down. It never fails and is a no-op when idle.
// While a start is in flight, teardown runs as soon as that start settles.
func (r *Recorder) Stop() {
	r.mu.Lock()
	switch r.state {
	case StateIdle, StateStopping:
		r.mu.Unlock()
		return

	case StateStarting:
		r.stopPending = true
		r.mu.Unlock()
		r.logger.Debug("stop deferred until start settles")
		return
	}

	s := r.session
	r.session = nil
	r.state = StateStopping
	r.stopped = make(chan struct{})
	stopped := r.stopped
	r.mu.Unlock()

	r.teardown(s)

	r.mu.Lock()
	r.state = StateIdle
	close(stopped)
	r.mu.Unlock()
}

// teardown is best effort and tolerates partial state
func (r *Recorder) teardown(s *session) {
	if s == nil {
		return
	}

	if s.graph != nil {
		s.graph.Close()
	}
	if s.stream != nil {
		if err := s.stream.Stop(); err != nil {
			r.logger.Warn("stream stop failed", "error", err)
		}
	}

	r.logger.Info("audio capture stopped",
		"device_id", s.deviceID,
		"duration", time.Since(s.startedAt).Round(time.Millisecond),
	)
}

// Close stops capture and abandons any in-flight acquisition
func (r *Recorder) Close() error {
	r.Stop()
	r.cancel()
	return nil
}

// Stats contains recorder statistics
type Stats struct {
	State         State   `json:"state"`
	Recording     bool    `json:"recording"`
	DeviceID      string  `json:"device_id,omitempty"`
	DeviceLabel   string  `json:"device_label,omitempty"`
	InputRate     int     `json:"input_rate,omitempty"`
	OutputRate    int     `json:"output_rate"`
	MIMEType      string  `json:"mime_type"`
	Starts        uint64  `json:"starts"`
	StartFailures uint64  `json:"start_failures"`
	Chunks        uint64  `json:"chunks"`
	ChunkBytes    uint64  `json:"chunk_bytes"`
	VolumeSamples uint64  `json:"volume_samples"`
	LastVolume    float64 `json:"last_volume"`
	DroppedBlocks uint64  `json:"dropped_blocks"`
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
}

// GetStats returns recorder statistics
func (r *Recorder) GetStats() Stats {
	r.mu.Lock()
	state := r.state
	s := r.session
	r.mu.Unlock()

	stats := Stats{
		State:         state,
		Recording:     state == StateRecording,
		OutputRate:    r.cfg.Graph.TargetRate,
		MIMEType:      r.MIMEType(),
		Starts:        r.starts.Load(),
		StartFailures: r.startFailures.Load(),
		Chunks:        r.chunks.Load(),
		ChunkBytes:    r.chunkBytes.Load(),
		VolumeSamples: r.volumes.Load(),
		LastVolume:    math.Float64frombits(r.lastVolume.Load()),
	}

	if s != nil {
		stats.DeviceID = s.deviceID
		stats.DeviceLabel = s.label
		stats.InputRate = s.graph.InputRate()
		stats.DroppedBlocks = s.graph.Dropped()
		stats.UptimeSeconds = time.Since(s.startedAt).Seconds()
	}

	return stats
}

// Package playback plays model audio through the local speaker
package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/teslashibe/go-companion/internal/audio"
)

// Config configures the speaker output
type Config struct {
	SampleRate int
	BufferSize time.Duration
	MaxQueue   time.Duration
}

// DefaultConfig returns 24 kHz mono output, the rate live models speak at
func DefaultConfig() Config {
	return Config{
		SampleRate: 24000,
		BufferSize: 100 * time.Millisecond,
		MaxQueue:   10 * time.Second,
	}
}

// output is the device side of one playback run. *oto.Player satisfies it.
type output interface {
	Play()
	Pause()
	IsPlaying() bool
	Close() error
}

// Player owns the process-wide oto context. Each playback run gets its own
// Queue so a flushed run can never read audio meant for the next one.
type Player struct {
	cfg        Config
	logger     *slog.Logger
	ready      <-chan struct{}
	open       func(io.Reader) output
	queueLimit int

	mu              sync.Mutex
	queue           *Queue
	out             output
	resampler       *audio.Resampler
	sourceRate      int
	retiredOverflow int64
	unlocked        bool
	closed          bool

	chunksPlayed   atomic.Uint64
	bytesPlayed    atomic.Uint64
	playbackErrors atomic.Uint64
	flushes        atomic.Uint64
}

// New opens the output device. oto allows one context per process, so
// a Player should be created once and shared.
func New(cfg Config, logger *slog.Logger) (*Player, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid playback sample rate %d", cfg.SampleRate)
	}

	otoCtx, otoReady, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   cfg.BufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("open speaker: %w", err)
	}

	ready := make(chan struct{})
	go func() {
		<-otoReady
		close(ready)
	}()

	p := newPlayer(cfg, ready, func(r io.Reader) output {
		return otoCtx.NewPlayer(r)
	}, logger)

	logger.Info("speaker output initialized", "sample_rate", cfg.SampleRate)
	return p, nil
}

func newPlayer(cfg Config, ready <-chan struct{}, open func(io.Reader) output, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	limit := int(cfg.MaxQueue.Seconds() * float64(cfg.SampleRate*2))
	return &Player{
		cfg:        cfg,
		logger:     logger,
		ready:      ready,
		open:       open,
		queueLimit: limit,
		queue:      NewQueue(limit),
	}
}

// Enqueue queues PCM16 mono audio recorded at rate
func (p *Player) Enqueue(pcm []byte, rate int) error {
	if len(pcm) == 0 {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("player closed")
	}

	if rate > 0 && rate != p.cfg.SampleRate {
		if p.resampler == nil || p.sourceRate != rate {
			p.resampler = audio.NewResampler(rate, p.cfg.SampleRate)
			p.sourceRate = rate
		}
		pcm = audio.FloatToPCM16(p.resampler.Process(audio.PCM16ToFloat(pcm)))
	}

	p.queue.Write(pcm)
	started := p.startLocked()
	p.mu.Unlock()

	p.play(started)

	p.chunksPlayed.Add(1)
	p.bytesPlayed.Add(uint64(len(pcm)))
	return nil
}

// EnqueueBase64 decodes a base64 chunk and queues it
func (p *Player) EnqueueBase64(data string, rate int) error {
	pcm, err := audio.DecodeChunk(data)
	if err != nil {
		p.playbackErrors.Add(1)
		return fmt.Errorf("decode audio: %w", err)
	}
	return p.Enqueue(pcm, rate)
}

// startLocked creates the output for the current queue if none is running.
// The caller starts it with play after releasing p.mu.
func (p *Player) startLocked() output {
	if p.out != nil {
		return nil
	}
	p.out = p.open(p.queue)
	return p.out
}

// play starts out on its own goroutine. Some backends fill the device
// buffer inside Play, reading until enough audio is queued.
func (p *Player) play(out output) {
	if out == nil {
		return
	}
	go out.Play()
}

// Flush drops queued audio and stops the current player, used when the
// user barges in over the model. The next Enqueue starts a fresh run.
func (p *Player) Flush() {
	p.mu.Lock()
	old := p.queue
	out := p.out
	p.retiredOverflow += old.Overflow()
	p.queue = NewQueue(p.queueLimit)
	p.out = nil
	p.mu.Unlock()

	p.flushes.Add(1)

	old.Flush()
	old.Close()

	if out != nil {
		out.Pause()
		if err := out.Close(); err != nil {
			p.logger.Debug("player close failed", "error", err)
		}
	}
}

// Unlock starts the output with a short burst of silence. Platforms that
// gate audio output on a user gesture need this before capture starts.
func (p *Player) Unlock(ctx context.Context) error {
	select {
	case <-p.ready:
	case <-ctx.Done():
		return fmt.Errorf("speaker not ready: %w", ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("player closed")
	}
	if p.unlocked {
		p.mu.Unlock()
		return nil
	}

	p.queue.Write(make([]byte, p.cfg.SampleRate*2/20)) // 50ms
	started := p.startLocked()
	p.unlocked = true
	p.mu.Unlock()

	p.play(started)

	p.logger.Debug("speaker output unlocked")
	return nil
}

// Stats contains playback statistics
type Stats struct {
	SampleRate     int    `json:"sample_rate"`
	ChunksPlayed   uint64 `json:"chunks_played"`
	BytesPlayed    uint64 `json:"bytes_played"`
	PlaybackErrors uint64 `json:"playback_errors"`
	Flushes        uint64 `json:"flushes"`
	QueuedBytes    int    `json:"queued_bytes"`
	OverflowBytes  int64  `json:"overflow_bytes"`
	Playing        bool   `json:"playing"`
	Unlocked       bool   `json:"unlocked"`
}

// GetStats returns player statistics
func (p *Player) GetStats() Stats {
	p.mu.Lock()
	playing := p.out != nil && p.out.IsPlaying()
	unlocked := p.unlocked
	queue := p.queue
	overflow := p.retiredOverflow
	p.mu.Unlock()

	return Stats{
		SampleRate:     p.cfg.SampleRate,
		ChunksPlayed:   p.chunksPlayed.Load(),
		BytesPlayed:    p.bytesPlayed.Load(),
		PlaybackErrors: p.playbackErrors.Load(),
		Flushes:        p.flushes.Load(),
		QueuedBytes:    queue.Len(),
		OverflowBytes:  overflow + queue.Overflow(),
		Playing:        playing,
		Unlocked:       unlocked,
	}
}

// Close stops playback
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	out := p.out
	p.out = nil
	queue := p.queue
	p.mu.Unlock()

	queue.Close()
	if out != nil {
		return out.Close()
	}
	return nil
}

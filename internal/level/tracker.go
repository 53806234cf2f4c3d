// Package level turns microphone volume events into a smoothed speaking level
package level

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config configures the level tracker
type Config struct {
	BroadcastInterval time.Duration
	SpeakingLatchDur  time.Duration
	EMAAlpha          float64
	SpeakingThreshold float64
	MouthGain         float64
	StaleAfter        time.Duration
	HistorySize       int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BroadcastInterval: 100 * time.Millisecond, // 10Hz
		SpeakingLatchDur:  400 * time.Millisecond,
		EMAAlpha:          0.4,
		SpeakingThreshold: 0.04,
		MouthGain:         4,
		StaleAfter:        250 * time.Millisecond,
		HistorySize:       100,
	}
}

// Reading is a single volume observation
type Reading struct {
	Volume    float64   `json:"volume"`
	Speaking  bool      `json:"speaking"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is the smoothed level at one broadcast tick
type Result struct {
	Reading

	Smoothed        float64 `json:"smoothed"`
	Mouth           float64 `json:"mouth"` // 0 closed .. 1 fully open
	SpeakingLatched bool    `json:"speaking_latched"`
	VADChanged      bool    `json:"-"`
}

// Tracker smooths volume readings and latches speech activity
type Tracker struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	last     Reading
	smoothed float64
	latest   Result
	history  []Result
	primed   bool

	speakingLatchedAt time.Time
	wasSpeaking       bool

	observed     int64
	ticks        int64
	vadChanges   int64
	speakingTime time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	subsMu sync.RWMutex
	subs   map[chan Result]struct{}
}

// NewTracker creates a level tracker
func NewTracker(cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		cfg:     cfg,
		logger:  logger,
		history: make([]Result, 0, cfg.HistorySize),
		done:    make(chan struct{}),
		subs:    make(map[chan Result]struct{}),
	}
}

// Observe records a volume event. Safe to call from any goroutine.
func (t *Tracker) Observe(volume float64) {
	now := time.Now()
	speaking := volume >= t.cfg.SpeakingThreshold

	t.mu.Lock()
	defer t.mu.Unlock()

	t.observed++
	t.last = Reading{Volume: volume, Speaking: speaking, Timestamp: now}

	if !t.primed {
		t.smoothed = volume
		t.primed = true
	} else {
		t.smoothed = t.cfg.EMAAlpha*volume + (1-t.cfg.EMAAlpha)*t.smoothed
	}

	if speaking {
		t.speakingLatchedAt = now
	}
}

// Reset zeroes the level, used when capture stops
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = Reading{Timestamp: time.Now()}
	t.smoothed = 0
	t.primed = false
	t.speakingLatchedAt = time.Time{}
}

// Run broadcasts the current level every interval (blocking, use goroutine)
func (t *Tracker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	defer close(t.done)

	ticker := time.NewTicker(t.cfg.BroadcastInterval)
	defer ticker.Stop()

	t.logger.Info("level tracker started",
		"interval", t.cfg.BroadcastInterval,
		"ema_alpha", t.cfg.EMAAlpha,
		"threshold", t.cfg.SpeakingThreshold,
		"speaking_latch", t.cfg.SpeakingLatchDur,
	)

	for {
		select {
		case <-ctx.Done():
			stats := t.Stats()
			t.logger.Info("level tracker stopped",
				"observed", stats.Observed,
				"vad_changes", stats.VADChanges,
			)
			return ctx.Err()
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Tracker) tick() {
	now := time.Now()

	t.mu.Lock()

	// No events means capture stopped; let the level fall.
	if !t.last.Timestamp.IsZero() && now.Sub(t.last.Timestamp) > t.cfg.StaleAfter {
		t.smoothed *= 1 - t.cfg.EMAAlpha
		if t.smoothed < 1e-4 {
			t.smoothed = 0
		}
	}

	latched := t.updateSpeakingLatch(now)
	changed := latched != t.wasSpeaking
	if changed {
		t.vadChanges++
	}
	if t.wasSpeaking {
		t.speakingTime += t.cfg.BroadcastInterval
	}
	t.wasSpeaking = latched
	t.ticks++

	result := Result{
		Reading:         t.last,
		Smoothed:        t.smoothed,
		Mouth:           clamp(t.smoothed*t.cfg.MouthGain, 0, 1),
		SpeakingLatched: latched,
		VADChanged:      changed,
	}
	t.latest = result
	t.appendHistory(result)
	t.mu.Unlock()

	t.notifySubscribers(result)

	if changed {
		t.logger.Debug("vad changed", "speaking", latched, "level", result.Smoothed)
	}
}

func (t *Tracker) updateSpeakingLatch(now time.Time) bool {
	if t.speakingLatchedAt.IsZero() {
		return false
	}
	return now.Sub(t.speakingLatchedAt) < t.cfg.SpeakingLatchDur
}

func (t *Tracker) appendHistory(result Result) {
	if t.cfg.HistorySize <= 0 {
		return
	}
	t.history = append(t.history, result)

	if len(t.history) > t.cfg.HistorySize {
		copy(t.history, t.history[1:])
		t.history = t.history[:t.cfg.HistorySize]
	}
}

func (t *Tracker) notifySubscribers(result Result) {
	t.subsMu.RLock()
	defer t.subsMu.RUnlock()

	for ch := range t.subs {
		select {
		case ch <- result:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel that receives level updates
func (t *Tracker) Subscribe() chan Result {
	ch := make(chan Result, 10)

	t.subsMu.Lock()
	t.subs[ch] = struct{}{}
	t.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (t *Tracker) Unsubscribe(ch chan Result) {
	t.subsMu.Lock()
	if _, exists := t.subs[ch]; exists {
		delete(t.subs, ch)
		close(ch)
	}
	t.subsMu.Unlock()
}

// GetLatest returns the most recent broadcast result
func (t *Tracker) GetLatest() Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// History returns a copy of the recent results, oldest first
func (t *Tracker) History() []Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Result(nil), t.history...)
}

// Stats contains tracker statistics
type Stats struct {
	Observed        int64   `json:"observed"`
	Ticks           int64   `json:"ticks"`
	VADChanges      int64   `json:"vad_changes"`
	SpeakingSeconds float64 `json:"speaking_seconds"`
	HistorySize     int     `json:"history_size"`
	SubscriberCount int     `json:"subscriber_count"`
	SpeakingLatched bool    `json:"speaking_latched"`
	CurrentLevel    float64 `json:"current_level"`
}

// Stats returns tracker statistics
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	stats := Stats{
		Observed:        t.observed,
		Ticks:           t.ticks,
		VADChanges:      t.vadChanges,
		SpeakingSeconds: t.speakingTime.Seconds(),
		HistorySize:     len(t.history),
		SpeakingLatched: t.latest.SpeakingLatched,
		CurrentLevel:    t.latest.Smoothed,
	}
	t.mu.RUnlock()

	t.subsMu.RLock()
	stats.SubscriberCount = len(t.subs)
	t.subsMu.RUnlock()

	return stats
}

// Stop stops the tracker gracefully
func (t *Tracker) Stop() {
	t.mu.RLock()
	cancel := t.cancel
	t.mu.RUnlock()

	if cancel != nil {
		cancel()
		<-t.done
	}

	t.subsMu.Lock()
	for ch := range t.subs {
		close(ch)
		delete(t.subs, ch)
	}
	t.subsMu.Unlock()
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

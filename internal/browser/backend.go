// Package browser receives microphone audio from a browser tab over WebRTC
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/teslashibe/go-companion/internal/media"
	"github.com/teslashibe/go-companion/internal/platform"
)

// Config configures the browser backend
type Config struct {
	STUNServers   []string
	GatherTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		STUNServers:   []string{"stun:stun.l.google.com:19302"},
		GatherTimeout: 5 * time.Second,
	}
}

// Backend is a media.Backend whose devices are connected browser peers.
// A peer is listed once its offer is answered; its microphone track feeds
// the stream opened on it.
type Backend struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	peers  map[string]*peer
	order  []string // most recent last
	closed bool

	nextID atomic.Uint64
}

// peer is one browser tab
type peer struct {
	id      string
	label   string
	caps    platform.Capabilities
	pc      *webrtc.PeerConnection
	created time.Time

	mu       sync.Mutex
	sink     media.Sink
	hasAudio bool

	packets atomic.Uint64
	errors  atomic.Uint64
}

func (p *peer) setSink(sink media.Sink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

func (p *peer) deliver(samples []float32) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()

	if sink != nil {
		sink(samples)
	}
}

// NewBackend creates a browser backend
func NewBackend(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}

	return &Backend{
		cfg:    cfg,
		logger: logger,
		peers:  make(map[string]*peer),
	}
}

// Name returns the backend type name
func (b *Backend) Name() string {
	return "browser"
}

// Offer is an SDP offer posted by a browser tab
type Offer struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	Label     string `json:"label,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Answer is the SDP answer for a browser peer. Capabilities tells the page
// which getUserMedia constraints to apply; the browser owns voice
// processing for its own microphone.
type Answer struct {
	SDP          string                `json:"sdp"`
	Type         string                `json:"type"`
	PeerID       string                `json:"peer_id"`
	Capabilities platform.Capabilities `json:"capabilities"`
}

// HandleOffer answers a browser's offer with a receive-only audio peer.
// ICE candidates are gathered before returning so no trickle channel is
// needed.
func (b *Backend) HandleOffer(ctx context.Context, offer Offer) (Answer, error) {
	if offer.Type != "" && offer.Type != "offer" {
		return Answer{}, fmt.Errorf("expected sdp offer, got %q", offer.Type)
	}
	if strings.TrimSpace(offer.SDP) == "" {
		return Answer{}, fmt.Errorf("empty sdp offer")
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return Answer{}, fmt.Errorf("backend closed")
	}

	var iceServers []webrtc.ICEServer
	if len(b.cfg.STUNServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: b.cfg.STUNServers}}
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return Answer{}, fmt.Errorf("peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return Answer{}, fmt.Errorf("add transceiver: %w", err)
	}

	caps := platform.FromUserAgent(offer.UserAgent)
	p := &peer{
		id:      fmt.Sprintf("browser-%d", b.nextID.Add(1)),
		label:   offer.Label,
		caps:    caps,
		pc:      pc,
		created: time.Now(),
	}
	if p.label == "" {
		p.label = fmt.Sprintf("Browser microphone (%s)", caps.Name)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		b.logger.Debug("got track",
			"peer_id", p.id,
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType,
		)
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go b.handleAudioTrack(p, track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		b.logger.Debug("connection state changed", "peer_id", p.id, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			b.removePeer(p.id)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		pc.Close()
		return Answer{}, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return Answer{}, fmt.Errorf("create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return Answer{}, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(b.cfg.GatherTimeout):
		b.logger.Warn("ice gathering timed out, answering with partial candidates", "peer_id", p.id)
	case <-ctx.Done():
		pc.Close()
		return Answer{}, ctx.Err()
	}

	b.mu.Lock()
	b.peers[p.id] = p
	b.order = append(b.order, p.id)
	b.mu.Unlock()

	b.logger.Info("browser peer added",
		"peer_id", p.id,
		"platform", caps.Name,
		"label", p.label,
	)

	local := pc.LocalDescription()
	return Answer{
		SDP:          local.SDP,
		Type:         local.Type.String(),
		PeerID:       p.id,
		Capabilities: caps,
	}, nil
}

func (b *Backend) handleAudioTrack(p *peer, track *webrtc.TrackRemote) {
	if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeOpus) {
		b.logger.Warn("unsupported audio codec", "peer_id", p.id, "codec", track.Codec().MimeType)
		return
	}

	dec, err := newOpusDecoder()
	if err != nil {
		b.logger.Warn("opus decoder unavailable", "peer_id", p.id, "error", err)
		return
	}

	p.mu.Lock()
	p.hasAudio = true
	p.mu.Unlock()

	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			b.logger.Debug("audio track ended", "peer_id", p.id, "error", err)
			return
		}
		if len(packet.Payload) == 0 {
			continue
		}

		p.packets.Add(1)

		samples, err := dec.decode(packet.Payload)
		if err != nil {
			p.errors.Add(1)
			continue
		}
		p.deliver(samples)
	}
}

func (b *Backend) removePeer(id string) {
	b.mu.Lock()
	p, ok := b.peers[id]
	if ok {
		delete(b.peers, id)
		for i, pid := range b.order {
			if pid == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	p.setSink(nil)
	if err := p.pc.Close(); err != nil {
		b.logger.Debug("peer close", "peer_id", id, "error", err)
	}
	b.logger.Info("browser peer removed", "peer_id", id, "packets", p.packets.Load())
}

// RemovePeer hangs up a peer
func (b *Backend) RemovePeer(id string) error {
	b.mu.RLock()
	_, ok := b.peers[id]
	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("peer %q: %w", id, media.ErrNoDevice)
	}
	b.removePeer(id)
	return nil
}

// EnumerateInputs lists connected peers; the newest is the default
func (b *Backend) EnumerateInputs(ctx context.Context) ([]media.DeviceInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]media.DeviceInfo, 0, len(b.order))
	for i, id := range b.order {
		p := b.peers[id]
		out = append(out, media.DeviceInfo{
			ID:        p.id,
			Label:     p.label,
			GroupID:   p.caps.Name,
			IsDefault: i == len(b.order)-1,
		})
	}
	return out, nil
}

// Open attaches to a peer's microphone. The browser already asked the user
// for permission before sending its offer.
func (b *Backend) Open(ctx context.Context, c media.Constraints) (media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	var p *peer
	if c.DeviceID != "" {
		p = b.peers[c.DeviceID]
	} else if n := len(b.order); n > 0 {
		p = b.peers[b.order[n-1]]
	}
	b.mu.RUnlock()

	if p == nil {
		if c.DeviceID != "" {
			return nil, fmt.Errorf("open %q: %w", c.DeviceID, media.ErrNoDevice)
		}
		return nil, fmt.Errorf("open: no browser connected: %w", media.ErrNoDevice)
	}

	return &stream{peer: p}, nil
}

// Peer describes a connected browser for stats
type Peer struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Platform string `json:"platform"`
	HasAudio bool   `json:"has_audio"`
	Packets  uint64 `json:"packets"`
	Errors   uint64 `json:"decode_errors"`
	State    string `json:"state"`
}

// Peers returns connected peers
func (b *Backend) Peers() []Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Peer, 0, len(b.order))
	for _, id := range b.order {
		p := b.peers[id]
		p.mu.Lock()
		hasAudio := p.hasAudio
		p.mu.Unlock()

		out = append(out, Peer{
			ID:       p.id,
			Label:    p.label,
			Platform: p.caps.Name,
			HasAudio: hasAudio,
			Packets:  p.packets.Load(),
			Errors:   p.errors.Load(),
			State:    p.pc.ConnectionState().String(),
		})
	}
	return out
}

// Close hangs up every peer
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	ids := append([]string(nil), b.order...)
	b.mu.Unlock()

	for _, id := range ids {
		b.removePeer(id)
	}
	return nil
}

// stream is an attachment to one peer's microphone
type stream struct {
	peer    *peer
	mu      sync.Mutex
	stopped bool
}

func (s *stream) DeviceID() string { return s.peer.id }
func (s *stream) Label() string    { return s.peer.label }
func (s *stream) SampleRate() int  { return opusSampleRate }

// Platform returns the peer's platform, parsed from its User-Agent
func (s *stream) Platform() (platform.Capabilities, bool) {
	return s.peer.caps, true
}

func (s *stream) Connect(sink media.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.peer.setSink(sink)
	}
}

func (s *stream) Disconnect() {
	s.peer.setSink(nil)
}

// Stop detaches from the peer. The peer stays connected for the next Open.
func (s *stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.peer.setSink(nil)
	return nil
}

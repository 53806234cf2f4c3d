package browser

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/teslashibe/go-companion/internal/audio"
)

// Browsers send 48 kHz Opus; a mono decoder downmixes stereo packets.
const (
	opusSampleRate = 48000
	opusChannels   = 1
	// maxFrameSize covers the longest Opus frame (120 ms)
	maxFrameSize = opusSampleRate * 120 / 1000
)

// opusDecoder holds per-peer decoder state across packets
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode turns one Opus packet into float samples
func (d *opusDecoder) decode(packet []byte) ([]float32, error) {
	pcm, err := d.dec.Decode(packet, maxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return audio.Int16ToFloat(pcm), nil
}

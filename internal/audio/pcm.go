package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// PCMMimeType returns the MIME descriptor for 16-bit mono PCM at rate
func PCMMimeType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// FloatToPCM16 converts samples in [-1, 1] to little-endian int16 bytes.
// Out-of-range samples are clamped.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// PCM16ToFloat converts little-endian int16 bytes to float samples.
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// Int16ToFloat converts int16 samples to float samples
func Int16ToFloat(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}

// EncodeChunk returns the text-safe form of a PCM chunk
func EncodeChunk(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeChunk reverses EncodeChunk
func DecodeChunk(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func floatToInt16(s float32) int16 {
	v := float64(s) * 32768
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Resampler converts a mono float stream between rates using linear
// interpolation. State carries across Process calls so block boundaries
// do not click. Not safe for concurrent use.
type Resampler struct {
	from int
	to   int
	step float64

	pos  float64 // read position relative to the current block; -1 is last
	last float32
}

// NewResampler creates a resampler from one rate to another
func NewResampler(from, to int) *Resampler {
	return &Resampler{
		from: from,
		to:   to,
		step: float64(from) / float64(to),
	}
}

// Process resamples one block
func (r *Resampler) Process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	if r.from == r.to {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	at := func(i int) float32 {
		if i < 0 {
			return r.last
		}
		return in[i]
	}

	end := float64(len(in) - 1)
	out := make([]float32, 0, int(float64(len(in))/r.step)+1)

	p := r.pos
	for ; p < end; p += r.step {
		i := int(math.Floor(p))
		frac := float32(p - float64(i))
		a, b := at(i), at(i+1)
		out = append(out, a+(b-a)*frac)
	}

	r.pos = p - float64(len(in))
	r.last = in[len(in)-1]
	return out
}

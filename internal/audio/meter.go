package audio

import "math"

// volumeDecay is the per-block peak-hold decay of the meter
const volumeDecay = 0.7

// meterUnit computes short-window RMS with peak-hold decay and posts the
// level every interval frames
type meterUnit struct {
	volume   float64
	interval int // frames between posts
	next     int
	post     func(float64)
}

func newMeterUnit(interval int, post func(float64)) *meterUnit {
	if interval < 1 {
		interval = 1
	}
	return &meterUnit{
		interval: interval,
		next:     interval,
		post:     post,
	}
}

func (m *meterUnit) process(samples []float32) {
	if len(samples) == 0 {
		return
	}

	m.volume = math.Max(RMS(samples), m.volume*volumeDecay)

	m.next -= len(samples)
	if m.next < 0 {
		m.next += m.interval
		m.post(m.volume)
	}
}

// RMS returns the root mean square of samples, clamped to [0, 1]
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Min(math.Sqrt(sum/float64(len(samples))), 1)
}

package audio

// encoderUnit packages incoming samples into fixed-size int16 buffers at the
// target rate and posts each full buffer as one chunk
type encoderUnit struct {
	resampler  *Resampler
	bufferSize int // samples per chunk
	buf        []byte
	post       func(pcm []byte)
}

func newEncoderUnit(inputRate, targetRate, bufferSize int, post func([]byte)) *encoderUnit {
	e := &encoderUnit{
		bufferSize: bufferSize,
		buf:        make([]byte, 0, bufferSize*2),
		post:       post,
	}
	if inputRate != targetRate {
		e.resampler = NewResampler(inputRate, targetRate)
	}
	return e
}

func (e *encoderUnit) process(samples []float32) {
	if e.resampler != nil {
		samples = e.resampler.Process(samples)
	}

	for _, s := range samples {
		v := uint16(floatToInt16(s))
		e.buf = append(e.buf, byte(v), byte(v>>8))

		if len(e.buf) == e.bufferSize*2 {
			chunk := e.buf
			e.buf = make([]byte, 0, e.bufferSize*2)
			e.post(chunk)
		}
	}
}

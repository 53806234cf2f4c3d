package playback

import "sync"

// Queue is a blocking PCM byte buffer read by the output device
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	limit  int
	closed bool

	overflow int64
}

// NewQueue creates a queue holding at most limit bytes.
// Zero means unbounded.
func NewQueue(limit int) *Queue {
	q := &Queue{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Write appends PCM. When the limit is exceeded the oldest audio is
// discarded so playback stays close to real time.
func (q *Queue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, nil
	}

	q.buf = append(q.buf, p...)
	if q.limit > 0 && len(q.buf) > q.limit {
		drop := len(q.buf) - q.limit
		drop += drop & 1 // keep sample alignment
		if drop > len(q.buf) {
			drop = len(q.buf)
		}
		q.overflow += int64(drop)
		q.buf = append(q.buf[:0], q.buf[drop:]...)
	}

	q.cond.Signal()
	return len(p), nil
}

// Read blocks until audio is queued. After Close it returns silence so
// the device can drain.
func (q *Queue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}

	if len(q.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	return n, nil
}

// Flush discards everything queued
func (q *Queue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.buf)
	q.buf = q.buf[:0]
	return n
}

// Len returns the number of queued bytes
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Overflow returns how many bytes were discarded by the limit
func (q *Queue) Overflow() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflow
}

// Close wakes any blocked reader
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

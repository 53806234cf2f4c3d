package audio

import "sync"

// Emitter holds typed subscriber slots for the two recorder event streams:
// data (base64 PCM chunks) and volume (level in [0, 1])
type Emitter struct {
	mu     sync.RWMutex
	nextID uint64
	data   []dataSlot
	volume []volumeSlot
}

type dataSlot struct {
	id uint64
	fn func(string)
}

type volumeSlot struct {
	id uint64
	fn func(float64)
}

// NewEmitter creates an emitter with no subscribers
func NewEmitter() *Emitter {
	return &Emitter{}
}

// OnData subscribes to data events and returns the unsubscribe func
func (e *Emitter) OnData(fn func(chunk string)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.data = append(e.data, dataSlot{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range e.data {
				if s.id == id {
					e.data = append(e.data[:i:i], e.data[i+1:]...)
					return
				}
			}
		})
	}
}

// OnVolume subscribes to volume events and returns the unsubscribe func
func (e *Emitter) OnVolume(fn func(level float64)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.volume = append(e.volume, volumeSlot{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range e.volume {
				if s.id == id {
					e.volume = append(e.volume[:i:i], e.volume[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribers returns the number of data and volume subscribers
func (e *Emitter) Subscribers() (data, volume int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.data), len(e.volume)
}

// Callbacks run outside the lock so they may unsubscribe themselves.
func (e *Emitter) emitData(chunk string) {
	e.mu.RLock()
	slots := e.data
	e.mu.RUnlock()

	for _, s := range slots {
		s.fn(chunk)
	}
}

func (e *Emitter) emitVolume(level float64) {
	e.mu.RLock()
	slots := e.volume
	e.mu.RUnlock()

	for _, s := range slots {
		s.fn(level)
	}
}

package playback

import (
	"testing"
	"time"
)

func TestQueue_ReadWrite(t *testing.T) {
	q := NewQueue(0)
	q.Write([]byte{1, 2, 3, 4})

	buf := make([]byte, 3)
	n, err := q.Read(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 || buf[0] != 1 || buf[2] != 3 {
		t.Errorf("expected [1 2 3], got %v (n=%d)", buf[:n], n)
	}
	if q.Len() != 1 {
		t.Errorf("expected 1 byte left, got %d", q.Len())
	}
}

func TestQueue_ReadBlocksUntilWrite(t *testing.T) {
	q := NewQueue(0)

	got := make(chan int, 1)
	go func() {
		n, _ := q.Read(make([]byte, 8))
		got <- n
	}()

	select {
	case <-got:
		t.Fatal("read returned before any audio was queued")
	case <-time.After(20 * time.Millisecond):
	}

	q.Write([]byte{9, 9})

	select {
	case n := <-got:
		if n != 2 {
			t.Errorf("expected 2 bytes, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("read never woke up")
	}
}

func TestQueue_LimitDropsOldest(t *testing.T) {
	q := NewQueue(4)
	q.Write([]byte{1, 2, 3, 4})
	q.Write([]byte{5, 6})

	if q.Len() != 4 {
		t.Fatalf("expected 4 bytes queued, got %d", q.Len())
	}
	if q.Overflow() != 2 {
		t.Errorf("expected 2 bytes overflow, got %d", q.Overflow())
	}

	buf := make([]byte, 4)
	q.Read(buf)
	if buf[0] != 3 || buf[3] != 6 {
		t.Errorf("expected newest audio [3 4 5 6], got %v", buf)
	}
}

func TestQueue_FlushAndClose(t *testing.T) {
	q := NewQueue(0)
	q.Write(make([]byte, 10))

	if n := q.Flush(); n != 10 {
		t.Errorf("expected 10 flushed, got %d", n)
	}

	q.Close()

	buf := []byte{7, 7, 7}
	n, err := q.Read(buf)
	if err != nil || n != 3 {
		t.Fatalf("expected silence after close, got n=%d err=%v", n, err)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatalf("expected zeros, got %v", buf)
		}
	}

	if n, _ := q.Write([]byte{1}); n != 0 {
		t.Error("expected write after close to be ignored")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.SampleRate != 24000 {
		t.Errorf("expected 24000, got %d", cfg.SampleRate)
	}
	if cfg.BufferSize != 100*time.Millisecond {
		t.Errorf("expected 100ms buffer, got %v", cfg.BufferSize)
	}
}

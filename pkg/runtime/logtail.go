package runtime

import (
	"sync"
)

// tailBuffer is a bounded writer keeping the last max bytes written. It is
// attached to a container's stdio streams, so writes arrive from engine
// goroutines and must be synchronized against supervisor reads.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

// Write appends p, discarding the oldest bytes once the bound is exceeded.
// Always reports full success so the stream keeps flowing.
func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}

	t.buf = append(t.buf, p...)
	if overflow := len(t.buf) - t.max; overflow > 0 {
		t.buf = t.buf[overflow:]
	}
	return len(p), nil
}

// String returns a copy of the current tail.
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

package session

import (
	"sync"

	"mindgraph/internal/stream"
)

// RingBuffer is a fixed-capacity circular buffer of session events.
// It allows late subscribers to catch up on recent turns.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []stream.Event
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		buf:      make([]stream.Event, capacity),
		capacity: capacity,
	}
}

// Write adds an event to the ring buffer.
func (rb *RingBuffer) Write(event stream.Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = event
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// ReadAll returns all buffered events in arrival order.
func (rb *RingBuffer) ReadAll() []stream.Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]stream.Event, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]stream.Event, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

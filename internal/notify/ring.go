package notify

import (
	"sync"
	"sync/atomic"
)

// ring is a bounded channel with overwrite-oldest semantics. Producers never
// block; when the buffer is full the oldest element is discarded.
//
// Unlike a bare buffered channel it is safe to push concurrently with close:
// pushes after close are ignored.
type ring[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool

	written atomic.Uint64
	dropped atomic.Uint64
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{ch: make(chan T, capacity)}
}

// push inserts v, discarding the oldest element if the buffer is full.
// It reports whether an element was discarded.
func (r *ring[T]) push(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	dropped := false
	for {
		select {
		case r.ch <- v:
			r.written.Add(1)
			return dropped
		default:
		}

		// Consumers may drain concurrently, so the slot may already be free.
		select {
		case <-r.ch:
			r.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

func (r *ring[T]) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}

func (r *ring[T]) len() int { return len(r.ch) }

func (r *ring[T]) capacity() int { return cap(r.ch) }

package core

import "sync"

// Stream is a finite, push-based sequence of text deltas produced by a
// streaming completion. The producer (a provider adapter) pushes deltas
// and closes the stream exactly once; consumers range over Deltas.
// A stream is not restartable.
type Stream struct {
	ch     chan string
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// NewStream creates a stream with a small buffer so slow consumers do not
// stall the provider's read loop immediately.
func NewStream() *Stream {
	return &Stream{
		ch:   make(chan string, 16),
		done: make(chan struct{}),
	}
}

// Deltas returns the receive side of the stream. The channel is closed
// when the completion finishes or fails.
func (s *Stream) Deltas() <-chan string {
	return s.ch
}

// Push delivers one text delta. Pushes after Close are dropped, and a
// push blocked on a full buffer is released when Close arrives instead
// of holding it up.
func (s *Stream) Push(delta string) {
	if delta == "" {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- delta:
	case <-s.done:
	}
}

// Close signals that no further deltas will arrive. Safe to call twice.
func (s *Stream) Close() {
	s.once.Do(func() {
		// Release pushers stuck on a full buffer, then wait for every
		// in-flight push to leave before closing the delta channel.
		close(s.done)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.ch)
	})
}

// Drain collects all remaining deltas into one string. Useful in tests
// and for consumers that only want the aggregate.
func (s *Stream) Drain() string {
	var out string
	for delta := range s.ch {
		out += delta
	}
	return out
}

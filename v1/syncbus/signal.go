package syncbus

import (
	"context"
	"sync"
)

// Signal is the wake primitive shared by local waiters on one channel.
//
// Waiters take a generation snapshot before racing the store and then wait
// for the generation to move. A Wake issued between the snapshot and the
// wait is therefore never lost. An open signal lets every waiter through
// until it is closed again.
type Signal struct {
	mu   sync.Mutex
	gen  uint64
	open bool
	ch   chan struct{}
}

// NewSignal returns a closed signal at generation zero.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Generation returns the current generation.
func (s *Signal) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Wake releases every waiter blocked on the current generation.
func (s *Signal) Wake() {
	s.mu.Lock()
	s.wakeLocked()
	s.mu.Unlock()
}

func (s *Signal) wakeLocked() {
	s.gen++
	close(s.ch)
	s.ch = make(chan struct{})
}

// Open wakes every waiter and keeps the signal passable.
func (s *Signal) Open() {
	s.mu.Lock()
	s.open = true
	s.wakeLocked()
	s.mu.Unlock()
}

// Close re-arms an open signal.
func (s *Signal) Close() {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
}

// IsOpen reports whether the signal is open.
func (s *Signal) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Wait blocks until the generation differs from since, the signal is open
// or ctx is done. Callers bound the wait with a context deadline. It returns
// nil when woken and the context error otherwise.
func (s *Signal) Wait(ctx context.Context, since uint64) error {
	s.mu.Lock()
	if s.open || s.gen != since {
		s.mu.Unlock()
		return nil
	}
	ch := s.ch
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

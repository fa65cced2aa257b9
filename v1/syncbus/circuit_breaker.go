package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Transport with circuit breaker logic. While
// the circuit is open, Subscribe and Publish fail fast instead of piling up
// on an unreachable store.
type CircuitBreaker struct {
	transport Transport
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreaker around t.
func NewCircuitBreaker(t Transport, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		transport: t,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow checks if a request should be allowed.
// It handles the transition from Open to Half-Open based on timeout.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // one probe at a time
	}
	return false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateHalfOpen:
		cb.state = stateClosed
		cb.failures = 0
	case stateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

func (cb *CircuitBreaker) record(err error) {
	if err != nil {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

// Subscribe implements Transport.Subscribe. The acknowledgement outcome of
// the returned subscription also feeds the breaker.
func (cb *CircuitBreaker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if !cb.allow() {
		return nil, ErrCircuitOpen
	}
	sub, err := cb.transport.Subscribe(ctx, channel)
	if err != nil {
		cb.onFailure()
		return nil, err
	}
	return &breakerSubscription{Subscription: sub, cb: cb}, nil
}

// Publish implements Transport.Publish with circuit breaker logic.
func (cb *CircuitBreaker) Publish(ctx context.Context, channel string, payload string) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.transport.Publish(ctx, channel, payload)
	cb.record(err)
	return err
}

type breakerSubscription struct {
	Subscription
	cb *CircuitBreaker
}

func (s *breakerSubscription) Ready(ctx context.Context) error {
	err := s.Subscription.Ready(ctx)
	if ctx.Err() == nil {
		s.cb.record(err)
	}
	return err
}

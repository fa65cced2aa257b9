// Package adaptive tunes how often a cache cleanup pass runs from the sizes
// of its recent batches.
package adaptive

import (
	"sync"
	"time"
)

const (
	DefaultDelay     = 10 * time.Second
	DefaultMinDelay  = 5 * time.Second
	DefaultMaxDelay  = 2 * time.Hour
	DefaultKeysLimit = 500
)

// DelayTuner keeps the last two batch sizes and derives the next delay from
// them and the newest one. It is safe for concurrent use.
type DelayTuner struct {
	MinDelay  time.Duration
	MaxDelay  time.Duration
	KeysLimit int

	mu     sync.Mutex
	delay  time.Duration
	window []int
}

// NewDelayTuner returns a tuner starting at delay. Zero values fall back to
// the defaults; delay is clamped into [minDelay, maxDelay].
func NewDelayTuner(delay, minDelay, maxDelay time.Duration, keysLimit int) *DelayTuner {
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	if keysLimit <= 0 {
		keysLimit = DefaultKeysLimit
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	t := &DelayTuner{MinDelay: minDelay, MaxDelay: maxDelay, KeysLimit: keysLimit}
	t.delay = t.clamp(delay)
	return t
}

// Delay returns the current delay.
func (t *DelayTuner) Delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}

// Window returns a copy of the sizes kept from earlier batches, oldest first.
func (t *DelayTuner) Window() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.window...)
}

// Observe records the size of a finished batch and returns the next delay.
//
// With a full window (oldest, previous):
//   - oldest > previous > current slows down (delay x2)
//   - oldest == previous == current == KeysLimit speeds up (delay /2)
//   - oldest == previous == current == 0 slows down (delay x2)
//
// Anything else keeps the delay.
func (t *DelayTuner) Observe(current int) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.window) == 2 {
		oldest, previous := t.window[0], t.window[1]
		switch {
		case oldest > previous && previous > current:
			t.delay = t.clamp(t.delay * 2)
		case oldest == previous && previous == current && current == t.KeysLimit:
			t.delay = t.clamp(t.delay / 2)
		case oldest == previous && previous == current && current == 0:
			t.delay = t.clamp(t.delay * 2)
		}
		t.window = t.window[1:]
	}
	t.window = append(t.window, current)
	return t.delay
}

func (t *DelayTuner) clamp(d time.Duration) time.Duration {
	return min(max(d, t.MinDelay), t.MaxDelay)
}

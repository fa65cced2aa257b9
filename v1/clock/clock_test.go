package clock

import (
	"testing"
	"time"
)

func TestManualRunsTimersInOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var fired []int
	m.AfterFunc(2*time.Second, func() { fired = append(fired, 2) })
	m.AfterFunc(time.Second, func() { fired = append(fired, 1) })

	m.Advance(500 * time.Millisecond)
	if len(fired) != 0 {
		t.Fatalf("expected no timers fired, got %v", fired)
	}
	m.Advance(2 * time.Second)
	if len(fired) != 2 || fired[0] != 1 || fired[1] != 2 {
		t.Fatalf("unexpected firing order %v", fired)
	}
	if got := m.Now(); !got.Equal(time.Unix(2, 500_000_000)) {
		t.Fatalf("unexpected now %v", got)
	}
}

func TestManualStop(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	called := false
	tm := m.AfterFunc(time.Second, func() { called = true })
	if !tm.Stop() {
		t.Fatal("expected stop to succeed")
	}
	if tm.Stop() {
		t.Fatal("second stop should report false")
	}
	m.Advance(time.Minute)
	if called {
		t.Fatal("stopped timer fired")
	}
}

func TestManualRescheduleWithinAdvance(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		m.AfterFunc(time.Second, tick)
	}
	m.AfterFunc(time.Second, tick)
	m.Advance(3500 * time.Millisecond)
	if count != 3 {
		t.Fatalf("expected 3 ticks, got %d", count)
	}
	if m.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", m.Pending())
	}
}

func TestRealAfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real{}.AfterFunc(5*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
}

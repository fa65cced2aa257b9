package syncbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitFor(s *Signal, since uint64, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Wait(ctx, since)
}

func TestSignalWakeBeforeWaitIsNotLost(t *testing.T) {
	s := NewSignal()
	gen := s.Generation()
	s.Wake()
	if err := waitFor(s, gen, time.Second); err != nil {
		t.Fatalf("expected immediate wake, got %v", err)
	}
}

func TestSignalWakeReleasesAllWaiters(t *testing.T) {
	s := NewSignal()
	gen := s.Generation()
	const waiters = 5
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Wait(context.Background(), gen)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	s.Wake()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("waiter was not woken: %v", err)
		}
	}
}

func TestSignalTimeoutAndCancel(t *testing.T) {
	s := NewSignal()
	start := time.Now()
	if err := waitFor(s, s.Generation(), 10*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("wait returned before timeout")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Wait(ctx, s.Generation()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSignalOpenClose(t *testing.T) {
	s := NewSignal()
	s.Open()
	if !s.IsOpen() {
		t.Fatal("expected open")
	}
	gen := s.Generation()
	if err := waitFor(s, gen, time.Millisecond); err != nil {
		t.Fatal("open signal should let waiters through")
	}
	s.Close()
	if err := waitFor(s, gen, time.Millisecond); err == nil {
		t.Fatal("closed signal should block")
	}
}

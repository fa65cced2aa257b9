// Package lease keeps held locks alive. A Scheduler runs at most one renewal
// timer per lock name, independent of how many times the lock was re-entered
// locally.
package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mirkobrombin/go-tether/v1/clock"
	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/metrics"
)

const defaultRenewTimeout = 5 * time.Second

// Renewer extends the expiry of the record stored under name to ttl.
type Renewer func(ctx context.Context, name string, ttl time.Duration) error

type task struct {
	s     *Scheduler
	name  string
	owner string
	lease time.Duration

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
}

// Scheduler manages renewal timers. It is process-scoped: a name has a live
// timer iff this process holds the lock with that name.
type Scheduler struct {
	renew   Renewer
	clock   clock.Clock
	logger  *slog.Logger
	timeout time.Duration

	tasks *xsync.MapOf[string, *task]
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving renewal timers.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger used to report failed renewals.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithRenewTimeout bounds a single renewal call.
func WithRenewTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// NewScheduler returns a Scheduler that calls renew on every tick.
func NewScheduler(renew Renewer, opts ...Option) *Scheduler {
	s := &Scheduler{
		renew:   renew,
		clock:   clock.Real{},
		logger:  slog.Default(),
		timeout: defaultRenewTimeout,
		tasks:   xsync.NewMapOf[string, *task](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns how often a lease of the given length is renewed.
func Interval(lease time.Duration) time.Duration {
	if i := lease / 3; i > 0 {
		return i
	}
	return lease
}

// Start begins renewing name every lease/3 on behalf of owner. It returns
// false without effect when owner already has a live timer for name with the
// same lease. A live timer with another lease, or of a different owner, is
// replaced: a re-entry may lengthen the lease, and a different owner has
// released the lock before this one acquired it.
func (s *Scheduler) Start(name, owner string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, tethererrors.ErrInvalidLease
	}
	t := &task{s: s, name: name, owner: owner, lease: lease}
	var replaced *task
	started := false
	s.tasks.Compute(name, func(old *task, loaded bool) (*task, bool) {
		if loaded && old.owner == owner && old.lease == lease {
			return old, false
		}
		if loaded {
			replaced = old
		}
		started = true
		return t, false
	})
	if !started {
		return false, nil
	}
	if replaced != nil {
		replaced.stop()
	} else {
		metrics.ActiveRenewalsGauge.Inc()
	}
	t.schedule()
	return true, nil
}

// Stop cancels the timer for name whoever owns it. It reports whether a
// timer was live.
func (s *Scheduler) Stop(name string) bool {
	t, ok := s.tasks.LoadAndDelete(name)
	if !ok {
		return false
	}
	t.stop()
	metrics.ActiveRenewalsGauge.Dec()
	return true
}

// StopOwned cancels the timer for name only when owner runs it.
func (s *Scheduler) StopOwned(name, owner string) bool {
	var stopped *task
	s.tasks.Compute(name, func(old *task, loaded bool) (*task, bool) {
		if loaded && old.owner == owner {
			stopped = old
			return nil, true
		}
		return old, !loaded
	})
	if stopped == nil {
		return false
	}
	stopped.stop()
	metrics.ActiveRenewalsGauge.Dec()
	return true
}

// Active reports whether name has a live renewal timer.
func (s *Scheduler) Active(name string) bool {
	_, ok := s.tasks.Load(name)
	return ok
}

// Owner returns the owner whose timer is live for name.
func (s *Scheduler) Owner(name string) (string, bool) {
	t, ok := s.tasks.Load(name)
	if !ok {
		return "", false
	}
	return t.owner, true
}

// Close stops every timer. Records of locks still held keep their last
// expiry.
func (s *Scheduler) Close() {
	s.tasks.Range(func(name string, _ *task) bool {
		s.Stop(name)
		return true
	})
}

// Len returns the number of live renewal timers.
func (s *Scheduler) Len() int {
	return s.tasks.Size()
}

func (t *task) schedule() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer = t.s.clock.AfterFunc(Interval(t.lease), t.fire)
}

func (t *task) fire() {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}

	// No ownership check: only the holding process has a live timer.
	ctx, cancel := context.WithTimeout(context.Background(), t.s.timeout)
	err := t.s.renew(ctx, t.name, t.lease)
	cancel()
	if err != nil {
		metrics.RenewalFailureCounter.Inc()
		t.s.logger.Warn("tether: lease renewal failed", "lock", t.name, "error", err)
	} else {
		metrics.RenewalCounter.Inc()
	}
	t.schedule()
}

func (t *task) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mirkobrombin/go-tether/v1/adapter"
	"github.com/mirkobrombin/go-tether/v1/cache/adaptive"
	"github.com/mirkobrombin/go-tether/v1/clock"
	"github.com/mirkobrombin/go-tether/v1/metrics"
)

const defaultEvictionTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-tether/v1/cache")

// evictScript removes up to ARGV[2] entries whose expiry is at or before
// ARGV[1] from both the index and the map, and returns how many it removed.
var evictScript = adapter.NewScript(`
local expired = redis.call('zrangebyscore', KEYS[2], 0, ARGV[1], 'limit', 0, ARGV[2])
if #expired > 0 then
  redis.call('zrem', KEYS[2], unpack(expired))
  redis.call('hdel', KEYS[1], unpack(expired))
end
return #expired
`)

// TimeoutSetName returns the key of the expiry index kept beside the map
// cache stored under name.
func TimeoutSetName(name string) string {
	return "tether__timeout__set__{" + name + "}"
}

// EvictionScheduler prunes expired entries of map caches in the background.
// Each cache name gets one self-rescheduling task whose delay adapts to how
// many entries the previous runs removed. Running several schedulers against
// the same store is harmless: removing an entry twice is a no-op.
type EvictionScheduler struct {
	store     adapter.Store
	clock     clock.Clock
	logger    *slog.Logger
	timeout   time.Duration
	delay     time.Duration
	minDelay  time.Duration
	maxDelay  time.Duration
	keysLimit int

	tasks *xsync.MapOf[string, *evictionTask]
}

// EvictionOption configures an EvictionScheduler.
type EvictionOption func(*EvictionScheduler)

// WithEvictionClock sets the clock used for timers and expiry comparisons.
func WithEvictionClock(c clock.Clock) EvictionOption {
	return func(s *EvictionScheduler) { s.clock = c }
}

// WithEvictionLogger sets the logger used to report failed runs.
func WithEvictionLogger(l *slog.Logger) EvictionOption {
	return func(s *EvictionScheduler) { s.logger = l }
}

// WithEvictionDelays sets the initial delay and its bounds.
func WithEvictionDelays(initial, minDelay, maxDelay time.Duration) EvictionOption {
	return func(s *EvictionScheduler) {
		s.delay = initial
		s.minDelay = minDelay
		s.maxDelay = maxDelay
	}
}

// WithKeysLimit caps how many entries a single run removes.
func WithKeysLimit(n int) EvictionOption {
	return func(s *EvictionScheduler) { s.keysLimit = n }
}

// WithEvictionTimeout bounds a single cleanup transaction.
func WithEvictionTimeout(d time.Duration) EvictionOption {
	return func(s *EvictionScheduler) { s.timeout = d }
}

// NewEvictionScheduler returns a scheduler running cleanups against store.
func NewEvictionScheduler(store adapter.Store, opts ...EvictionOption) *EvictionScheduler {
	s := &EvictionScheduler{
		store:     store,
		clock:     clock.Real{},
		logger:    slog.Default(),
		timeout:   defaultEvictionTimeout,
		delay:     adaptive.DefaultDelay,
		minDelay:  adaptive.DefaultMinDelay,
		maxDelay:  adaptive.DefaultMaxDelay,
		keysLimit: adaptive.DefaultKeysLimit,
		tasks:     xsync.NewMapOf[string, *evictionTask](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule starts the cleanup task for the map cache name. Only the first
// call for a name has an effect; it reports whether a task was started.
func (s *EvictionScheduler) Schedule(name string) bool {
	t := &evictionTask{
		s:     s,
		name:  name,
		index: TimeoutSetName(name),
		tuner: adaptive.NewDelayTuner(s.delay, s.minDelay, s.maxDelay, s.keysLimit),
	}
	if _, loaded := s.tasks.LoadOrStore(name, t); loaded {
		return false
	}
	metrics.EvictionDelayGauge.WithLabelValues(name).Set(t.tuner.Delay().Seconds())
	t.schedule(t.tuner.Delay())
	return true
}

// Delay returns the current delay of the task for name.
func (s *EvictionScheduler) Delay(name string) (time.Duration, bool) {
	t, ok := s.tasks.Load(name)
	if !ok {
		return 0, false
	}
	return t.tuner.Delay(), true
}

// Len returns the number of scheduled caches.
func (s *EvictionScheduler) Len() int {
	return s.tasks.Size()
}

// Close stops every task. Tasks already running finish their transaction
// but are not rescheduled.
func (s *EvictionScheduler) Close() {
	s.tasks.Range(func(name string, t *evictionTask) bool {
		t.stop()
		s.tasks.Delete(name)
		return true
	})
}

type evictionTask struct {
	s     *EvictionScheduler
	name  string
	index string
	tuner *adaptive.DelayTuner

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
}

func (t *evictionTask) schedule(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer = t.s.clock.AfterFunc(d, t.run)
}

func (t *evictionTask) run() {
	ctx, cancel := context.WithTimeout(context.Background(), t.s.timeout)
	ctx, span := tracer.Start(ctx, "tether.evict")
	span.SetAttributes(attribute.String("tether.cache", t.name))
	n, err := t.evict(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("tether.removed", n))
	}
	span.End()
	cancel()
	if err != nil {
		// Transient: keep the window and the delay.
		metrics.EvictionFailureCounter.WithLabelValues(t.name).Inc()
		t.s.logger.Warn("tether: eviction run failed", "cache", t.name, "error", err)
		t.schedule(t.tuner.Delay())
		return
	}
	if n > 0 {
		metrics.EvictionRemovedCounter.WithLabelValues(t.name).Add(float64(n))
	}
	d := t.tuner.Observe(n)
	metrics.EvictionDelayGauge.WithLabelValues(t.name).Set(d.Seconds())
	t.s.logger.Debug("tether: eviction run", "cache", t.name, "removed", n, "next", d)
	t.schedule(d)
}

func (t *evictionTask) evict(ctx context.Context) (int, error) {
	now := t.s.clock.Now().UnixMilli()
	res, err := t.s.store.Eval(ctx, evictScript, []string{t.name, t.index}, now, t.tuner.KeysLimit)
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("cache: unexpected eviction reply %T", res)
	}
	return int(n), nil
}

func (t *evictionTask) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

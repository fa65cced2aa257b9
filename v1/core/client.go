// Package core wires the coordination primitives of one process: the store,
// the release-channel notifier, the lease renewal timers and the cache
// eviction tasks. A Client is meant to be created once at startup and shared.
package core

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-tether/v1/adapter"
	"github.com/mirkobrombin/go-tether/v1/cache"
	"github.com/mirkobrombin/go-tether/v1/clock"
	"github.com/mirkobrombin/go-tether/v1/lease"
	"github.com/mirkobrombin/go-tether/v1/lock"
	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

// Client owns the process-scoped registries shared by every lock and map
// cache created through it.
type Client struct {
	id        string
	store     adapter.Store
	transport syncbus.Transport
	notifier  *syncbus.Notifier
	renewals  *lease.Scheduler
	eviction  *cache.EvictionScheduler
	env       *lock.Env
	clock     clock.Clock
	logger    *slog.Logger

	closeOnce sync.Once
	closers   []func() error
}

type options struct {
	id           string
	clock        clock.Clock
	logger       *slog.Logger
	lease        time.Duration
	prefix       string
	retry        time.Duration
	renewTimeout time.Duration
	eviction     []cache.EvictionOption

	breakerThreshold int
	breakerCooldown  time.Duration

	closers []func() error
}

// Option configures a Client.
type Option func(*options)

// WithClientID overrides the random client id written into owner tokens.
func WithClientID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithClock sets the clock for renewal timers, eviction tasks and cache
// expiries.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLease sets the default lock lease.
func WithLease(d time.Duration) Option {
	return func(o *options) { o.lease = d }
}

// WithPrefix sets the release channel prefix.
func WithPrefix(p string) Option {
	return func(o *options) { o.prefix = p }
}

// WithRetryInterval sets the pause after a failed store call while blocked
// on a lock.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) { o.retry = d }
}

// WithRenewTimeout bounds a single lease renewal call.
func WithRenewTimeout(d time.Duration) Option {
	return func(o *options) { o.renewTimeout = d }
}

// WithEvictionDelays sets the initial eviction delay and its bounds.
func WithEvictionDelays(initial, minDelay, maxDelay time.Duration) Option {
	return func(o *options) {
		o.eviction = append(o.eviction, cache.WithEvictionDelays(initial, minDelay, maxDelay))
	}
}

// WithKeysLimit caps how many expired entries one eviction run removes.
func WithKeysLimit(n int) Option {
	return func(o *options) { o.eviction = append(o.eviction, cache.WithKeysLimit(n)) }
}

// WithCircuitBreaker wraps the transport so that after threshold consecutive
// failures subscriptions fail fast for cooldown. Blocked lock callers then
// fall back to retrying on their lease bound.
func WithCircuitBreaker(threshold int, cooldown time.Duration) Option {
	return func(o *options) {
		o.breakerThreshold = threshold
		o.breakerCooldown = cooldown
	}
}

// WithCloser registers f to run on Close, after the client stopped its
// background work. Presets use it to close the connections they opened.
func WithCloser(f func() error) Option {
	return func(o *options) { o.closers = append(o.closers, f) }
}

// New returns a Client running on store and receiving release messages
// through transport.
func New(store adapter.Store, transport syncbus.Transport, opts ...Option) *Client {
	o := options{
		id:     uuid.NewString(),
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.breakerThreshold > 0 {
		transport = syncbus.NewCircuitBreaker(transport, o.breakerThreshold, o.breakerCooldown)
	}

	leaseOpts := []lease.Option{lease.WithClock(o.clock), lease.WithLogger(o.logger)}
	if o.renewTimeout > 0 {
		leaseOpts = append(leaseOpts, lease.WithRenewTimeout(o.renewTimeout))
	}
	evictionOpts := append([]cache.EvictionOption{
		cache.WithEvictionClock(o.clock),
		cache.WithEvictionLogger(o.logger),
	}, o.eviction...)

	c := &Client{
		id:        o.id,
		store:     store,
		transport: transport,
		notifier:  syncbus.NewNotifier(transport, syncbus.WithLogger(o.logger)),
		renewals:  lease.NewScheduler(lock.Renewer(store), leaseOpts...),
		eviction:  cache.NewEvictionScheduler(store, evictionOpts...),
		clock:     o.clock,
		logger:    o.logger,
		closers:   o.closers,
	}
	c.env = &lock.Env{
		ClientID:      c.id,
		Store:         store,
		Notifier:      c.notifier,
		Renewals:      c.renewals,
		Prefix:        o.prefix,
		Lease:         o.lease,
		RetryInterval: o.retry,
		Logger:        o.logger,
	}
	return c
}

// ID returns the client id used as the first half of owner tokens.
func (c *Client) ID() string { return c.id }

// Store returns the underlying store.
func (c *Client) Store() adapter.Store { return c.store }

// Transport returns the transport release messages arrive on.
func (c *Client) Transport() syncbus.Transport { return c.transport }

// Notifier returns the shared release-channel notifier.
func (c *Client) Notifier() *syncbus.Notifier { return c.notifier }

// Renewals returns the lease renewal scheduler.
func (c *Client) Renewals() *lease.Scheduler { return c.renewals }

// Eviction returns the cache eviction scheduler.
func (c *Client) Eviction() *cache.EvictionScheduler { return c.eviction }

// LockEnv returns the environment locks of this client run in.
func (c *Client) LockEnv() *lock.Env { return c.env }

// Mutex returns a handle to the reentrant lock name.
func (c *Client) Mutex(name string, opts ...lock.Option) *lock.Mutex {
	return lock.NewReentrant(c.env, name, opts...)
}

// WriteLock returns a handle to the write-mode lock name.
func (c *Client) WriteLock(name string, opts ...lock.Option) *lock.Mutex {
	return lock.NewWriteMode(c.env, name, opts...)
}

// ReleaseChannel returns the release channel of the reentrant lock name.
func (c *Client) ReleaseChannel(name string) string {
	prefix := c.env.Prefix
	if prefix == "" {
		prefix = lock.DefaultPrefix
	}
	return lock.Reentrant{}.Channel(prefix, name)
}

// NewMapCache returns the map cache name of client c and registers it for
// background eviction.
func NewMapCache[T any](c *Client, name string, opts ...cache.MapCacheOption) *cache.MapCache[T] {
	opts = append([]cache.MapCacheOption{
		cache.WithClock(c.clock),
		cache.WithEviction(c.eviction),
	}, opts...)
	return cache.NewMapCache[T](c.store, name, opts...)
}

// Close stops eviction and renewal timers and runs registered closers.
// Locks still held are left to expire with their lease.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.eviction.Close()
		c.renewals.Close()
		for _, f := range c.closers {
			err = errors.Join(err, f())
		}
	})
	return err
}

package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-tether/v1/adapter"
	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/lease"
	"github.com/mirkobrombin/go-tether/v1/metrics"
	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

const (
	// DefaultLease is the lease applied when the caller does not pick one.
	DefaultLease = 30 * time.Second
	// DefaultPrefix namespaces release channels.
	DefaultPrefix = "tether"

	defaultRetryInterval = 100 * time.Millisecond
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-tether/v1/lock")

// Env holds the process-scoped collaborators shared by every lock of a
// client. The notifier and renewal scheduler are keyed by channel and lock
// name, so a name must not be used as both a Reentrant and a WriteMode lock.
type Env struct {
	// ClientID identifies this process instance in owner tokens.
	ClientID string
	Store    adapter.Store
	Notifier *syncbus.Notifier
	Renewals *lease.Scheduler
	// Prefix namespaces release channels. Defaults to DefaultPrefix.
	Prefix string
	// Lease is the default lease. Defaults to DefaultLease.
	Lease time.Duration
	// RetryInterval bounds the pause after a failed store call inside a
	// blocking acquire.
	RetryInterval time.Duration
	Logger        *slog.Logger
}

func (e *Env) prefix() string {
	if e.Prefix == "" {
		return DefaultPrefix
	}
	return e.Prefix
}

func (e *Env) lease() time.Duration {
	if e.Lease <= 0 {
		return DefaultLease
	}
	return e.Lease
}

func (e *Env) retryInterval() time.Duration {
	if e.RetryInterval <= 0 {
		return defaultRetryInterval
	}
	return e.RetryInterval
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// ReleaseResult is the outcome of a release transaction.
type ReleaseResult int

const (
	// StillHeld means the hold count was decremented but stays positive.
	StillHeld ReleaseResult = iota
	// Released means the record was deleted and a release published.
	Released
	// NoRecord means no record existed; a release was published anyway to
	// wake stale waiters.
	NoRecord
	// Relinquished means the caller's last hold is gone but the record
	// stays for other fields, so nothing was published.
	Relinquished
)

// Encoding is the storage layout of a lock kind. Every method runs as one
// atomic store transaction.
type Encoding interface {
	// Kind labels the encoding in metrics and traces.
	Kind() string
	// Channel returns the release channel for name.
	Channel(prefix, name string) string
	// Acquire takes or re-enters the lock for token. When the lock is
	// held by another owner it reports the holder's remaining TTL.
	Acquire(ctx context.Context, s adapter.Store, name, token string, lease time.Duration) (Remaining, bool, error)
	// Release drops one hold of token. It returns ErrNotHeld when token
	// is not the holder.
	Release(ctx context.Context, s adapter.Store, name, channel, token string, lease time.Duration) (ReleaseResult, error)
	// ForceRelease removes the lock regardless of owner.
	ForceRelease(ctx context.Context, s adapter.Store, name, channel string) (bool, error)
	// HoldCount returns how many holds token has on the lock.
	HoldCount(ctx context.Context, s adapter.Store, name, token string) (int, error)
	// Locked reports whether any owner holds the lock.
	Locked(ctx context.Context, s adapter.Store, name string) (bool, error)
}

// Option configures a Mutex.
type Option func(*Mutex)

// WithOwner pins the holder identity of the handle. Handles created with the
// same owner on the same client re-enter each other's holds.
func WithOwner(id string) Option {
	return func(m *Mutex) { m.holder = id }
}

// AcquireOption configures a single acquisition.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	lease time.Duration
	renew bool
}

// WithLease sets the lease for this acquisition. The lease is renewed every
// lease/3 while the lock is held; a re-entry with a different lease restarts
// renewal with the new one.
func WithLease(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		o.lease = d
		o.renew = true
	}
}

// WithFixedLease sets a lease that is not renewed: the lock frees itself
// after d unless released earlier.
func WithFixedLease(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		o.lease = d
		o.renew = false
	}
}

// Mutex is a handle to a named distributed lock. A handle carries one owner
// identity; all goroutines sharing a handle share its holds, which is what
// makes the lock reentrant. Use separate handles for competing callers.
type Mutex struct {
	env     *Env
	enc     Encoding
	name    string
	channel string
	holder  string
	token   string

	// lease of the most recent acquisition, refreshed on partial release.
	lastLease atomic.Int64
}

// New returns a handle for the lock name stored with enc.
func New(env *Env, name string, enc Encoding, opts ...Option) *Mutex {
	m := &Mutex{
		env:     env,
		enc:     enc,
		name:    name,
		channel: enc.Channel(env.prefix(), name),
		holder:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.token = env.ClientID + ":" + m.holder
	m.lastLease.Store(int64(env.lease()))
	return m
}

// NewReentrant returns a handle for a reentrant lock.
func NewReentrant(env *Env, name string, opts ...Option) *Mutex {
	return New(env, name, Reentrant{}, opts...)
}

// NewWriteMode returns a handle for the write half of a read-write lock.
func NewWriteMode(env *Env, name string, opts ...Option) *Mutex {
	return New(env, name, WriteMode{}, opts...)
}

// Name returns the lock name.
func (m *Mutex) Name() string { return m.name }

// Channel returns the release channel of the lock.
func (m *Mutex) Channel() string { return m.channel }

// Token returns the owner token written to the store.
func (m *Mutex) Token() string { return m.token }

func (m *Mutex) options(opts []AcquireOption) (acquireOptions, error) {
	o := acquireOptions{lease: m.env.lease(), renew: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.lease <= 0 {
		return o, tethererrors.ErrInvalidLease
	}
	return o, nil
}

// attempt runs one acquire transaction and starts renewal on success.
func (m *Mutex) attempt(ctx context.Context, o acquireOptions) (Remaining, bool, error) {
	r, ok, err := m.enc.Acquire(ctx, m.env.Store, m.name, m.token, o.lease)
	if err != nil {
		return Remaining{}, false, fmt.Errorf("lock: acquire %s: %w", m.name, err)
	}
	if !ok {
		metrics.LockContentionCounter.WithLabelValues(m.enc.Kind()).Inc()
		return r, false, nil
	}
	m.lastLease.Store(int64(o.lease))
	if m.env.Renewals != nil {
		if o.renew {
			if _, err := m.env.Renewals.Start(m.name, m.token, o.lease); err != nil {
				return Remaining{}, false, err
			}
		} else if owner, ok := m.env.Renewals.Owner(m.name); ok && owner != m.token {
			// The previous holder's timer must not extend a fixed lease.
			m.env.Renewals.StopOwned(m.name, owner)
		}
	}
	metrics.LockAcquireCounter.WithLabelValues(m.enc.Kind()).Inc()
	return Remaining{}, true, nil
}

// TryLock makes a single acquisition attempt and reports whether the lock
// is now held by the handle.
func (m *Mutex) TryLock(ctx context.Context, opts ...AcquireOption) (bool, error) {
	o, err := m.options(opts)
	if err != nil {
		return false, err
	}
	ctx, span := m.startSpan(ctx, "lock.TryLock")
	defer span.End()
	_, ok, err := m.attempt(ctx, o)
	return ok, err
}

// Lock blocks until the lock is acquired or ctx is done. Contention and
// transient store failures are retried.
func (m *Mutex) Lock(ctx context.Context, opts ...AcquireOption) error {
	o, err := m.options(opts)
	if err != nil {
		return err
	}
	ctx, span := m.startSpan(ctx, "lock.Lock")
	defer span.End()
	_, err = m.acquire(ctx, time.Time{}, false, o)
	return err
}

// TryLockWait waits up to wait for the lock. It returns false without error
// when the wait budget runs out.
func (m *Mutex) TryLockWait(ctx context.Context, wait time.Duration, opts ...AcquireOption) (bool, error) {
	o, err := m.options(opts)
	if err != nil {
		return false, err
	}
	ctx, span := m.startSpan(ctx, "lock.TryLockWait")
	defer span.End()
	span.SetAttributes(attribute.Int64("tether.lock.wait_ms", wait.Milliseconds()))
	return m.acquire(ctx, time.Now().Add(wait), true, o)
}

func (m *Mutex) acquire(ctx context.Context, deadline time.Time, bounded bool, o acquireOptions) (bool, error) {
	r, ok, err := m.attempt(ctx, o)
	if ok {
		return true, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		m.env.logger().Warn("tether: lock attempt failed, retrying", "lock", m.name, "error", err)
	}

	start := time.Now()
	var entry *syncbus.Entry
	defer func() {
		if entry == nil {
			return
		}
		if err := m.env.Notifier.Unsubscribe(context.Background(), entry); err != nil {
			m.env.logger().Warn("tether: unsubscribe failed", "channel", m.channel, "error", err)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if bounded && !time.Now().Before(deadline) {
			return false, nil
		}

		if entry == nil {
			e, err := m.subscribe(ctx, deadline, bounded)
			switch {
			case err == nil:
				entry = e
			case ctx.Err() != nil:
				return false, ctx.Err()
			case bounded && !time.Now().Before(deadline):
				return false, nil
			default:
				m.env.logger().Warn("tether: release channel unavailable", "channel", m.channel, "error", err)
			}
		}

		var gen uint64
		if entry != nil {
			gen = entry.Signal().Generation()
		}
		r, ok, err = m.attempt(ctx, o)
		if ok {
			metrics.LockWaitHistogram.WithLabelValues(m.enc.Kind()).Observe(time.Since(start).Seconds())
			return true, nil
		}

		d, limited := WaitBound(time.Until(deadline), bounded, r)
		if err != nil || entry == nil {
			if err != nil {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				m.env.logger().Warn("tether: lock attempt failed, retrying", "lock", m.name, "error", err)
			}
			// Without a result or a subscription, pause for the retry
			// interval at most.
			retry := m.env.retryInterval()
			if !limited || retry < d {
				d, limited = retry, true
			}
		}

		wctx, cancel := ctx, context.CancelFunc(func() {})
		if limited {
			wctx, cancel = context.WithTimeout(ctx, d)
		}
		if entry != nil {
			err = entry.Signal().Wait(wctx, gen)
		} else {
			<-wctx.Done()
			err = wctx.Err()
		}
		cancel()
		if err != nil && ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
}

func (m *Mutex) subscribe(ctx context.Context, deadline time.Time, bounded bool) (*syncbus.Entry, error) {
	e, err := m.env.Notifier.Subscribe(ctx, m.channel)
	if err != nil {
		return nil, err
	}
	actx, cancel := ctx, context.CancelFunc(func() {})
	if bounded {
		actx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()
	if err := e.Await(actx); err != nil {
		_ = m.env.Notifier.Unsubscribe(context.Background(), e)
		return nil, err
	}
	return e, nil
}

// Unlock drops one hold. When the last hold is released the record is
// deleted, waiters are woken and lease renewal stops. Unlocking a lock the
// handle does not hold returns ErrNotHeld.
func (m *Mutex) Unlock(ctx context.Context) error {
	ctx, span := m.startSpan(ctx, "lock.Unlock")
	defer span.End()
	res, err := m.enc.Release(ctx, m.env.Store, m.name, m.channel, m.token, time.Duration(m.lastLease.Load()))
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", m.name, err)
	}
	if res == StillHeld {
		return nil
	}
	m.stopRenewal(false)
	switch res {
	case NoRecord:
		return fmt.Errorf("lock: release %s: no record: %w", m.name, tethererrors.ErrNotHeld)
	case Relinquished:
		m.env.logger().Debug("tether: hold relinquished, record kept", "lock", m.name)
	}
	metrics.LockReleaseCounter.WithLabelValues(m.enc.Kind()).Inc()
	return nil
}

// ForceUnlock deletes the lock whoever holds it and wakes all waiters. It
// reports whether a record was removed.
func (m *Mutex) ForceUnlock(ctx context.Context) (bool, error) {
	ctx, span := m.startSpan(ctx, "lock.ForceUnlock")
	defer span.End()
	m.stopRenewal(true)
	removed, err := m.enc.ForceRelease(ctx, m.env.Store, m.name, m.channel)
	if err != nil {
		return false, fmt.Errorf("lock: force release %s: %w", m.name, err)
	}
	if removed {
		metrics.LockReleaseCounter.WithLabelValues(m.enc.Kind()).Inc()
		m.env.logger().Info("tether: lock force released", "lock", m.name)
	}
	return removed, nil
}

// IsHeldByCaller reports whether this handle holds the lock.
func (m *Mutex) IsHeldByCaller(ctx context.Context) (bool, error) {
	n, err := m.HoldCount(ctx)
	return n > 0, err
}

// HoldCount returns how many unreleased acquisitions this handle has.
func (m *Mutex) HoldCount(ctx context.Context) (int, error) {
	n, err := m.enc.HoldCount(ctx, m.env.Store, m.name, m.token)
	if err != nil {
		return 0, fmt.Errorf("lock: hold count %s: %w", m.name, err)
	}
	return n, nil
}

// IsLocked reports whether any owner holds the lock.
func (m *Mutex) IsLocked(ctx context.Context) (bool, error) {
	ok, err := m.enc.Locked(ctx, m.env.Store, m.name)
	if err != nil {
		return false, fmt.Errorf("lock: locked %s: %w", m.name, err)
	}
	return ok, nil
}

// NewCond is not supported by distributed locks and always returns
// ErrUnsupported.
func (m *Mutex) NewCond() (*sync.Cond, error) {
	return nil, tethererrors.ErrUnsupported
}

func (m *Mutex) stopRenewal(force bool) {
	switch {
	case m.env.Renewals == nil:
	case force:
		m.env.Renewals.Stop(m.name)
	default:
		m.env.Renewals.StopOwned(m.name, m.token)
	}
}

func (m *Mutex) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("tether.lock.name", m.name),
		attribute.String("tether.lock.kind", m.enc.Kind()),
	))
}

// Renewer returns a lease.Renewer extending lock records in s. Both
// encodings keep their expiry on the record key, so one renewer serves all
// lock kinds.
func Renewer(s adapter.Store) lease.Renewer {
	return func(ctx context.Context, name string, ttl time.Duration) error {
		_, err := s.PExpire(ctx, name, ttl)
		return err
	}
}

package syncbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mirkobrombin/go-tether/v1/metrics"
)

// Listener interprets messages delivered to an entry.
type Listener func(e *Entry, evt Event)

// LockListener wakes all local waiters on any release message.
func LockListener(e *Entry, evt Event) {
	if evt.Kind == EventRelease {
		e.Signal().Wake()
	}
}

// LatchListener opens the signal on a release message and re-arms it on a
// reset message.
func LatchListener(e *Entry, evt Event) {
	switch evt.Kind {
	case EventRelease:
		e.Signal().Open()
	case EventReset:
		e.Signal().Close()
	}
}

// Entry is the per-channel state shared by local subscribers.
type Entry struct {
	channel string
	refs    int
	sub     Subscription
	signal  *Signal

	ready    chan struct{}
	readyErr error
	cancel   context.CancelFunc
}

// Channel returns the channel name.
func (e *Entry) Channel() string { return e.channel }

// Signal returns the wake primitive of the entry.
func (e *Entry) Signal() *Signal { return e.signal }

// Ready is closed once the subscription is acknowledged or has failed.
func (e *Entry) Ready() <-chan struct{} { return e.ready }

// Await blocks until the subscription is acknowledged.
func (e *Entry) Await(ctx context.Context) error {
	select {
	case <-e.ready:
		return e.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notifier multiplexes network subscriptions between local waiters. The
// zero value is not usable; create one with NewNotifier. A Notifier is meant
// to live for the whole process and is shared by every lock of a client.
type Notifier struct {
	transport Transport
	listener  Listener
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry

	subscribes   atomic.Uint64
	unsubscribes atomic.Uint64
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithListener replaces the default LockListener.
func WithListener(l Listener) NotifierOption {
	return func(n *Notifier) { n.listener = l }
}

// WithLogger sets the logger used for subscription failures.
func WithLogger(l *slog.Logger) NotifierOption {
	return func(n *Notifier) { n.logger = l }
}

// NewNotifier returns a Notifier issuing subscriptions through t.
func NewNotifier(t Transport, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		transport: t,
		listener:  LockListener,
		logger:    slog.Default(),
		entries:   make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe joins the entry for channel, creating it and issuing the network
// subscription when this is the first local subscriber. The returned entry
// may not be acknowledged yet; use Entry.Await before relying on delivery.
// The network call runs outside the table lock; callers joining meanwhile
// share the entry and learn the outcome through Await.
func (n *Notifier) Subscribe(ctx context.Context, channel string) (*Entry, error) {
	n.mu.Lock()
	if e, ok := n.entries[channel]; ok {
		e.refs++
		n.mu.Unlock()
		return e, nil
	}
	rctx, cancel := context.WithCancel(context.Background())
	e := &Entry{
		channel: channel,
		refs:    1,
		signal:  NewSignal(),
		ready:   make(chan struct{}),
		cancel:  cancel,
	}
	n.entries[channel] = e
	n.mu.Unlock()

	sub, err := n.transport.Subscribe(ctx, channel)
	if err != nil {
		err = fmt.Errorf("syncbus: subscribe %s: %w", channel, err)
		n.mu.Lock()
		e.refs--
		e.readyErr = err
		if cur, ok := n.entries[channel]; ok && cur == e {
			delete(n.entries, channel)
		}
		n.mu.Unlock()
		cancel()
		close(e.ready)
		return nil, err
	}

	n.mu.Lock()
	e.sub = sub
	n.mu.Unlock()
	n.subscribes.Add(1)
	metrics.NotifierSubscriptions.Inc()
	go n.run(rctx, e, sub)
	return e, nil
}

func (n *Notifier) run(ctx context.Context, e *Entry, sub Subscription) {
	if err := sub.Ready(ctx); err != nil {
		e.readyErr = fmt.Errorf("syncbus: subscribe %s: %w", e.channel, err)
		// Later subscribers get a fresh attempt; current ones still
		// release their reference through Unsubscribe.
		n.mu.Lock()
		if cur, ok := n.entries[e.channel]; ok && cur == e {
			delete(n.entries, e.channel)
		}
		n.mu.Unlock()
		close(e.ready)
		if ctx.Err() == nil {
			n.logger.Warn("tether: subscription not acknowledged", "channel", e.channel, "error", err)
		}
		return
	}
	close(e.ready)
	for payload := range sub.Messages() {
		n.listener(e, ParseEvent(e.channel, payload))
	}
}

// Unsubscribe leaves e. The network subscription is closed only when the
// last local subscriber leaves.
func (n *Notifier) Unsubscribe(ctx context.Context, e *Entry) error {
	n.mu.Lock()
	e.refs--
	if e.refs > 0 {
		n.mu.Unlock()
		return nil
	}
	if cur, ok := n.entries[e.channel]; ok && cur == e {
		delete(n.entries, e.channel)
	}
	sub := e.sub
	n.mu.Unlock()

	e.cancel()
	if sub == nil {
		// The network subscribe failed; nothing to close.
		return nil
	}
	n.unsubscribes.Add(1)
	metrics.NotifierSubscriptions.Dec()
	if err := sub.Close(ctx); err != nil {
		return fmt.Errorf("syncbus: unsubscribe %s: %w", e.channel, err)
	}
	return nil
}

// Publish sends payload on channel through the underlying transport.
func (n *Notifier) Publish(ctx context.Context, channel string, payload int64) error {
	return n.transport.Publish(ctx, channel, fmt.Sprint(payload))
}

// Active returns the number of channels with a live or pending network
// subscription.
func (n *Notifier) Active() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}

// Refs returns the local reference count for channel.
func (n *Notifier) Refs(channel string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.entries[channel]; ok {
		return e.refs
	}
	return 0
}

// Stats returns how many network subscribes and unsubscribes were issued.
func (n *Notifier) Stats() (subscribes, unsubscribes uint64) {
	return n.subscribes.Load(), n.unsubscribes.Load()
}

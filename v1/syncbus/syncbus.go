// Package syncbus turns store publish/subscribe channels into local wake-up
// primitives. A Notifier keeps at most one network subscription per channel
// per process and fans messages out to every local waiter.
package syncbus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// Well-known payloads published on lock and latch channels.
const (
	// ReleaseMessage is published when a lock is fully released or a latch
	// reaches zero.
	ReleaseMessage int64 = 0
	// ResetMessage is published when a latch is re-armed.
	ResetMessage int64 = 1
)

// EventKind classifies a payload received on a channel.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventRelease
	EventReset
)

// Event is a decoded channel message.
type Event struct {
	Channel string
	Kind    EventKind
	Payload string
}

// ParseEvent decodes payload received on channel.
func ParseEvent(channel, payload string) Event {
	evt := Event{Channel: channel, Payload: payload}
	n, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return evt
	}
	switch n {
	case ReleaseMessage:
		evt.Kind = EventRelease
	case ResetMessage:
		evt.Kind = EventReset
	}
	return evt
}

// Transport issues network subscriptions. Implementations exist for Redis
// and for a process-local bus.
type Transport interface {
	// Subscribe starts subscribing to channel. It must not wait for the
	// acknowledgement; callers use Subscription.Ready for that.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// Publish sends payload on channel.
	Publish(ctx context.Context, channel string, payload string) error
}

// Subscription is a single network subscription.
type Subscription interface {
	// Ready blocks until the transport confirms the subscription.
	Ready(ctx context.Context) error
	// Messages returns the payloads received on the channel. The channel
	// is closed by Close.
	Messages() <-chan string
	// Close unsubscribes from the channel.
	Close(ctx context.Context) error
}

// InMemoryTransport is a local implementation of Transport mainly for
// testing and single-process use.
type InMemoryTransport struct {
	mu        sync.Mutex
	subs      map[string][]*memSubscription
	published uint64
	delivered uint64
}

type memSubscription struct {
	t       *InMemoryTransport
	channel string
	ch      chan string
	once    sync.Once
}

// NewInMemoryTransport returns a new InMemoryTransport.
func NewInMemoryTransport() *InMemoryTransport {
	return &InMemoryTransport{subs: make(map[string][]*memSubscription)}
}

// Subscribe implements Transport.Subscribe.
func (t *InMemoryTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memSubscription{t: t, channel: channel, ch: make(chan string, 16)}
	t.mu.Lock()
	t.subs[channel] = append(t.subs[channel], s)
	t.mu.Unlock()
	return s, nil
}

// Publish implements Transport.Publish. Delivery is best effort: a
// subscriber whose buffer is full already has a wake-up pending.
func (t *InMemoryTransport) Publish(ctx context.Context, channel string, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	atomic.AddUint64(&t.published, 1)
	for _, s := range t.subs[channel] {
		select {
		case s.ch <- payload:
			atomic.AddUint64(&t.delivered, 1)
		default:
		}
	}
	return nil
}

// Subscribers returns the number of open subscriptions on channel.
func (t *InMemoryTransport) Subscribers(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[channel])
}

func (s *memSubscription) Ready(ctx context.Context) error { return ctx.Err() }

func (s *memSubscription) Messages() <-chan string { return s.ch }

func (s *memSubscription) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.t.mu.Lock()
		subs := s.t.subs[s.channel]
		for i, c := range subs {
			if c == s {
				subs[i] = subs[len(subs)-1]
				subs = subs[:len(subs)-1]
				break
			}
		}
		if len(subs) == 0 {
			delete(s.t.subs, s.channel)
		} else {
			s.t.subs[s.channel] = subs
		}
		close(s.ch)
		s.t.mu.Unlock()
	})
	return nil
}

// Metrics reports transport counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// Metrics returns the published and delivered counts.
func (t *InMemoryTransport) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&t.published),
		Delivered: atomic.LoadUint64(&t.delivered),
	}
}

// Package redis provides a syncbus.Transport backed by Redis pub/sub.
package redis

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

const redisBusTimeout = 5 * time.Second

// Transport implements syncbus.Transport using a Redis backend. Each
// subscription owns one PubSub connection; the Notifier on top makes sure a
// process holds a single subscription per channel.
type Transport struct {
	client    redis.UniversalClient
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewTransport returns a new Transport using the provided client.
func NewTransport(client redis.UniversalClient) *Transport {
	return &Transport{client: client}
}

type subscription struct {
	t       *Transport
	ps      *redis.PubSub
	channel string

	msgs      chan string
	fwdOnce   sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

// Subscribe implements syncbus.Transport.Subscribe.
func (t *Transport) Subscribe(ctx context.Context, channel string) (syncbus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr(err)
	}
	ps := t.client.Subscribe(ctx, channel)
	return &subscription{
		t:       t,
		ps:      ps,
		channel: channel,
		msgs:    make(chan string, 16),
		closed:  make(chan struct{}),
	}, nil
}

// Publish implements syncbus.Transport.Publish.
func (t *Transport) Publish(ctx context.Context, channel string, payload string) error {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := t.client.Publish(cctx, channel, payload).Err(); err != nil {
		return mapErr(err)
	}
	t.published.Add(1)
	return nil
}

// Metrics returns the published and delivered counts.
func (t *Transport) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: t.published.Load(),
		Delivered: t.delivered.Load(),
	}
}

// Ready waits for the subscribe confirmation sent by Redis.
func (s *subscription) Ready(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	for {
		msg, err := s.ps.Receive(cctx)
		if err != nil {
			return mapErr(err)
		}
		if sub, ok := msg.(*redis.Subscription); ok && sub.Kind == "subscribe" && sub.Channel == s.channel {
			return nil
		}
	}
}

func (s *subscription) Messages() <-chan string {
	s.fwdOnce.Do(func() { go s.forward() })
	return s.msgs
}

func (s *subscription) forward() {
	defer close(s.msgs)
	for msg := range s.ps.Channel() {
		select {
		case s.msgs <- msg.Payload:
			s.t.delivered.Add(1)
		case <-s.closed:
			return
		}
	}
}

func (s *subscription) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		defer cancel()
		_ = s.ps.Unsubscribe(cctx, s.channel)
		err = s.ps.Close()
	})
	if err != nil {
		return mapErr(err)
	}
	return nil
}

func mapErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return tethererrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return tethererrors.ErrConnectionClosed
	}
	return err
}

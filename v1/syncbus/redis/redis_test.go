package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

func newTransport(t *testing.T) (*Transport, *redis.Client, context.Context) {
	t.Helper()
	addr := os.Getenv("TETHER_TEST_REDIS_ADDR")
	var client *redis.Client
	var mr *miniredis.Miniredis

	if addr != "" {
		t.Logf("Transport: using real Redis at %s", addr)
		client = redis.NewClient(&redis.Options{Addr: addr})
	} else {
		var err error
		mr, err = miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	}

	ctx := context.Background()
	t.Cleanup(func() {
		if addr != "" {
			_ = client.FlushAll(context.Background()).Err()
		}
		_ = client.Close()
		if mr != nil {
			mr.Close()
		}
	})
	return NewTransport(client), client, ctx
}

func numSub(t *testing.T, client *redis.Client, channel string) int64 {
	t.Helper()
	res, err := client.PubSubNumSub(context.Background(), channel).Result()
	if err != nil {
		t.Fatalf("numsub: %v", err)
	}
	return res[channel]
}

func TestTransportSubscribeReadyPublish(t *testing.T) {
	tr, _, ctx := newTransport(t)

	sub, err := tr.Subscribe(ctx, "ch")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close(ctx)
	if err := sub.Ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if err := tr.Publish(ctx, "ch", "0"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case p := <-sub.Messages():
		if p != "0" {
			t.Fatalf("unexpected payload %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	m := tr.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestTransportCloseUnsubscribes(t *testing.T) {
	tr, client, ctx := newTransport(t)

	sub, err := tr.Subscribe(ctx, "ch")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	msgs := sub.Messages()
	if n := numSub(t, client, "ch"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	if err := sub.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for numSub(t, client, "ch") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription still registered after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case _, ok := <-msgs:
		if ok {
			t.Fatal("unexpected message after close")
		}
	case <-time.After(time.Second):
		t.Fatal("messages channel not closed")
	}
}

func TestTransportWithNotifier(t *testing.T) {
	tr, client, ctx := newTransport(t)
	n := syncbus.NewNotifier(tr)

	a, err := n.Subscribe(ctx, "lock")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b, _ := n.Subscribe(ctx, "lock")
	if err := a.Await(ctx); err != nil {
		t.Fatalf("await: %v", err)
	}
	if n := numSub(t, client, "lock"); n != 1 {
		t.Fatalf("expected a single network subscription, got %d", n)
	}

	gen := a.Signal().Generation()
	if err := client.Publish(ctx, "lock", 0).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := b.Signal().Wait(wctx, gen); err != nil {
		t.Fatalf("expected wake, got %v", err)
	}
	_ = n.Unsubscribe(ctx, a)
	_ = n.Unsubscribe(ctx, b)
	if n.Active() != 0 {
		t.Fatal("entry leaked")
	}
}

func TestTransportPublishClosedClient(t *testing.T) {
	tr, client, ctx := newTransport(t)
	_ = client.Close()
	if err := tr.Publish(ctx, "ch", "0"); !errors.Is(err, tethererrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

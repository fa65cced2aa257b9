package syncbus

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryTransportPublishSubscribeAndMetrics(t *testing.T) {
	tr := NewInMemoryTransport()
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx, "ch")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
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
		t.Fatal("timeout waiting for publish")
	}

	m := tr.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryTransportCloseRemovesSubscription(t *testing.T) {
	tr := NewInMemoryTransport()
	ctx := context.Background()
	sub, _ := tr.Subscribe(ctx, "ch")
	if tr.Subscribers("ch") != 1 {
		t.Fatal("expected one subscriber")
	}
	_ = sub.Close(ctx)
	_ = sub.Close(ctx)
	if tr.Subscribers("ch") != 0 {
		t.Fatal("subscription still present after close")
	}
	if _, ok := <-sub.Messages(); ok {
		t.Fatal("expected messages channel closed")
	}
}

func TestParseEvent(t *testing.T) {
	cases := map[string]EventKind{
		"0":    EventRelease,
		"1":    EventReset,
		"7":    EventUnknown,
		"junk": EventUnknown,
	}
	for payload, want := range cases {
		if got := ParseEvent("ch", payload).Kind; got != want {
			t.Errorf("payload %q: expected %v got %v", payload, want, got)
		}
	}
}

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-tether/v1/adapter"
	"github.com/mirkobrombin/go-tether/v1/clock"
)

type user struct {
	Name string
	Age  int
}

func newRedisStore(t *testing.T) (*adapter.RedisStore, *redis.Client) {
	t.Helper()
	addr := os.Getenv("TETHER_TEST_REDIS_ADDR")
	var mr *miniredis.Miniredis
	if addr == "" {
		var err error
		mr, err = miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		addr = mr.Addr()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		if mr == nil {
			_ = client.FlushAll(context.Background()).Err()
		}
		_ = client.Close()
		if mr != nil {
			mr.Close()
		}
	})
	return adapter.NewRedisStore(client), client
}

func TestMapCachePutGet(t *testing.T) {
	store, client := newRedisStore(t)
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	c := NewMapCache[user](store, "users", WithClock(clk))

	if _, existed, err := c.Put(ctx, "u1", user{"ada", 36}, time.Minute); err != nil || existed {
		t.Fatalf("put: existed %v err %v", existed, err)
	}
	prev, existed, err := c.Put(ctx, "u1", user{"ada", 37}, time.Minute)
	if err != nil || !existed || prev.Age != 36 {
		t.Fatalf("expected previous value, got %+v %v %v", prev, existed, err)
	}
	got, ok, err := c.Get(ctx, "u1")
	if err != nil || !ok || got != (user{"ada", 37}) {
		t.Fatalf("get: %+v %v %v", got, ok, err)
	}

	score, err := client.ZScore(ctx, TimeoutSetName("users"), "u1").Result()
	if err != nil {
		t.Fatalf("zscore: %v", err)
	}
	if want := clk.Now().Add(time.Minute).UnixMilli(); int64(score) != want {
		t.Fatalf("expected expiry %d, got %v", want, score)
	}
}

func TestMapCacheExpiredEntriesAreInvisible(t *testing.T) {
	store, client := newRedisStore(t)
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	c := NewMapCache[string](store, "sessions", WithClock(clk))

	_, _, _ = c.Put(ctx, "short", "a", time.Second)
	_, _, _ = c.Put(ctx, "forever", "b", 0)
	if n, err := c.Len(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 entries, got %d err %v", n, err)
	}

	clk.Advance(2 * time.Second)
	if _, ok, err := c.Get(ctx, "short"); err != nil || ok {
		t.Fatalf("expired entry visible: ok %v err %v", ok, err)
	}
	if v, ok, err := c.Get(ctx, "forever"); err != nil || !ok || v != "b" {
		t.Fatalf("entry without ttl lost: %q %v %v", v, ok, err)
	}
	if n, err := c.Len(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 live entry, got %d err %v", n, err)
	}
	// Still stored until an eviction run removes it.
	if n, _ := client.HLen(ctx, "sessions").Result(); n != 2 {
		t.Fatalf("expected 2 stored fields, got %d", n)
	}
	if n, _ := client.ZCard(ctx, TimeoutSetName("sessions")).Result(); n != 1 {
		t.Fatalf("entry without ttl must not be indexed, index has %d", n)
	}

	if _, existed, err := c.Put(ctx, "short", "c", 0); err != nil || existed {
		t.Fatalf("put over expired entry reported existing: %v %v", existed, err)
	}
	if n, _ := client.ZCard(ctx, TimeoutSetName("sessions")).Result(); n != 0 {
		t.Fatalf("ttl 0 put must drop the index member, index has %d", n)
	}
}

func TestMapCachePutIfAbsent(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	c := NewMapCache[int](store, "counters", WithClock(clk))

	if _, existed, err := c.PutIfAbsent(ctx, "k", 1, time.Second); err != nil || existed {
		t.Fatalf("first put: %v %v", existed, err)
	}
	if cur, existed, err := c.PutIfAbsent(ctx, "k", 2, time.Second); err != nil || !existed || cur != 1 {
		t.Fatalf("expected existing 1, got %d %v %v", cur, existed, err)
	}
	clk.Advance(time.Second)
	if _, existed, err := c.PutIfAbsent(ctx, "k", 3, time.Second); err != nil || existed {
		t.Fatalf("expired entry must count as absent: %v %v", existed, err)
	}
	if v, _, _ := c.Get(ctx, "k"); v != 3 {
		t.Fatalf("expected 3, got %d", v)
	}
}

func TestMapCacheRemove(t *testing.T) {
	store, client := newRedisStore(t)
	ctx := context.Background()
	c := NewMapCache[string](store, "names")

	_, _, _ = c.Put(ctx, "k", "v", time.Hour)
	if v, ok, err := c.Remove(ctx, "k"); err != nil || !ok || v != "v" {
		t.Fatalf("remove: %q %v %v", v, ok, err)
	}
	if _, ok, err := c.Remove(ctx, "k"); err != nil || ok {
		t.Fatalf("second remove: %v %v", ok, err)
	}
	if n, _ := client.ZCard(ctx, TimeoutSetName("names")).Result(); n != 0 {
		t.Fatalf("index not cleaned, has %d", n)
	}
}

func TestMapCacheCodecs(t *testing.T) {
	store, client := newRedisStore(t)
	ctx := context.Background()

	raw := NewMapCache[[]byte](store, "raw", WithCodec(ByteCodec{}))
	_, _, _ = raw.Put(ctx, "k", []byte("payload"), 0)
	if s, _ := client.HGet(ctx, "raw", "k").Result(); s != "payload" {
		t.Fatalf("byte codec altered value: %q", s)
	}
	if v, ok, err := raw.Get(ctx, "k"); err != nil || !ok || string(v) != "payload" {
		t.Fatalf("get raw: %q %v %v", v, ok, err)
	}

	gobbed := NewMapCache[user](store, "gob", WithCodec(GobCodec{}))
	_, _, _ = gobbed.Put(ctx, "k", user{"lin", 9}, 0)
	if v, ok, err := gobbed.Get(ctx, "k"); err != nil || !ok || v != (user{"lin", 9}) {
		t.Fatalf("get gob: %+v %v %v", v, ok, err)
	}
}

func TestMapCacheRejectsNegativeTTL(t *testing.T) {
	store, _ := newRedisStore(t)
	c := NewMapCache[string](store, "names")
	if _, _, err := c.Put(context.Background(), "k", "v", -time.Second); err == nil {
		t.Fatal("expected error for negative ttl")
	}
}

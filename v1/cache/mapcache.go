package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-tether/v1/adapter"
	"github.com/mirkobrombin/go-tether/v1/clock"
)

// Entries live in a hash under the cache name. Entries with a TTL also get
// a member in the expiry index scored by their expiry in unix milliseconds;
// an entry whose score is not after ARGV[1] is treated as absent.
var (
	mapGet = adapter.NewScript(`
local v = redis.call('hget', KEYS[1], ARGV[2])
if v == false then
  return false
end
local exp = redis.call('zscore', KEYS[2], ARGV[2])
if exp ~= false and tonumber(exp) <= tonumber(ARGV[1]) then
  return false
end
return v
`)

	mapPut = adapter.NewScript(`
local prev = redis.call('hget', KEYS[1], ARGV[2])
if prev ~= false then
  local exp = redis.call('zscore', KEYS[2], ARGV[2])
  if exp ~= false and tonumber(exp) <= tonumber(ARGV[1]) then
    prev = false
  end
end
redis.call('hset', KEYS[1], ARGV[2], ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('zadd', KEYS[2], ARGV[4], ARGV[2])
else
  redis.call('zrem', KEYS[2], ARGV[2])
end
return prev
`)

	mapPutIfAbsent = adapter.NewScript(`
local cur = redis.call('hget', KEYS[1], ARGV[2])
if cur ~= false then
  local exp = redis.call('zscore', KEYS[2], ARGV[2])
  if exp == false or tonumber(exp) > tonumber(ARGV[1]) then
    return cur
  end
end
redis.call('hset', KEYS[1], ARGV[2], ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('zadd', KEYS[2], ARGV[4], ARGV[2])
else
  redis.call('zrem', KEYS[2], ARGV[2])
end
return false
`)

	mapRemove = adapter.NewScript(`
local v = redis.call('hget', KEYS[1], ARGV[2])
if v == false then
  return false
end
local exp = redis.call('zscore', KEYS[2], ARGV[2])
redis.call('hdel', KEYS[1], ARGV[2])
redis.call('zrem', KEYS[2], ARGV[2])
if exp ~= false and tonumber(exp) <= tonumber(ARGV[1]) then
  return false
end
return v
`)

	mapLen = adapter.NewScript(`
return redis.call('hlen', KEYS[1]) - redis.call('zcount', KEYS[2], 0, ARGV[1])
`)
)

// MapCache is a map stored in Redis whose entries may expire individually.
// Expired entries are invisible right away and are physically removed by an
// EvictionScheduler.
type MapCache[T any] struct {
	name  string
	index string
	store adapter.Store
	codec Codec
	clock clock.Clock
}

// MapCacheOption configures a MapCache.
type MapCacheOption func(*mapCacheOptions)

type mapCacheOptions struct {
	codec    Codec
	clock    clock.Clock
	eviction *EvictionScheduler
}

// WithCodec sets the value codec. JSONCodec is used by default.
func WithCodec(c Codec) MapCacheOption {
	return func(o *mapCacheOptions) { o.codec = c }
}

// WithClock sets the clock used to compute expiries.
func WithClock(c clock.Clock) MapCacheOption {
	return func(o *mapCacheOptions) { o.clock = c }
}

// WithEviction registers the cache with s so expired entries are pruned.
func WithEviction(s *EvictionScheduler) MapCacheOption {
	return func(o *mapCacheOptions) { o.eviction = s }
}

// NewMapCache returns the map cache stored under name.
func NewMapCache[T any](store adapter.Store, name string, opts ...MapCacheOption) *MapCache[T] {
	o := mapCacheOptions{codec: JSONCodec{}, clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.eviction != nil {
		o.eviction.Schedule(name)
	}
	return &MapCache[T]{
		name:  name,
		index: TimeoutSetName(name),
		store: store,
		codec: o.codec,
		clock: o.clock,
	}
}

// Name returns the store key of the map.
func (c *MapCache[T]) Name() string { return c.name }

// Get returns the live value stored under key.
func (c *MapCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	res, err := c.eval(ctx, mapGet, key)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return c.decode(res)
}

// Put stores value under key for ttl and returns the live value it
// replaced. A ttl of zero keeps the entry until it is removed.
func (c *MapCache[T]) Put(ctx context.Context, key string, value T, ttl time.Duration) (T, bool, error) {
	var zero T
	if ttl < 0 {
		return zero, false, fmt.Errorf("cache: negative ttl %v", ttl)
	}
	data, err := c.codec.Marshal(value)
	if err != nil {
		return zero, false, err
	}
	res, err := c.eval(ctx, mapPut, key, string(data), c.expiry(ttl))
	if err != nil {
		return zero, false, err
	}
	return c.decode(res)
}

// PutIfAbsent stores value under key only when no live entry exists. It
// returns the live value and true when the key was already present.
func (c *MapCache[T]) PutIfAbsent(ctx context.Context, key string, value T, ttl time.Duration) (T, bool, error) {
	var zero T
	if ttl < 0 {
		return zero, false, fmt.Errorf("cache: negative ttl %v", ttl)
	}
	data, err := c.codec.Marshal(value)
	if err != nil {
		return zero, false, err
	}
	res, err := c.eval(ctx, mapPutIfAbsent, key, string(data), c.expiry(ttl))
	if err != nil {
		return zero, false, err
	}
	return c.decode(res)
}

// Remove deletes key and returns the live value it held.
func (c *MapCache[T]) Remove(ctx context.Context, key string) (T, bool, error) {
	res, err := c.eval(ctx, mapRemove, key)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return c.decode(res)
}

// Len returns the number of live entries.
func (c *MapCache[T]) Len(ctx context.Context) (int, error) {
	res, err := c.store.Eval(ctx, mapLen, []string{c.name, c.index}, c.clock.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("cache: unexpected len reply %T", res)
	}
	return int(n), nil
}

func (c *MapCache[T]) eval(ctx context.Context, s *adapter.Script, key string, args ...any) (any, error) {
	argv := append([]any{c.clock.Now().UnixMilli(), key}, args...)
	return c.store.Eval(ctx, s, []string{c.name, c.index}, argv...)
}

func (c *MapCache[T]) expiry(ttl time.Duration) int64 {
	if ttl == 0 {
		return 0
	}
	return c.clock.Now().Add(ttl).UnixMilli()
}

func (c *MapCache[T]) decode(res any) (T, bool, error) {
	var v T
	if res == nil {
		return v, false, nil
	}
	s, ok := res.(string)
	if !ok {
		return v, false, fmt.Errorf("cache: unexpected reply %T", res)
	}
	if err := c.codec.Unmarshal([]byte(s), &v); err != nil {
		return v, false, err
	}
	return v, true, nil
}

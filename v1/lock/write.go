package lock

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-tether/v1/adapter"
	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

// The write-mode record is a hash with a "mode" field and one field per
// owner token holding its count. A read-mode record counts as contention.
// Release replies 3 when the caller's own field is gone but other fields
// keep the record alive.
var (
	writeAcquire = adapter.NewScript(`
local mode = redis.call('hget', KEYS[1], 'mode')
if mode == false then
  redis.call('hset', KEYS[1], 'mode', 'write')
  redis.call('hset', KEYS[1], ARGV[2], 1)
  redis.call('pexpire', KEYS[1], ARGV[1])
  return nil
end
if mode == 'write' and redis.call('hexists', KEYS[1], ARGV[2]) == 1 then
  redis.call('hincrby', KEYS[1], ARGV[2], 1)
  redis.call('pexpire', KEYS[1], ARGV[1])
  return nil
end
return redis.call('pttl', KEYS[1])
`)

	writeRelease = adapter.NewScript(`
local mode = redis.call('hget', KEYS[1], 'mode')
if mode == false then
  redis.call('publish', KEYS[2], ARGV[1])
  return 2
end
if mode ~= 'write' or redis.call('hexists', KEYS[1], ARGV[3]) == 0 then
  return nil
end
local c = redis.call('hincrby', KEYS[1], ARGV[3], -1)
if c > 0 then
  redis.call('pexpire', KEYS[1], ARGV[2])
  return 0
end
redis.call('hdel', KEYS[1], ARGV[3])
if redis.call('hlen', KEYS[1]) == 1 then
  redis.call('del', KEYS[1])
  redis.call('publish', KEYS[2], ARGV[1])
  return 1
end
return 3
`)

	writeForce = adapter.NewScript(`
if redis.call('hget', KEYS[1], 'mode') == 'write' then
  redis.call('del', KEYS[1])
  redis.call('publish', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

	writeCount = adapter.NewScript(`
if redis.call('hget', KEYS[1], 'mode') ~= 'write' then
  return 0
end
local c = redis.call('hget', KEYS[1], ARGV[1])
if c == false then
  return 0
end
return tonumber(c)
`)

	writeLocked = adapter.NewScript(`
if redis.call('hget', KEYS[1], 'mode') == 'write' then
  return 1
end
return 0
`)
)

// WriteMode stores the lock as the write half of a read-write record.
type WriteMode struct{}

func (WriteMode) Kind() string { return "write" }

func (WriteMode) Channel(prefix, name string) string {
	return prefix + "_rwlock__{" + name + "}"
}

func (WriteMode) Acquire(ctx context.Context, s adapter.Store, name, token string, lease time.Duration) (Remaining, bool, error) {
	res, err := s.Eval(ctx, writeAcquire, []string{name}, lease.Milliseconds(), token)
	return acquireResult(res, err)
}

func (WriteMode) Release(ctx context.Context, s adapter.Store, name, channel, token string, lease time.Duration) (ReleaseResult, error) {
	res, err := s.Eval(ctx, writeRelease, []string{name, channel}, syncbus.ReleaseMessage, lease.Milliseconds(), token)
	return releaseResult(res, err)
}

func (WriteMode) ForceRelease(ctx context.Context, s adapter.Store, name, channel string) (bool, error) {
	res, err := s.Eval(ctx, writeForce, []string{name, channel}, syncbus.ReleaseMessage)
	if err != nil {
		return false, err
	}
	n, err := toInt64(res)
	return n == 1, err
}

func (WriteMode) HoldCount(ctx context.Context, s adapter.Store, name, token string) (int, error) {
	res, err := s.Eval(ctx, writeCount, []string{name}, token)
	if err != nil {
		return 0, err
	}
	n, err := toInt64(res)
	return int(n), err
}

func (WriteMode) Locked(ctx context.Context, s adapter.Store, name string) (bool, error) {
	res, err := s.Eval(ctx, writeLocked, []string{name})
	if err != nil {
		return false, err
	}
	n, err := toInt64(res)
	return n == 1, err
}

package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-tether/v1/adapter"
	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

// The reentrant record is a JSON string {"o": owner token, "c": hold count}
// with a PX expiry. A nil reply from acquire means the lock was taken.
var (
	reentrantAcquire = adapter.NewScript(`
local v = redis.call('get', KEYS[1])
if not v then
  redis.call('set', KEYS[1], cjson.encode({o = ARGV[2], c = 1}), 'px', ARGV[1])
  return nil
end
local r = cjson.decode(v)
if r.o == ARGV[2] then
  r.c = r.c + 1
  redis.call('set', KEYS[1], cjson.encode(r), 'px', ARGV[1])
  return nil
end
return redis.call('pttl', KEYS[1])
`)

	reentrantRelease = adapter.NewScript(`
local v = redis.call('get', KEYS[1])
if not v then
  redis.call('publish', KEYS[2], ARGV[1])
  return 2
end
local r = cjson.decode(v)
if r.o ~= ARGV[3] then
  return nil
end
r.c = r.c - 1
if r.c > 0 then
  redis.call('set', KEYS[1], cjson.encode(r), 'px', ARGV[2])
  return 0
end
redis.call('del', KEYS[1])
redis.call('publish', KEYS[2], ARGV[1])
return 1
`)

	reentrantForce = adapter.NewScript(`
if redis.call('del', KEYS[1]) == 1 then
  redis.call('publish', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

	reentrantCount = adapter.NewScript(`
local v = redis.call('get', KEYS[1])
if not v then
  return 0
end
local r = cjson.decode(v)
if r.o == ARGV[1] then
  return r.c
end
return 0
`)
)

// Reentrant stores the lock as a single string record.
type Reentrant struct{}

func (Reentrant) Kind() string { return "reentrant" }

func (Reentrant) Channel(prefix, name string) string {
	return prefix + "_lock__channel__{" + name + "}"
}

func (Reentrant) Acquire(ctx context.Context, s adapter.Store, name, token string, lease time.Duration) (Remaining, bool, error) {
	res, err := s.Eval(ctx, reentrantAcquire, []string{name}, lease.Milliseconds(), token)
	return acquireResult(res, err)
}

func (Reentrant) Release(ctx context.Context, s adapter.Store, name, channel, token string, lease time.Duration) (ReleaseResult, error) {
	res, err := s.Eval(ctx, reentrantRelease, []string{name, channel}, syncbus.ReleaseMessage, lease.Milliseconds(), token)
	return releaseResult(res, err)
}

func (Reentrant) ForceRelease(ctx context.Context, s adapter.Store, name, channel string) (bool, error) {
	res, err := s.Eval(ctx, reentrantForce, []string{name, channel}, syncbus.ReleaseMessage)
	if err != nil {
		return false, err
	}
	n, err := toInt64(res)
	return n == 1, err
}

func (Reentrant) HoldCount(ctx context.Context, s adapter.Store, name, token string) (int, error) {
	res, err := s.Eval(ctx, reentrantCount, []string{name}, token)
	if err != nil {
		return 0, err
	}
	n, err := toInt64(res)
	return int(n), err
}

func (Reentrant) Locked(ctx context.Context, s adapter.Store, name string) (bool, error) {
	return s.Exists(ctx, name)
}

func acquireResult(res any, err error) (Remaining, bool, error) {
	if err != nil {
		return Remaining{}, false, err
	}
	if res == nil {
		return Remaining{}, true, nil
	}
	ms, err := toInt64(res)
	if err != nil {
		return Remaining{}, false, err
	}
	return RemainingFromPTTL(ms), false, nil
}

func releaseResult(res any, err error) (ReleaseResult, error) {
	if err != nil {
		return 0, err
	}
	if res == nil {
		return 0, tethererrors.ErrNotHeld
	}
	n, err := toInt64(res)
	if err != nil {
		return 0, err
	}
	switch n {
	case 0:
		return StillHeld, nil
	case 1:
		return Released, nil
	case 2:
		return NoRecord, nil
	case 3:
		return Relinquished, nil
	}
	return 0, fmt.Errorf("unexpected release reply %d", n)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("unexpected reply type %T", v)
}

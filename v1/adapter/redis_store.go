package adapter

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisStore implements Store using a Redis backend. Any client satisfying
// redis.UniversalClient works, including cluster and failover clients.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() redis.UniversalClient { return s.client }

// Eval implements Store.Eval.
func (s *RedisStore) Eval(ctx context.Context, script *Script, keys []string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	v, err := script.rs.Run(cctx, s.client, keys, args...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return v, nil
}

// PExpire implements Store.PExpire.
func (s *RedisStore) PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.client.PExpire(cctx, key, ttl).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return ok, nil
}

// Exists implements Store.Exists.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.client.Exists(cctx, key).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
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

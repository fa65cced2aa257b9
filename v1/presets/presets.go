// Package presets builds ready-to-use clients from connection settings.
package presets

import (
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-tether/v1/adapter"
	"github.com/mirkobrombin/go-tether/v1/core"
	busredis "github.com/mirkobrombin/go-tether/v1/syncbus/redis"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis creates a Client using one Redis server both as the lock store
// and as the release channel transport. Closing the client closes the
// connection.
func NewRedis(opts RedisOptions, clientOpts ...core.Option) *core.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewFromUniversal(client, append(clientOpts, core.WithCloser(client.Close))...)
}

// NewRedisCluster creates a Client on a Redis Cluster. Every script touches
// keys of one slot: channel and index names carry the record name in braces.
func NewRedisCluster(addrs []string, password string, clientOpts ...core.Option) *core.Client {
	client := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:    addrs,
		Password: password,
	})
	return NewFromUniversal(client, append(clientOpts, core.WithCloser(client.Close))...)
}

// NewFromUniversal creates a Client on an existing connection. The caller
// keeps ownership of client.
func NewFromUniversal(client redis.UniversalClient, clientOpts ...core.Option) *core.Client {
	return core.New(adapter.NewRedisStore(client), busredis.NewTransport(client), clientOpts...)
}

package adapter

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Store is the shared key-value store the coordination primitives run on.
// Every mutation that must be atomic is expressed as a Script so the store
// applies it in a single step.
type Store interface {
	// Eval runs script against keys. A nil Lua reply is returned as a nil
	// value with a nil error.
	Eval(ctx context.Context, script *Script, keys []string, args ...any) (any, error)
	// PExpire sets the expiry of key. It reports false when the key does
	// not exist.
	PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// Script is a Lua transaction. Scripts are sent by digest and loaded on
// demand, so declaring them as package variables is cheap.
type Script struct {
	src string
	rs  *redis.Script
}

// NewScript wraps the Lua source src.
func NewScript(src string) *Script {
	return &Script{src: src, rs: redis.NewScript(src)}
}

// Source returns the Lua source of the script.
func (s *Script) Source() string { return s.src }

// Hash returns the SHA1 digest the store caches the script under.
func (s *Script) Hash() string { return s.rs.Hash() }

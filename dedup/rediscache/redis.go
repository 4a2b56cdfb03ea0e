// Package rediscache is a Redis-backed dedup.Cache. It is the one piece of
// gateway state with a shared-store option, for deployments that put more
// than one gateway instance behind a balancer that doesn't pin beacons and
// POSTs to the same node.
package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/lumenforge/gengateway/dedup"
)

// Config for the Redis-backed cache. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: DEDUP_KEY_PREFIX
	KeyPrefix string `env:"DEDUP_KEY_PREFIX,default=gengateway:dedup:"`
	// TTL is the dedup window. ENV: DEDUP_TTL
	TTL time.Duration `env:"DEDUP_TTL,default=5s"`
}

// Cache implements dedup.Cache over SET NX with expiry.
type Cache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

var _ dedup.Cache = (*Cache)(nil)

// New connects and verifies the Redis backend.
func New(cfg Config) (*Cache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "gengateway:dedup:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cache{client: cl, keyPrefix: prefix, ttl: ttl}, nil
}

// NewFromEnv builds a Cache using envdecode to populate Config.
func NewFromEnv() (*Cache, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (c *Cache) Close() error { return c.client.Close() }

// ShouldProcess implements dedup.Cache. SET NX is atomic, so exactly one of
// any burst of duplicate signals wins regardless of which node it lands on.
func (c *Cache) ShouldProcess(ctx context.Context, key string) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.keyPrefix+key, 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return ok, nil
}

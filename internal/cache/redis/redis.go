// Package redis provides a Redis/Valkey cache driver built on valkey-go.
package redis

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/anycard/anycard-go/internal/cache"
)

// Config holds Redis connection configuration. It is decoded from
// [cache.drivers.redis].
type Config struct {
	Addr              string `mapstructure:"addr"`
	Password          string `mapstructure:"password"`
	DB                int    `mapstructure:"db"`
	KeyPrefix         string `mapstructure:"key_prefix"`
	DialTimeoutMS     int    `mapstructure:"dial_timeout_ms"`
	WriteTimeoutMS    int    `mapstructure:"write_timeout_ms"`
	DefaultTTLSeconds int    `mapstructure:"default_ttl_seconds"`
}

// DefaultConfig returns sensible defaults for Redis connection.
func DefaultConfig() *Config {
	return &Config{
		Addr:              "localhost:6379",
		KeyPrefix:         "anycard:",
		DialTimeoutMS:     5000,
		WriteTimeoutMS:    3000,
		DefaultTTLSeconds: 900,
	}
}

func init() {
	cache.RegisterDriver("redis", func(raw map[string]any) (cache.CacheWithCounter, error) {
		cfg := DefaultConfig()
		if err := cache.DecodeConfig(raw, cfg); err != nil {
			return nil, err
		}
		return New(cfg)
	})
}

// Cache stores entries in Redis or Valkey.
type Cache struct {
	client     valkey.Client
	prefix     string
	defaultTTL time.Duration
}

// New connects and pings the server, failing fast when it is unreachable.
func New(cfg *Config) (*Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	dialTimeout := time.Duration(cfg.DialTimeoutMS) * time.Millisecond
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:      []string{cfg.Addr},
		Password:         cfg.Password,
		SelectDB:         cfg.DB,
		DisableCache:     true,
		Dialer:           net.Dialer{Timeout: dialTimeout},
		ConnWriteTimeout: time.Duration(cfg.WriteTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis health check failed at %s: %w", cfg.Addr, err)
	}

	ttl := time.Duration(cfg.DefaultTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{client: client, prefix: cfg.KeyPrefix, defaultTTL: ttl}, nil
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

// Get retrieves a value by key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Do(ctx, c.client.B().Get().Key(c.key(key)).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, cache.ErrNotFound
	}
	return b, err
}

// Set stores a value with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	cmd := c.client.B().Set().Key(c.key(key)).Value(valkey.BinaryString(value)).
		PxMilliseconds(ttl.Milliseconds()).Build()
	return c.client.Do(ctx, cmd).Error()
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Do(ctx, c.client.B().Del().Key(c.key(key)).Build()).Error()
}

// Exists checks if a key exists.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Do(ctx, c.client.B().Exists().Key(c.key(key)).Build()).AsInt64()
	return n > 0, err
}

// Increment adds delta to a counter. The first increment of a window sets
// its expiry; later increments keep it.
func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Time, error) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	k := c.key(key)
	count, err := c.client.Do(ctx, c.client.B().Incrby().Key(k).Increment(delta).Build()).AsInt64()
	if err != nil {
		return 0, time.Time{}, err
	}
	remaining, err := c.client.Do(ctx, c.client.B().Pttl().Key(k).Build()).AsInt64()
	if err != nil {
		return 0, time.Time{}, err
	}
	// -1: no expiry yet, either a fresh key or a window whose PEXPIRE was lost.
	if remaining < 0 {
		if err := c.client.Do(ctx, c.client.B().Pexpire().Key(k).Milliseconds(ttl.Milliseconds()).Build()).Error(); err != nil {
			return 0, time.Time{}, err
		}
		remaining = ttl.Milliseconds()
	}
	return count, time.Now().Add(time.Duration(remaining) * time.Millisecond), nil
}

// GetCount returns the current counter value.
func (c *Cache) GetCount(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Do(ctx, c.client.B().Get().Key(c.key(key)).Build()).AsInt64()
	if valkey.IsValkeyNil(err) {
		return 0, nil
	}
	return n, err
}

// Reset drops a counter.
func (c *Cache) Reset(ctx context.Context, key string) error {
	return c.Delete(ctx, key)
}

// Close releases the client.
func (c *Cache) Close() error {
	c.client.Close()
	return nil
}

var _ cache.CacheWithCounter = (*Cache)(nil)

// Package memory provides an in-memory cache implementation with TTL support.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/anycard/anycard-go/internal/cache"
)

// Config is the [cache.drivers.memory] table.
type Config struct {
	DefaultTTLSeconds      int `mapstructure:"default_ttl_seconds"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`
}

func init() {
	cache.RegisterDriver("memory", func(raw map[string]any) (cache.CacheWithCounter, error) {
		cfg := Config{DefaultTTLSeconds: 900, CleanupIntervalSeconds: 300}
		if err := cache.DecodeConfig(raw, &cfg); err != nil {
			return nil, err
		}
		return New(time.Duration(cfg.DefaultTTLSeconds)*time.Second,
			time.Duration(cfg.CleanupIntervalSeconds)*time.Second), nil
	})
}

type item struct {
	value     []byte
	expiresAt time.Time
}

type counterItem struct {
	value     int64
	expiresAt time.Time
}

// Cache is an in-memory cache with TTL support.
type Cache struct {
	mu         sync.RWMutex
	items      map[string]*item
	counters   map[string]*counterItem
	defaultTTL time.Duration
	stopClean  chan struct{}
	closeOnce  sync.Once
	now        func() time.Time
}

// New creates a new in-memory cache.
// cleanupInterval specifies how often expired entries are swept (0 disables).
func New(defaultTTL time.Duration, cleanupInterval time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 15 * time.Minute
	}
	c := &Cache{
		items:      make(map[string]*item),
		counters:   make(map[string]*counterItem),
		defaultTTL: defaultTTL,
		stopClean:  make(chan struct{}),
		now:        time.Now,
	}
	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}
	return c
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-c.stopClean:
			return
		}
	}
}

func (c *Cache) deleteExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
	for k, v := range c.counters {
		if now.After(v.expiresAt) {
			delete(c.counters, k)
		}
	}
}

// Get retrieves a copy of the value stored under key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	if c.now().After(it.expiresAt) {
		return nil, cache.ErrExpired
	}
	return append([]byte(nil), it.value...), nil
}

// Set stores a copy of value with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &item{
		value:     append([]byte(nil), value...),
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// Exists checks if a key exists and is not expired.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key]
	return ok && !c.now().After(it.expiresAt), nil
}

// Increment adds delta to a counter and returns the new value and reset time.
func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Time, error) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	counter, ok := c.counters[key]
	if !ok || now.After(counter.expiresAt) {
		counter = &counterItem{expiresAt: now.Add(ttl)}
		c.counters[key] = counter
	}
	counter.value += delta
	return counter.value, counter.expiresAt, nil
}

// GetCount returns the current counter value.
func (c *Cache) GetCount(ctx context.Context, key string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counter, ok := c.counters[key]
	if !ok || c.now().After(counter.expiresAt) {
		return 0, nil
	}
	return counter.value, nil
}

// Reset drops a counter.
func (c *Cache) Reset(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counters, key)
	return nil
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() { close(c.stopClean) })
	return nil
}

var _ cache.CacheWithCounter = (*Cache)(nil)

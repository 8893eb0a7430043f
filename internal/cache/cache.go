// Package cache provides TTL key-value storage and counters used for rate limiting.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrExpired  = errors.New("key expired")
)

// Cache provides TTL-based key-value storage.
type Cache interface {
	// Get retrieves a value by key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. If TTL is 0, use default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists and is not expired.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases resources.
	Close() error
}

// Counter provides atomic increments for fixed-window rate limiting.
type Counter interface {
	// Increment adds delta to the counter and returns the new value and the
	// time the window resets. A missing key starts a new window of ttl.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Time, error)

	// GetCount returns the current counter value, 0 if not found.
	GetCount(ctx context.Context, key string) (int64, error)

	// Reset drops the counter.
	Reset(ctx context.Context, key string) error
}

// CacheWithCounter combines Cache and Counter interfaces.
type CacheWithCounter interface {
	Cache
	Counter
}

// TTLRateLimit is the default rate limit window.
const TTLRateLimit = time.Minute

// DriverFactory builds a driver from its [cache.drivers.<name>] table.
type DriverFactory func(config map[string]any) (CacheWithCounter, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]DriverFactory{}
)

// RegisterDriver makes a driver available by name. Drivers call it from init.
func RegisterDriver(name string, factory DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// AvailableDrivers returns the registered driver names, sorted.
func AvailableDrivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named driver. An empty name selects "memory". configs is
// the [cache.drivers] table; only the selected driver's entry is used.
func New(name string, configs map[string]any) (CacheWithCounter, error) {
	if name == "" {
		name = "memory"
	}
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown cache driver %q (available: %v)", name, AvailableDrivers())
	}

	var cfg map[string]any
	if raw, ok := configs[name]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cache.drivers.%s must be a table", name)
		}
		cfg = m
	}
	return factory(cfg)
}

// DecodeConfig decodes a driver table into out. Numbers and strings are
// converted leniently since TOML integers arrive as int64.
func DecodeConfig(config map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(config); err != nil {
		return fmt.Errorf("invalid cache driver config: %w", err)
	}
	return nil
}

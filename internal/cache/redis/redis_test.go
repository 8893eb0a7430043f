package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/anycard/anycard-go/internal/cache"
	"github.com/anycard/anycard-go/internal/cache/redis"
)

func newCache(t *testing.T) (*redis.Cache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	cfg := redis.DefaultConfig()
	cfg.Addr = s.Addr()
	c, err := redis.New(cfg)
	if err != nil {
		t.Fatalf("failed to create redis cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, s
}

func TestNew_FailFastUnreachable(t *testing.T) {
	cfg := redis.DefaultConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeoutMS = 100

	if _, err := redis.New(cfg); err == nil {
		t.Fatal("expected error when connecting to unreachable Redis, got nil")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := redis.DefaultConfig()
	if cfg.Addr != "localhost:6379" || cfg.DB != 0 || cfg.Password != "" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestCache_SetGetDelete(t *testing.T) {
	c, s := newCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v\x00binary"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || string(got) != "v\x00binary" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if !s.Exists("anycard:k") {
		t.Error("expected key to carry the configured prefix")
	}
	if exists, _ := c.Exists(ctx, "k"); !exists {
		t.Error("Exists = false")
	}

	s.FastForward(2 * time.Minute)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry, got %v", err)
	}

	c.Set(ctx, "k2", []byte("x"), 0)
	if err := c.Delete(ctx, "k2"); err != nil {
		t.Fatal(err)
	}
	if exists, _ := c.Exists(ctx, "k2"); exists {
		t.Error("deleted key still exists")
	}
}

func TestIncrement_Window(t *testing.T) {
	c, s := newCache(t)
	ctx := context.Background()
	ttl := 30 * time.Second
	now := time.Now()

	count, resetAt, err := c.Increment(ctx, "counter", 1, ttl)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected count 1, got %d", count)
	}
	expected := now.Add(ttl)
	if resetAt.Before(expected.Add(-2*time.Second)) || resetAt.After(expected.Add(2*time.Second)) {
		t.Errorf("resetAt %v not within 2s of expected %v", resetAt, expected)
	}

	count, _, _ = c.Increment(ctx, "counter", 2, ttl)
	if count != 3 {
		t.Errorf("expected count 3, got %d", count)
	}
	if got, _ := c.GetCount(ctx, "counter"); got != 3 {
		t.Errorf("GetCount = %d", got)
	}
	if ttlLeft := s.TTL("anycard:counter"); ttlLeft <= 0 || ttlLeft > ttl {
		t.Errorf("window TTL = %v", ttlLeft)
	}

	s.FastForward(ttl + time.Second)
	if got, _ := c.GetCount(ctx, "counter"); got != 0 {
		t.Errorf("expired counter reported %d", got)
	}

	c.Increment(ctx, "counter", 5, ttl)
	c.Reset(ctx, "counter")
	if got, _ := c.GetCount(ctx, "counter"); got != 0 {
		t.Errorf("GetCount after Reset = %d", got)
	}
}

func TestRegisteredDriver(t *testing.T) {
	s := miniredis.RunT(t)
	c, err := cache.New("redis", map[string]any{
		"redis": map[string]any{"addr": s.Addr(), "key_prefix": "t:", "db": int64(0)},
	})
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	c.Set(ctx, "a", []byte("1"), time.Minute)
	if !s.Exists("t:a") {
		t.Error("expected key under configured prefix")
	}
}

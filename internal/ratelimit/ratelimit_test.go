package ratelimit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anycard/anycard-go/internal/appctx"
	"github.com/anycard/anycard-go/internal/cache/memory"
	"github.com/anycard/anycard-go/internal/identity"
	"github.com/anycard/anycard-go/internal/ratelimit"
)

func newLimiter(t *testing.T, n int64) *ratelimit.Limiter {
	t.Helper()
	c := memory.New(time.Minute, 0)
	t.Cleanup(func() { c.Close() })
	return ratelimit.New(c, &ratelimit.Config{
		RequestsPerWindow: n,
		Window:            time.Minute,
		KeyPrefix:         "test:",
	})
}

func TestLimiter_Allow(t *testing.T) {
	limiter := newLimiter(t, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "client1")
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !result.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
		if want := int64(4 - i); result.Remaining != want {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, want, result.Remaining)
		}
	}

	result, err := limiter.Allow(ctx, "client1")
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if result.Allowed || result.Remaining != 0 {
		t.Errorf("6th request: %+v", result)
	}

	if result, _ := limiter.Allow(ctx, "client2"); !result.Allowed {
		t.Error("client2 should have its own quota")
	}
}

func TestLimiter_CheckAndReset(t *testing.T) {
	limiter := newLimiter(t, 3)
	ctx := context.Background()

	result, err := limiter.Check(ctx, "client1")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !result.Allowed || result.Remaining != 3 {
		t.Errorf("fresh Check = %+v", result)
	}

	limiter.Allow(ctx, "client1")
	limiter.Allow(ctx, "client1")
	for i := 0; i < 2; i++ {
		if result, _ := limiter.Check(ctx, "client1"); result.Remaining != 1 {
			t.Errorf("Check must not count requests, remaining %d", result.Remaining)
		}
	}

	limiter.Allow(ctx, "client1")
	if result, _ := limiter.Check(ctx, "client1"); result.Allowed {
		t.Error("exhausted quota reported as allowed")
	}
	if err := limiter.Reset(ctx, "client1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if result, _ := limiter.Allow(ctx, "client1"); !result.Allowed {
		t.Error("should be allowed after reset")
	}
}

func TestPerMinute(t *testing.T) {
	cfg := ratelimit.PerMinute(30, "uploads")
	if cfg.RequestsPerWindow != 30 || cfg.Window != time.Minute || cfg.KeyPrefix != "ratelimit:uploads:" {
		t.Errorf("PerMinute = %+v", cfg)
	}
}

func TestKeyFromRequest(t *testing.T) {
	tests := []struct {
		name      string
		remote    string
		xff       string
		principal *identity.Principal
		expected  string
	}{
		{"ipv4", "192.168.1.1:12345", "", nil, "ip:192.168.1.1"},
		{"ipv6", "[::1]:12345", "", nil, "ip:::1"},
		{"forwarding header ignored", "192.168.1.1:12345", "10.0.0.1", nil, "ip:192.168.1.1"},
		{"no port", "192.168.1.1", "", nil, "ip:192.168.1.1"},
		{"principal", "192.168.1.1:12345", "", &identity.Principal{OwnerID: "abc"}, "owner:abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.principal != nil {
				req = req.WithContext(appctx.WithPrincipal(req.Context(), tt.principal))
			}
			if key := ratelimit.KeyFromRequest(req); key != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, key)
			}
		})
	}
}

func TestLimiter_Middleware(t *testing.T) {
	limiter := newLimiter(t, 2)
	wrapped := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		wrapped.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("missing or incorrect X-RateLimit-Limit header")
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	var body struct {
		Error struct {
			ReasonCode string `json:"reason_code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body.Error.ReasonCode != "rate_limited" {
		t.Errorf("unexpected body: %v %+v", err, body)
	}
}

package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/anycard/anycard-go/internal/appctx"
	"github.com/anycard/anycard-go/internal/identity"
)

// logRecorder captures records together with attributes attached via With.
type logRecorder struct {
	mu      *sync.Mutex
	records *[]logRecord
	attrs   []slog.Attr
}

type logRecord struct {
	message string
	attrs   map[string]any
}

func newLogRecorder() *logRecorder {
	return &logRecorder{mu: &sync.Mutex{}, records: &[]logRecord{}}
}

func (r *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *logRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	attrs := make(map[string]any)
	for _, a := range r.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	*r.records = append(*r.records, logRecord{message: rec.Message, attrs: attrs})
	return nil
}

func (r *logRecorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logRecorder{mu: r.mu, records: r.records, attrs: append(append([]slog.Attr{}, r.attrs...), attrs...)}
}

func (r *logRecorder) WithGroup(string) slog.Handler { return r }

func (r *logRecorder) find(message string) *logRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range *r.records {
		if (*r.records)[i].message == message {
			rec := (*r.records)[i]
			return &rec
		}
	}
	return nil
}

func TestAccessLogMiddleware_RequiredFields(t *testing.T) {
	recorder := newLogRecorder()
	logger := slog.New(recorder)
	tp := NewTrustedProxies([]string{"127.0.0.0/8"})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(RequestLoggerMiddleware(logger, tp))
	r.Use(AccessLogMiddleware(logger, tp))
	r.Use(chimw.Recoverer)
	r.Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("hello"))
	})

	req := httptest.NewRequest("GET", "/test?secret=1", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	r.ServeHTTP(httptest.NewRecorder(), req)

	rec := recorder.find("request")
	if rec == nil {
		t.Fatal("expected 'request' access log entry")
	}
	for _, field := range []string{"request_id", "method", "path", "client_ip", "status", "bytes", "duration_ms"} {
		if _, ok := rec.attrs[field]; !ok {
			t.Errorf("missing access log field %q", field)
		}
	}
	if rec.attrs["path"] != "/test" {
		t.Errorf("expected path without query, got %v", rec.attrs["path"])
	}
	if rec.attrs["client_ip"] != "203.0.113.9" {
		t.Errorf("expected forwarded client ip, got %v", rec.attrs["client_ip"])
	}
	if status, ok := rec.attrs["status"].(int64); !ok || status != http.StatusTeapot {
		t.Errorf("expected status 418, got %v", rec.attrs["status"])
	}
	if b, ok := rec.attrs["bytes"].(int64); !ok || b != 5 {
		t.Errorf("expected 5 bytes, got %v", rec.attrs["bytes"])
	}
}

func TestAccessLogMiddleware_FallbackWithoutRequestLogger(t *testing.T) {
	recorder := newLogRecorder()
	r := chi.NewRouter()
	r.Use(AccessLogMiddleware(slog.New(recorder), nil))
	r.Get("/x", func(w http.ResponseWriter, r *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))

	rec := recorder.find("request")
	if rec == nil {
		t.Fatal("expected access log entry")
	}
	if rec.attrs["client_ip"] != "unknown" || rec.attrs["method"] != "GET" {
		t.Errorf("unexpected fallback fields: %v", rec.attrs)
	}
}

func TestPrincipalMiddleware(t *testing.T) {
	resolver := &identity.HeaderResolver{Owners: identity.NewOwnerIDs("salt")}
	tp := NewTrustedProxies([]string{"127.0.0.0/8"})

	tests := []struct {
		name     string
		remote   string
		email    string
		trustAll bool
		status   int
		want     string
	}{
		{"trusted proxy", "127.0.0.1:1", "Alice@Example.com", false, http.StatusOK, "alice@example.com"},
		{"untrusted peer ignored", "198.51.100.1:1", "alice@example.com", false, http.StatusOK, ""},
		{"dev mode trusts anyone", "198.51.100.1:1", "alice@example.com", true, http.StatusOK, "alice@example.com"},
		{"no header is anonymous", "127.0.0.1:1", "", false, http.StatusOK, ""},
		{"invalid email rejected", "127.0.0.1:1", "not an email", false, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := PrincipalMiddleware(resolver, tp, tt.trustAll)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if p, ok := appctx.PrincipalFromContext(r.Context()); ok {
					got = p.Email
				}
			}))

			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.email != "" {
				req.Header.Set(identity.DefaultEmailHeader, tt.email)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, w.Code)
			}
			if got != tt.want {
				t.Errorf("principal email = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRealIPMiddleware(t *testing.T) {
	tp := NewTrustedProxies([]string{"127.0.0.0/8"})
	var seen string
	h := RealIPMiddleware(tp)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.RemoteAddr
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "203.0.113.9:5555" {
		t.Errorf("expected rewritten remote addr, got %q", seen)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "198.51.100.1:5555" {
		t.Errorf("untrusted peer must keep its address, got %q", seen)
	}
}

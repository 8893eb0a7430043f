package appctx

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/anycard/anycard-go/internal/identity"
)

func TestLoggerFromContext(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	tests := []struct {
		name   string
		ctx    context.Context
		wantOK bool
	}{
		{"attached", WithLogger(context.Background(), logger), true},
		{"missing", context.Background(), false},
		{"nil", context.WithValue(context.Background(), loggerKey{}, (*slog.Logger)(nil)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LoggerFromContext(tt.ctx)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != logger {
				t.Error("expected the attached logger")
			}
		})
	}
}

func TestGetLoggerFallsBackToDefault(t *testing.T) {
	if got := GetLogger(context.Background()); got != slog.Default() {
		t.Error("expected slog.Default() when no logger is attached")
	}
}

func TestGetLoggerActuallyLogs(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithLogger(context.Background(), slog.New(slog.NewTextHandler(buf, nil)))

	GetLogger(ctx).Info("test message", "key", "value")

	if !bytes.Contains(buf.Bytes(), []byte("test message")) || !bytes.Contains(buf.Bytes(), []byte("key=value")) {
		t.Errorf("unexpected log output: %s", buf.String())
	}
}

func TestPrincipalFromContext(t *testing.T) {
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Error("expected no principal on a bare context")
	}
	if _, ok := PrincipalFromContext(WithPrincipal(context.Background(), nil)); ok {
		t.Error("expected nil principal to be reported as missing")
	}

	p := &identity.Principal{OwnerID: "abc", Email: "a@x.com"}
	got, ok := PrincipalFromContext(WithPrincipal(context.Background(), p))
	if !ok || got != p {
		t.Errorf("PrincipalFromContext = %v, %v", got, ok)
	}
}

package logutil

import (
	"log/slog"
	"testing"
)

func TestNoopIfNil(t *testing.T) {
	if NoopIfNil(nil) != Noop() {
		t.Error("expected discard logger for nil")
	}
	l := slog.Default()
	if NoopIfNil(l) != l {
		t.Error("expected the given logger back")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWithWriterAddsAppAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "flowserv", "info")
	logger.Debug("hidden")
	logger.Info("visible", "chunk_id", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %q", out)
	}
	if !strings.Contains(out, "app=flowserv") || !strings.Contains(out, "chunk_id=3") {
		t.Fatalf("missing attributes in %q", out)
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) != slog.Default() {
		t.Fatal("OrDefault(nil) should be slog.Default()")
	}
	l := Discard()
	if OrDefault(l) != l {
		t.Fatal("OrDefault should return non-nil logger unchanged")
	}
}

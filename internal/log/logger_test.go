package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v (raw=%q)", err, buf.String())
	}
	return out
}

func TestSetup(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	var buf bytes.Buffer
	Setup("DEBUG", "json", &buf)
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}

	Get().Debug("debug visible")
	if !strings.Contains(buf.String(), "debug visible") {
		t.Errorf("expected debug record, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger = New("INFO", "json", &buf)

	WithComponent("test-comp").Info("hello")

	out := decodeLine(t, &buf)
	if out["component"] != "test-comp" {
		t.Errorf("Expected component 'test-comp', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithPlugin(t *testing.T) {
	var buf bytes.Buffer
	logger = New("INFO", "json", &buf)

	WithPlugin("my-plugin").Info("plugin msg")

	out := decodeLine(t, &buf)
	if out["plugin"] != "my-plugin" {
		t.Errorf("Expected plugin 'my-plugin', got %v", out["plugin"])
	}
}

func TestWithJob(t *testing.T) {
	var buf bytes.Buffer
	logger = New("INFO", "json", &buf)

	WithJob("job-123").Info("job msg")

	out := decodeLine(t, &buf)
	if out["job_id"] != "job-123" {
		t.Errorf("Expected job_id 'job-123', got %v", out["job_id"])
	}
}

func TestContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := New("INFO", "json", &buf).With(slog.String("component", "runnable"))

	ctx := ContextAttrs(context.Background(), slog.String("runnable_id", "r-1"))
	ctx = ContextAttrs(ctx, slog.String("plugin", "echo"))
	l.InfoContext(ctx, "started")

	out := decodeLine(t, &buf)
	if out["runnable_id"] != "r-1" || out["plugin"] != "echo" || out["component"] != "runnable" {
		t.Errorf("unexpected attrs: %v", out)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	New("INFO", "text", &buf).Info("plain", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("expected text handler output, got %q", buf.String())
	}
}

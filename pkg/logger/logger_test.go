package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func captureDefault(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(old) })
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decoding log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestWithComponentTagsEveryLine(t *testing.T) {
	buf := captureDefault(t)

	WithComponent("history-store").Info("record inserted")

	entry := decodeLine(t, buf)
	if entry["component"] != "history-store" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["msg"] != "record inserted" {
		t.Errorf("msg = %v", entry["msg"])
	}
}

func TestFromContextCarriesRequestID(t *testing.T) {
	buf := captureDefault(t)

	ctx := WithRequestID(context.Background(), "abc123")
	FromContext(ctx).Info("handled")

	entry := decodeLine(t, buf)
	if entry["request_id"] != "abc123" {
		t.Errorf("request_id = %v", entry["request_id"])
	}
}

func TestFromContextWithoutRequestID(t *testing.T) {
	buf := captureDefault(t)

	FromContext(context.Background()).Info("handled")

	entry := decodeLine(t, buf)
	if _, ok := entry["request_id"]; ok {
		t.Error("unexpected request_id on a bare context")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRuntimeLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewRuntimeLogger(&Config{Level: slog.LevelDebug, Format: "json", Output: &buf})

	scoped := logger.WithComponent("runner").WithSession("app/u1/s1", "inv-1")
	scoped.Info("invocation started", "steps", 0)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["component"] != "runner" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["session_id"] != "app/u1/s1" || entry["invocation_id"] != "inv-1" {
		t.Errorf("session context = %v / %v", entry["session_id"], entry["invocation_id"])
	}
	if entry["msg"] != "invocation started" {
		t.Errorf("msg = %v", entry["msg"])
	}

	// With* return copies; the base logger stays unscoped
	buf.Reset()
	logger.Info("plain")
	var plain map[string]any
	if err := json.Unmarshal(buf.Bytes(), &plain); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := plain["session_id"]; ok {
		t.Error("WithSession mutated the base logger")
	}
}

func TestRuntimeLoggerToolAndModelHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewRuntimeLogger(&Config{Level: slog.LevelInfo, Format: "text", Output: &buf})

	logger.LogToolCall("place_order", 5*time.Millisecond, true, nil)
	if !strings.Contains(buf.String(), "tool_name=place_order") {
		t.Errorf("tool log missing fields: %s", buf.String())
	}

	buf.Reset()
	logger.LogModelCall("gpt-4o", 10*time.Millisecond, false, errors.New("rate limited"))
	out := buf.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "rate limited") {
		t.Errorf("model failure log = %s", out)
	}
}

func TestRuntimeLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewRuntimeLogger(&Config{Level: slog.LevelWarn, Format: "text", Output: &buf})
	logger.Debug("hidden")
	logger.Info("hidden too")
	if buf.Len() != 0 {
		t.Errorf("below-level output: %s", buf.String())
	}
	logger.Warn("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("warn output missing: %s", buf.String())
	}
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(slog.New(slog.NewTextHandler(&buf, nil)))
	adapter.Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("adapter output = %s", buf.String())
	}
}

func TestNoOpLoggerIsSilent(t *testing.T) {
	var l Logger = NoOpLogger{}
	l.Debug("a")
	l.Info("b")
	l.Warn("c")
	l.Error("d")
}

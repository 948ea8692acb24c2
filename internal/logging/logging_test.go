package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(config.TelemetryConfig{LogLevel: "info"}, &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.With(slog.String("component", "test")).Info("hello", slog.Int("chunks", 3))
	logger.Debug("dropped")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["msg"] != "hello" || entry["component"] != "test" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "voice.log")
	var buf bytes.Buffer
	logger, closeFn, err := New(config.TelemetryConfig{LogLevel: "debug", LogFile: path}, &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("to file")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Fatalf("expected entry in log file, got %q", data)
	}
}

func TestRejectsUnknownLevel(t *testing.T) {
	if _, _, err := New(config.TelemetryConfig{LogLevel: "loud"}, nil); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

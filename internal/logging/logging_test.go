package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/syncd/internal/config"
)

func TestNew_JSONToWriter(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(config.LogConfig{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.Info("run finished", "component", "executor", "operation_id", "roll-1")
	l.Debug("hidden")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "run finished" || line["operation_id"] != "roll-1" {
		t.Errorf("unexpected record %v", line)
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(config.LogConfig{Level: "debug", Format: "text"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Debug("tick", "worker", "scheduler")

	if out := buf.String(); !strings.Contains(out, "msg=tick") || !strings.Contains(out, "worker=scheduler") {
		t.Errorf("unexpected text output %q", out)
	}
}

func TestNew_TeesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "syncd.log")
	var buf bytes.Buffer
	l, err := New(config.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Warn("batch failed", "operation_id", "roll-2")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Equal(data, buf.Bytes()) {
		t.Errorf("file and stdout differ:\nfile: %q\nout:  %q", data, buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

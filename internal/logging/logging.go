// Package logging builds the process-wide slog logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hyperengineering/syncd/internal/config"
)

// Logger owns the handler output and any rotating file behind it.
type Logger struct {
	*slog.Logger
	file io.WriteCloser
}

// New creates a logger writing to out and, when cfg.File is set, to a
// rotating log file as well.
func New(cfg config.LogConfig, out io.Writer) (*Logger, error) {
	if out == nil {
		out = os.Stdout
	}
	w := out

	var file io.WriteCloser
	if cfg.File != "" {
		fw, err := createFileWriter(cfg)
		if err != nil {
			return nil, err
		}
		file = fw
		w = io.MultiWriter(out, fw)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler), file: file}, nil
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func createFileWriter(cfg config.LogConfig) (io.WriteCloser, error) {
	if dir := filepath.Dir(cfg.File); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}, nil
}

// ParseLevel maps a config level name to a slog level. Unknown names log
// at info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

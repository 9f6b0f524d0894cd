// Package logger provides structured logging for the remoting runtime.
//
// It wraps log/slog behind package-level functions so protocol code can
// log without threading a logger through every layer. Level, format, and
// output destination are reconfigurable at runtime.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Config holds logger configuration.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	currentLevel atomic.Int32 // slog.Level

	mu      sync.RWMutex
	output  io.Writer = os.Stderr
	format            = "text"
	slogger           = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

// Init applies the given configuration. Output may be "stdout", "stderr",
// or a file path which is opened in append mode.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %q: %w", cfg.Output, err)
		}
		output = f
	}

	if cfg.Format != "" {
		format = strings.ToLower(cfg.Format)
	}
	if cfg.Level != "" {
		currentLevel.Store(int32(parseLevel(cfg.Level)))
	}
	rebuild()
	return nil
}

// InitWithWriter directs log output to a custom writer. Primarily for tests.
func InitWithWriter(w io.Writer, level, fmt string) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	if fmt != "" {
		format = strings.ToLower(fmt)
	}
	if level != "" {
		currentLevel.Store(int32(parseLevel(level)))
	}
	rebuild()
}

// SetLevel changes the minimum log level. Invalid values are ignored.
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel.Store(int32(parseLevel(level)))
	rebuild()
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// rebuild recreates the handler from current settings. Callers hold mu.
func rebuild() {
	opts := &slog.HandlerOptions{Level: slog.Level(currentLevel.Load())}
	if format == "json" {
		slogger = slog.New(slog.NewJSONHandler(output, opts))
	} else {
		slogger = slog.New(slog.NewTextHandler(output, opts))
	}
}

func get() *slog.Logger {
	mu.RLock()
	l := slogger
	mu.RUnlock()
	return l
}

// Debug logs at debug level with structured fields.
// Usage: Debug("message", "key1", value1, "key2", value2)
func Debug(msg string, args ...any) {
	if slog.Level(currentLevel.Load()) > slog.LevelDebug {
		return
	}
	get().Debug(msg, args...)
}

// Info logs at info level with structured fields.
func Info(msg string, args ...any) {
	if slog.Level(currentLevel.Load()) > slog.LevelInfo {
		return
	}
	get().Info(msg, args...)
}

// Warn logs at warn level with structured fields.
func Warn(msg string, args ...any) {
	if slog.Level(currentLevel.Load()) > slog.LevelWarn {
		return
	}
	get().Warn(msg, args...)
}

// Error logs at error level with structured fields.
func Error(msg string, args ...any) {
	get().Error(msg, args...)
}

// With returns a logger with pre-bound attributes, used by connection
// handlers to stamp session and peer fields on every line.
func With(args ...any) *slog.Logger {
	return get().With(args...)
}

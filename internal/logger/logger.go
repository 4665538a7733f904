// Package logger provides leveled, printf-style logging for qf.
//
// All packages log through the package-level functions so that the CLI can
// switch verbosity once at startup:
//
//	logger.SetLevel(logger.LevelDebug)
//	logger.Info("Pushed %s (%d bytes)", repoID, size)
//
// Output is written through log/slog with a text handler on stderr.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level is the minimum severity that is emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a level name ("debug", "info", "warn", "error") to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

var (
	mu       sync.RWMutex
	levelVar = new(slog.LevelVar)
	current  = newLogger(os.Stderr)
)

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar}))
}

// SetLevel sets the minimum level that is emitted.
func SetLevel(l Level) {
	levelVar.Set(toSlog(l))
}

// SetOutput redirects log output. Mainly used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	current = newLogger(w)
}

func toSlog(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logf(l Level, format string, args ...interface{}) {
	mu.RLock()
	lg := current
	mu.RUnlock()

	lvl := toSlog(l)
	if !lg.Enabled(context.Background(), lvl) {
		return
	}
	lg.Log(context.Background(), lvl, fmt.Sprintf(format, args...))
}

// Debug logs a debug message.
func Debug(format string, args ...interface{}) { logf(LevelDebug, format, args...) }

// Info logs an informational message.
func Info(format string, args ...interface{}) { logf(LevelInfo, format, args...) }

// Warn logs a warning.
func Warn(format string, args ...interface{}) { logf(LevelWarn, format, args...) }

// Error logs an error.
func Error(format string, args ...interface{}) { logf(LevelError, format, args...) }

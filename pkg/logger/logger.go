package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level represents the logging level
type Level int

const (
	// LevelError shows only error messages
	LevelError Level = iota
	// LevelWarn shows warnings and errors
	LevelWarn
	// LevelInfo shows informational messages, warnings, and errors (default)
	LevelInfo
	// LevelDebug shows all messages including detailed debug information
	LevelDebug
)

// Logger is a leveled structured logger. Children created with Module share
// the parent's level, so SetLevel on any of them applies to the whole tree.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New creates a logger writing to w in the given format ("text" or "json")
func New(w io.Writer, level Level, format string) *Logger {
	if w == nil {
		w = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(level.slogLevel())

	opts := &slog.HandlerOptions{Level: levelVar}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  levelVar,
	}
}

// Discard returns a logger that drops every record
func Discard() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		level:  &slog.LevelVar{},
	}
}

// Module returns a child logger tagged with the module attribute
func (l *Logger) Module(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("module", name),
		level:  l.level,
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level.slogLevel())
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() Level {
	switch lvl := l.level.Level(); {
	case lvl <= slog.LevelDebug:
		return LevelDebug
	case lvl <= slog.LevelInfo:
		return LevelInfo
	case lvl <= slog.LevelWarn:
		return LevelWarn
	default:
		return LevelError
	}
}

// ParseLevel parses a string level name and returns the corresponding Level
func ParseLevel(levelStr string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info", "":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s (valid levels: error, warn, info, debug)", levelStr)
	}
}

// String returns the string representation of a level
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelError:
		return slog.LevelError
	case LevelWarn:
		return slog.LevelWarn
	case LevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

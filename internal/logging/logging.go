package logging

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"unicode"
)

// ErrInvalidLevel is returned for an unknown level name.
var ErrInvalidLevel = errors.New("invalid log level")

// LogLevelManager manages runtime log level adjustment
type LogLevelManager struct {
	level slog.LevelVar
}

var globalLogLevelManager = newLogLevelManager()

func newLogLevelManager() *LogLevelManager {
	m := &LogLevelManager{}
	m.level.Set(slog.LevelInfo)
	return m
}

// GetLogLevelManager returns the global log level manager
func GetLogLevelManager() *LogLevelManager {
	return globalLogLevelManager
}

// SetLevel sets the current log level; loggers built by Setup pick it up
// immediately.
func (m *LogLevelManager) SetLevel(level slog.Level) {
	m.level.Set(level)
}

// GetLevel returns the current log level
func (m *LogLevelManager) GetLevel() slog.Level {
	return m.level.Level()
}

// Leveler exposes the level for slog handler options.
func (m *LogLevelManager) Leveler() slog.Leveler {
	return &m.level
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG", "TRACE":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, ErrInvalidLevel
	}
}

// New builds a logger writing to w in the given format ("json" or "text")
// whose level follows the global LogLevelManager.
func New(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: globalLogLevelManager.Leveler()}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("service", "mail-archiver")
}

// Setup installs the process-wide default logger. An invalid level falls
// back to INFO and is reported as a warning.
func Setup(w io.Writer, levelStr, format string) *slog.Logger {
	level, err := StringToLevel(levelStr)
	globalLogLevelManager.SetLevel(level)

	logger := New(w, format)
	slog.SetDefault(logger)

	if err != nil {
		logger.Warn("invalid log level in config, defaulting to INFO",
			"configured_level", levelStr)
	}
	return logger
}

// Sanitize normalizes client-supplied text to a single line and removes
// control characters that could be used for log injection.
func Sanitize(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringToLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := StringToLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	level, err := StringToLevel("LOUD")
	assert.ErrorIs(t, err, ErrInvalidLevel)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLevelToString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelToString(slog.LevelDebug))
	assert.Equal(t, "WARN", LevelToString(slog.LevelWarn))
	assert.Equal(t, "INFO", LevelToString(slog.Level(3)))
}

func TestSetup_JSONAndRuntimeLevel(t *testing.T) {
	defer GetLogLevelManager().SetLevel(slog.LevelInfo)

	var buf bytes.Buffer
	logger := Setup(&buf, "INFO", "json")

	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	GetLogLevelManager().SetLevel(slog.LevelDebug)
	logger.Debug("visible", "component", "test")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["msg"])
	assert.Equal(t, "mail-archiver", entry["service"])
	assert.Equal(t, "test", entry["component"])
}

func TestSetup_InvalidLevelWarns(t *testing.T) {
	defer GetLogLevelManager().SetLevel(slog.LevelInfo)

	var buf bytes.Buffer
	Setup(&buf, "chatty", "text")
	assert.Contains(t, buf.String(), "invalid log level")
	assert.Equal(t, slog.LevelInfo, GetLogLevelManager().GetLevel())
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "HELO a  forged=1", Sanitize("HELO a\r\nforged=1"))
	assert.Equal(t, "tab\tkept", Sanitize("tab\tkept\x00\x1b"))
}

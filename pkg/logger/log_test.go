package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogLevel(t *testing.T) {
	defer LogLevel.Set(slog.LevelError)

	SetLogLevel("DEBUG")
	assert.Equal(t, slog.LevelDebug, LogLevel.Level())

	SetLogLevel("bogus")
	assert.Equal(t, slog.LevelDebug, LogLevel.Level())

	SetLogLevel("warn")
	assert.Equal(t, slog.LevelWarn, LogLevel.Level())
}

func TestTimestampKey(t *testing.T) {
	defer LogLevel.Set(slog.LevelError)
	SetLogLevel("info")

	var buf bytes.Buffer
	New(&buf).Info("connected", "host", "h")

	out := buf.String()
	assert.Contains(t, out, "timestamp=")
	assert.NotContains(t, out, "time=")
	assert.Contains(t, out, "host=h")
}

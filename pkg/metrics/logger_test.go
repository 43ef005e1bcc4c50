package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"DEBUG", LevelDebug},
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"WARN", LevelWarn},
		{"WARNING", LevelWarn},
		{"ERROR", LevelError},
		{"SILENT", LevelSilent},
		{"OFF", LevelSilent},
		{"invalid", LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, ParseLevel(tt.input), tt.input)
	}
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, FormatJSON, ParseFormat("JSON"))
	assert.Equal(t, FormatText, ParseFormat("console"))
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	logger := NewLogger(
		WithOutput(&buf),
		WithLevel(LevelDebug),
		WithFormat(FormatJSON),
		withClock(func() time.Time { return at }),
	)
	logger.Info("tunnel established", Fields{"hops": 2})

	entry := decode(t, &buf)
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "tunnel established", entry["msg"])
	assert.EqualValues(t, 2, entry["hops"])
	assert.Equal(t, at.Format(time.RFC3339Nano), entry["time"])
}

func TestLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithLevel(LevelDebug), WithName("relay"))
	logger.Warn("rate limited", Fields{"zebra": "1", "apple": "2"})

	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "relay")
	assert.Contains(t, out, "rate limited")
	assert.Less(t, strings.Index(out, "apple"), strings.Index(out, "zebra"), "fields are sorted")
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithLevel(LevelWarn))

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error message")
}

func TestLoggerSilentLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithLevel(LevelSilent))
	logger.Error("error")
	assert.Zero(t, buf.Len())
}

func TestLoggerSetLevelReachesChildren(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithLevel(LevelError))
	child := logger.Named("tunnel")

	child.Info("should not appear")
	assert.Zero(t, buf.Len())

	logger.SetLevel(LevelInfo)
	child.Info("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestLoggerWithAndNamed(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(
		WithOutput(&buf),
		WithFormat(FormatJSON),
		WithFields(Fields{"service": "pqtunnel"}),
		WithName("parent"),
	)
	logger.Named("child").With(Fields{"tunnel": "abc"}).Info("test", Fields{"b": "2"}, Fields{"c": "3"})

	entry := decode(t, &buf)
	assert.Equal(t, "parent.child", entry["logger"])
	assert.Equal(t, "pqtunnel", entry["service"])
	assert.Equal(t, "abc", entry["tunnel"])
	assert.Equal(t, "2", entry["b"])
	assert.Equal(t, "3", entry["c"])
}

func TestZapSharesCore(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithFormat(FormatJSON))
	logger.Zap().Info("from zap")
	assert.Equal(t, "from zap", decode(t, &buf)["msg"])
}

func TestGlobalLogger(t *testing.T) {
	prev := GetLogger()
	t.Cleanup(func() { SetLogger(prev) })

	var buf bytes.Buffer
	SetLogger(TestLogger(&buf))
	Info("global test")
	assert.Contains(t, buf.String(), "global test")

	NullLogger().Error("discarded")
}

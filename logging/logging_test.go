package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: LevelInfo, Output: &buf})

	logger.Debug("debug message")
	assert.Zero(t, buf.Len(), "debug message should be filtered at info level")

	logger.Info("info message")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "info message", lines[0]["msg"])
}

func TestLogger_SetLevelAppliesToChildren(t *testing.T) {
	var buf bytes.Buffer
	root := New(Options{Level: LevelInfo, Output: &buf})
	child := root.WithComponent("queue")

	root.SetLevel(LevelDebug)
	child.Debug("visible")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "queue", lines[0]["component"])
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Output: &buf}).WithComponent("pool")
	logger.Info("test message", zap.String("provider", "groq"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "pool", lines[0]["component"])
	assert.Equal(t, "groq", lines[0]["provider"])
	assert.Equal(t, "pool", logger.Component())
}

func TestLogger_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Format: "console", Output: &buf})
	logger.Warn("careful", zap.Int("n", 3))

	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "careful")
}

func TestLogger_EventHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: LevelDebug, Output: &buf})

	logger.Dispatched("groq", 1, 20*time.Millisecond)
	logger.RateLimited("groq", 2*time.Second, true)
	logger.Expired("groq", 61*time.Second)
	logger.Fallback("groq", "cerebras")
	logger.Retry("groq", 1, time.Second)
	logger.ProviderDisabled("openai", 3)
	logger.SessionEvent("session_registered", "t-1", 1)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 7)

	msgs := make([]string, len(lines))
	for i, l := range lines {
		msgs[i] = l["msg"].(string)
	}
	assert.Equal(t, []string{
		"dispatch", "rate_limited", "request_expired", "fallback",
		"retry", "provider_disabled", "session_registered",
	}, msgs)
	assert.Equal(t, "2s", lines[1]["retry_after"])
	assert.Equal(t, true, lines[1]["requeued"])
	assert.Equal(t, "cerebras", lines[3]["to"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"TRACE":   LevelDebug,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNop(t *testing.T) {
	logger := Nop()
	logger.Error("dropped")
	assert.NotNil(t, logger.Zap())
}

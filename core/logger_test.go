package core

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardLoggerJSONFormatEmitsOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger("stableinfra/test", "json", false, &buf)
	logger.Info("hello", map[string]interface{}{"key": "value"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "stableinfra/test", entry["component"])
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "value", entry["key"])
}

func TestStandardLoggerTextFormatIncludesLevelAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger("stableinfra/test", "text", false, &buf)
	logger.Warn("careful", map[string]interface{}{"n": 1})

	line := buf.String()
	assert.Contains(t, line, "[WARN]")
	assert.Contains(t, line, "[stableinfra/test]")
	assert.Contains(t, line, "careful")
	assert.Contains(t, line, "n=1")
}

func TestStandardLoggerDebugSuppressedUnlessEnabled(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger("c", "text", false, &buf)
	logger.Debug("hidden", nil)
	assert.Empty(t, buf.String())

	logger = NewStandardLogger("c", "text", true, &buf)
	logger.Debug("shown", nil)
	assert.Contains(t, buf.String(), "shown")
}

func TestStandardLoggerWithComponentDerivesScopedLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger("stableinfra", "text", false, &buf)
	scoped := logger.WithComponent("stableinfra/policy")
	scoped.Info("scoped msg", nil)
	assert.Contains(t, buf.String(), "[stableinfra/policy]")
}

func TestStandardLoggerWithRequestIDAddsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger("c", "json", false, &buf)
	ctx := WithRequestID(context.Background(), "req-123")
	logger.InfoWithContext(ctx, "msg", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-123", entry["request_id"])
}

func TestStandardLoggerWithoutRequestIDOmitsField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger("c", "text", false, &buf)
	logger.InfoWithContext(context.Background(), "msg", nil)
	assert.False(t, strings.Contains(buf.String(), "req="))
}

func TestNoOpLoggerDiscardsEverything(t *testing.T) {
	var logger Logger = &NoOpLogger{}
	logger.Info("x", nil)
	logger.ErrorWithContext(context.Background(), "y", nil)
}

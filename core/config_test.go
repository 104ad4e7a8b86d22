package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "stableinfra", cfg.Component)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 3, cfg.DefaultAttempts)
}

func TestNewConfigAppliesOptionsInOrder(t *testing.T) {
	cfg, err := NewConfig(
		WithComponent("stableinfra/custom"),
		WithLogFormat("json"),
		WithLogDebug(true),
		WithDefaultAttempts(5),
		WithDefaultWait(10*time.Millisecond),
		WithDefaultExecutionTimeout(time.Second),
		WithDefaultMaxAllowedWait(2*time.Second),
		WithRedisAddr("redis:6379"),
		WithMetrics(true),
		WithTelemetry(true, "otel:4317"),
	)
	require.NoError(t, err)
	assert.Equal(t, "stableinfra/custom", cfg.Component)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.LogDebug)
	assert.Equal(t, 5, cfg.DefaultAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.DefaultWait)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.True(t, cfg.MetricsEnabled)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, "otel:4317", cfg.OTLPEndpoint)
}

func TestNewConfigSkipsNilOptions(t *testing.T) {
	cfg, err := NewConfig(nil, WithDefaultAttempts(7))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.DefaultAttempts)
}

func TestNewConfigPropagatesOptionError(t *testing.T) {
	_, err := NewConfig(WithRedisAddr(""))
	require.Error(t, err)
}

func TestConfigValidateRejectsInvalidDefaultAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultAttempts = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestConfigValidateRejectsNegativeDefaultWait(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultWait = -time.Second
	require.Error(t, cfg.Validate())
}

func TestConfigValidateRejectsUnknownLogFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogFormat = "xml"
	require.Error(t, cfg.Validate())
}

func TestConfigNewLoggerBuildsStandardLogger(t *testing.T) {
	cfg := DefaultConfig()
	logger := cfg.NewLogger()
	assert.NotNil(t, logger)
}

package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRateLimiterRejectsInvalidConfig(t *testing.T) {
	_, err := NewRateLimiter(&RateLimiterConfig{MaxRequests: 0, Window: time.Second})
	require.Error(t, err)
}

func TestRateLimiterAdmitsUpToMaxRequestsWithoutWaiting(t *testing.T) {
	rl, err := NewRateLimiter(&RateLimiterConfig{MaxRequests: 3, Window: time.Second})
	require.NoError(t, err)
	defer rl.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Wait(context.Background()))
	}
	m := rl.Metrics()
	assert.Equal(t, uint64(0), m["waitedCalls"])
}

func TestRateLimiterParksExcessCallersUntilWindowAges(t *testing.T) {
	rl, err := NewRateLimiter(&RateLimiterConfig{MaxRequests: 1, Window: 30 * time.Millisecond})
	require.NoError(t, err)
	defer rl.Close()

	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = rl.Wait(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond, "the second caller must wait for the window to age out")

	m := rl.Metrics()
	assert.Equal(t, uint64(1), m["waitedCalls"])
}

func TestRateLimiterWaitAbortsOnContextCancellation(t *testing.T) {
	rl, err := NewRateLimiter(&RateLimiterConfig{MaxRequests: 1, Window: time.Minute})
	require.NoError(t, err)
	defer rl.Close()
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err = rl.Wait(ctx)
	require.Error(t, err)
}

func TestRateLimiterMetricsReportsThrottleRate(t *testing.T) {
	rl, err := NewRateLimiter(&RateLimiterConfig{MaxRequests: 1, Window: 20 * time.Millisecond})
	require.NoError(t, err)
	defer rl.Close()

	require.NoError(t, rl.Wait(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, rl.Wait(ctx))

	m := rl.Metrics()
	assert.Greater(t, m["throttleRate"].(float64), 0.0)
}

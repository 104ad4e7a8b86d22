package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConcurrencyLimiterRejectsInvalidConfig(t *testing.T) {
	_, err := NewConcurrencyLimiter(&ConcurrencyLimiterConfig{Limit: 0})
	require.Error(t, err)
}

func TestConcurrencyLimiterAcquireWithinLimitNeverBlocks(t *testing.T) {
	cl, err := NewConcurrencyLimiter(&ConcurrencyLimiterConfig{Limit: 2})
	require.NoError(t, err)

	tok1, err := cl.Acquire(context.Background())
	require.NoError(t, err)
	_, err = cl.Acquire(context.Background())
	require.NoError(t, err)

	m := cl.Metrics()
	assert.Equal(t, 2, m["running"])
	cl.Release(tok1, true)
	m = cl.Metrics()
	assert.Equal(t, 1, m["running"])
}

func TestConcurrencyLimiterQueuesFIFOBeyondLimit(t *testing.T) {
	cl, err := NewConcurrencyLimiter(&ConcurrencyLimiterConfig{Limit: 1})
	require.NoError(t, err)

	tok1, err := cl.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, acqErr := cl.Acquire(context.Background())
			if acqErr != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			cl.Release(tok, true)
		}(i)
		time.Sleep(2 * time.Millisecond) // stagger enqueue order
	}

	cl.Release(tok1, true)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order, "waiters must be granted the slot in FIFO enqueue order")
}

func TestConcurrencyLimiterAcquireRespectsContextCancellation(t *testing.T) {
	cl, err := NewConcurrencyLimiter(&ConcurrencyLimiterConfig{Limit: 1})
	require.NoError(t, err)
	_, err = cl.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = cl.Acquire(ctx)
	require.Error(t, err)
}

func TestConcurrencyLimiterReleaseTracksSuccessAndFailureCounts(t *testing.T) {
	cl, err := NewConcurrencyLimiter(&ConcurrencyLimiterConfig{Limit: 2})
	require.NoError(t, err)
	tok1, _ := cl.Acquire(context.Background())
	tok2, _ := cl.Acquire(context.Background())

	cl.Release(tok1, true)
	cl.Release(tok2, false)

	m := cl.Metrics()
	assert.Equal(t, uint64(1), m["successfulReleases"])
	assert.Equal(t, uint64(1), m["failedReleases"])
}

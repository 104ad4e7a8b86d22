package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/stableinfra/core"
)

// ConcurrencyLimiterConfig configures the counting-semaphore concurrency
// limiter of spec.md §4.B.
type ConcurrencyLimiterConfig struct {
	Name  string
	Limit int
}

// ConcurrencyLimiter is a FIFO counting semaphore. Acquire blocks until a
// slot of Limit is free or ctx is done; Release returns it, recording
// whether the guarded call succeeded for the slot's metrics.
type ConcurrencyLimiter struct {
	limit int

	mu      sync.Mutex
	running int
	waiters []chan struct{}

	peakConcurrency  int
	totalAcquired    uint64
	totalQueueWaitNs int64
	successes        uint64
	failures         uint64
}

// NewConcurrencyLimiter constructs a limiter of the given capacity.
func NewConcurrencyLimiter(config *ConcurrencyLimiterConfig) (*ConcurrencyLimiter, error) {
	if config == nil || config.Limit < 1 {
		return nil, fmt.Errorf("%w: concurrency limiter requires limit >= 1", core.ErrInvalidConfiguration)
	}
	return &ConcurrencyLimiter{limit: config.Limit}, nil
}

// Token must be passed back to Release after the guarded call completes.
type Token struct {
	acquiredAt time.Time
	queueWait  time.Duration
}

// Acquire blocks, FIFO, until a slot is available.
func (c *ConcurrencyLimiter) Acquire(ctx context.Context) (Token, error) {
	start := time.Now()
	c.mu.Lock()
	if c.running < c.limit {
		c.running++
		if c.running > c.peakConcurrency {
			c.peakConcurrency = c.running
		}
		c.totalAcquired++
		c.mu.Unlock()
		return Token{acquiredAt: time.Now()}, nil
	}
	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		c.mu.Lock()
		c.totalAcquired++
		c.totalQueueWaitNs += int64(time.Since(start))
		c.mu.Unlock()
		return Token{acquiredAt: time.Now(), queueWait: time.Since(start)}, nil
	case <-ctx.Done():
		c.removeWaiter(ch)
		return Token{}, fmt.Errorf("%w: %v", core.ErrConcurrencyLimit, ctx.Err())
	}
}

func (c *ConcurrencyLimiter) removeWaiter(target chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.waiters {
		if ch == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Release returns the slot, recording success/failure for its metrics, and
// hands the slot to the next FIFO waiter if any.
func (c *ConcurrencyLimiter) Release(_ Token, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.successes++
	} else {
		c.failures++
	}

	if len(c.waiters) > 0 {
		ch := c.waiters[0]
		c.waiters = c.waiters[1:]
		close(ch) // ownership of the slot transfers directly to the waiter
		return
	}
	c.running--
}

// Metrics reports peak concurrency and queue-wait statistics.
func (c *ConcurrencyLimiter) Metrics() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	avgWait := time.Duration(0)
	if c.totalAcquired > 0 {
		avgWait = time.Duration(c.totalQueueWaitNs / int64(c.totalAcquired))
	}
	return map[string]interface{}{
		"limit":              c.limit,
		"running":            c.running,
		"peakConcurrency":    c.peakConcurrency,
		"averageQueueWait":   avgWait,
		"successfulReleases": c.successes,
		"failedReleases":     c.failures,
	}
}

package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/itsneelabh/stableinfra/core"
)

// RateLimiterConfig configures the sliding-window rate limiter of spec.md
// §4.B: "retains accepted timestamps within windowMs; admits when
// |window| < maxRequests. Waiters parked in FIFO queue."
type RateLimiterConfig struct {
	Name        string
	MaxRequests int
	Window      time.Duration
}

// RateLimiter admits up to MaxRequests calls per sliding Window, parking
// excess callers in FIFO order until an old timestamp ages out. The sliding
// timestamp ring alone decides admission. An embedded golang.org/x/time/rate
// limiter is fed one Allow call for each call admitted without waiting, and
// its answer is not used; the shape follows the Bitcoin-Sprint example,
// which wraps x/time/rate behind its own Allow/Wait surface in
// internal/network/manager.go.
type RateLimiter struct {
	config *RateLimiterConfig
	limiter *rate.Limiter

	mu         sync.Mutex
	timestamps []time.Time
	waiters    []chan struct{}

	totalCalls   uint64
	waitedCalls  uint64
	peakQueueLen int

	stop chan struct{}
}

// NewRateLimiter constructs a limiter and starts its background waiter pump.
func NewRateLimiter(config *RateLimiterConfig) (*RateLimiter, error) {
	if config == nil || config.MaxRequests < 1 || config.Window <= 0 {
		return nil, fmt.Errorf("%w: rate limiter requires maxRequests >= 1 and window > 0", core.ErrInvalidConfiguration)
	}
	perSecond := float64(config.MaxRequests) / config.Window.Seconds()
	rl := &RateLimiter{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(perSecond), config.MaxRequests),
		stop:    make(chan struct{}),
	}
	go rl.pump()
	return rl, nil
}

// Close stops the background waiter pump.
func (r *RateLimiter) Close() {
	close(r.stop)
}

func (r *RateLimiter) pump() {
	interval := r.config.Window / 20
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			r.wakeNextLocked()
			r.mu.Unlock()
		}
	}
}

func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.config.Window)
	i := 0
	for i < len(r.timestamps) && r.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		r.timestamps = r.timestamps[i:]
	}
}

func (r *RateLimiter) tryAdmitLocked(now time.Time) bool {
	r.prune(now)
	if len(r.timestamps) < r.config.MaxRequests {
		r.timestamps = append(r.timestamps, now)
		return true
	}
	return false
}

func (r *RateLimiter) wakeNextLocked() {
	for len(r.waiters) > 0 {
		if !r.tryAdmitLocked(time.Now()) {
			return
		}
		ch := r.waiters[0]
		r.waiters = r.waiters[1:]
		close(ch)
	}
}

// Wait blocks, FIFO, until a slot in the sliding window opens or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	r.totalCalls++
	now := time.Now()
	if r.tryAdmitLocked(now) {
		r.mu.Unlock()
		_ = r.limiter.Allow() // feeds the token bucket; its answer does not affect admission
		return nil
	}
	r.waitedCalls++
	ch := make(chan struct{})
	r.waiters = append(r.waiters, ch)
	if len(r.waiters) > r.peakQueueLen {
		r.peakQueueLen = len(r.waiters)
	}
	r.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		r.removeWaiter(ch)
		return fmt.Errorf("%w: %v", core.ErrRateLimitWaitAborted, ctx.Err())
	}
}

func (r *RateLimiter) removeWaiter(target chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ch := range r.waiters {
		if ch == target {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return
		}
	}
}

// Metrics reports the throttle fraction and peak queue length spec.md §4.B
// names for the rate limiter.
func (r *RateLimiter) Metrics() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	throttleRate := 0.0
	if r.totalCalls > 0 {
		throttleRate = float64(r.waitedCalls) / float64(r.totalCalls)
	}
	return map[string]interface{}{
		"totalCalls":     r.totalCalls,
		"waitedCalls":    r.waitedCalls,
		"throttleRate":   throttleRate,
		"peakQueueDepth": r.peakQueueLen,
		"windowOccupied": len(r.timestamps),
	}
}

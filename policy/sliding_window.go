package policy

import (
	"sync"
	"time"
)

// bucket holds success/failure counts for one time slice of the window.
type bucket struct {
	success uint64
	failure uint64
	start   time.Time
}

// SlidingWindow is a bucketed ring retaining recent outcomes for a fixed
// duration, used by the circuit breaker to compute an error rate without
// retaining unbounded history. Grounded on the teacher's
// resilience/circuit_breaker.go SlidingWindow.
type SlidingWindow struct {
	mu          sync.Mutex
	windowSize  time.Duration
	bucketSize  time.Duration
	buckets     []bucket
	currentIdx  int
	lastRotated time.Time
}

// NewSlidingWindow creates a window spanning windowSize split into
// bucketCount equal buckets (minimum 1).
func NewSlidingWindow(windowSize time.Duration, bucketCount int) *SlidingWindow {
	if bucketCount < 1 {
		bucketCount = 1
	}
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	now := time.Now()
	buckets := make([]bucket, bucketCount)
	for i := range buckets {
		buckets[i].start = now
	}
	return &SlidingWindow{
		windowSize:  windowSize,
		bucketSize:  windowSize / time.Duration(bucketCount),
		buckets:     buckets,
		lastRotated: now,
	}
}

func (w *SlidingWindow) rotateLocked() {
	now := time.Now()
	elapsed := now.Sub(w.lastRotated)
	if elapsed < w.bucketSize {
		return
	}
	rotations := int(elapsed / w.bucketSize)
	if rotations > len(w.buckets) {
		rotations = len(w.buckets)
	}
	for i := 0; i < rotations; i++ {
		w.currentIdx = (w.currentIdx + 1) % len(w.buckets)
		w.buckets[w.currentIdx] = bucket{start: now}
	}
	w.lastRotated = now
}

// RecordSuccess registers one successful outcome in the current bucket.
func (w *SlidingWindow) RecordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotateLocked()
	w.buckets[w.currentIdx].success++
}

// RecordFailure registers one failed outcome in the current bucket.
func (w *SlidingWindow) RecordFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotateLocked()
	w.buckets[w.currentIdx].failure++
}

// Counts returns total success/failure across all retained buckets.
func (w *SlidingWindow) Counts() (success, failure uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotateLocked()
	for _, b := range w.buckets {
		success += b.success
		failure += b.failure
	}
	return
}

// Total returns the sum of success and failure counts.
func (w *SlidingWindow) Total() uint64 {
	s, f := w.Counts()
	return s + f
}

// ErrorRate returns failure/(success+failure), or 0 when the window is empty.
func (w *SlidingWindow) ErrorRate() float64 {
	s, f := w.Counts()
	total := s + f
	if total == 0 {
		return 0
	}
	return float64(f) / float64(total)
}

// Reset clears all buckets, used on a CLOSED transition.
func (w *SlidingWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for i := range w.buckets {
		w.buckets[i] = bucket{start: now}
	}
	w.lastRotated = now
}

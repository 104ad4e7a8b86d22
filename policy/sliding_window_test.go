package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindowRecordsSuccessAndFailureCounts(t *testing.T) {
	w := NewSlidingWindow(time.Second, 4)
	w.RecordSuccess()
	w.RecordSuccess()
	w.RecordFailure()

	s, f := w.Counts()
	assert.Equal(t, uint64(2), s)
	assert.Equal(t, uint64(1), f)
	assert.Equal(t, uint64(3), w.Total())
}

func TestSlidingWindowErrorRateComputation(t *testing.T) {
	w := NewSlidingWindow(time.Second, 4)
	for i := 0; i < 3; i++ {
		w.RecordSuccess()
	}
	w.RecordFailure()

	assert.InDelta(t, 0.25, w.ErrorRate(), 0.0001)
}

func TestSlidingWindowErrorRateIsZeroWhenEmpty(t *testing.T) {
	w := NewSlidingWindow(time.Second, 4)
	assert.Equal(t, 0.0, w.ErrorRate())
}

func TestSlidingWindowResetClearsAllBuckets(t *testing.T) {
	w := NewSlidingWindow(time.Second, 4)
	w.RecordFailure()
	w.Reset()

	s, f := w.Counts()
	assert.Equal(t, uint64(0), s)
	assert.Equal(t, uint64(0), f)
}

func TestSlidingWindowDropsOldBucketsOutsideWindow(t *testing.T) {
	w := NewSlidingWindow(40*time.Millisecond, 4)
	w.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	w.RecordSuccess()

	s, f := w.Counts()
	assert.Equal(t, uint64(1), s)
	assert.Equal(t, uint64(0), f, "the failure recorded before the window elapsed must have rotated out")
}

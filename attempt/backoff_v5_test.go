package attempt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffV5StrategyNewSequenceAppliesOverrides(t *testing.T) {
	strategy := NewBackoffV5Strategy(5*time.Millisecond, 50*time.Millisecond)
	seq := strategy.newSequence()
	require := assert.New(t)
	require.Equal(5*time.Millisecond, seq.boff.InitialInterval)
	require.Equal(50*time.Millisecond, seq.boff.MaxInterval)
}

func TestBackoffV5StrategyZeroOverridesKeepLibraryDefaults(t *testing.T) {
	strategy := &BackoffV5Strategy{}
	seq := strategy.newSequence()
	assert.Greater(t, seq.boff.InitialInterval, time.Duration(0), "zero InitialInterval must fall back to backoff/v5's own default")
}

func TestBackoffSequenceNextGrowsAndIsConcurrencySafe(t *testing.T) {
	strategy := NewBackoffV5Strategy(10*time.Millisecond, time.Second)
	seq := strategy.newSequence()

	first := seq.next(time.Second)
	assert.Greater(t, first, time.Duration(0))

	done := make(chan time.Duration, 10)
	for i := 0; i < 10; i++ {
		go func() { done <- seq.next(time.Second) }()
	}
	for i := 0; i < 10; i++ {
		d := <-done
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

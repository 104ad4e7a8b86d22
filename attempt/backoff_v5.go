package attempt

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffV5Strategy configures the RetryBackoffV5 strategy: inter-attempt
// wait computed by cenkalti/backoff/v5's exponential-with-jitter algorithm
// instead of this package's hand-rolled RetryExponential table. Useful when
// a caller wants jittered backoff to avoid synchronized retries across
// concurrent items, the same failure mode the teacher's own
// resilience.Retry guards against with its sine-based jitter term.
type BackoffV5Strategy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewBackoffV5Strategy constructs a BackoffV5Strategy with the given
// initial and maximum inter-attempt wait.
func NewBackoffV5Strategy(initial, max time.Duration) *BackoffV5Strategy {
	return &BackoffV5Strategy{InitialInterval: initial, MaxInterval: max}
}

// newSequence builds a fresh, unshared backoff.ExponentialBackOff for one
// Attempt Loop invocation. A new sequence per Execute call (rather than one
// shared instance mutated across concurrent items under the same Config)
// keeps this safe when the same BackoffV5Strategy is reused across a
// Gateway Executor's concurrent items.
func (s *BackoffV5Strategy) newSequence() *backoffSequence {
	b := backoff.NewExponentialBackOff()
	if s.InitialInterval > 0 {
		b.InitialInterval = s.InitialInterval
	}
	if s.MaxInterval > 0 {
		b.MaxInterval = s.MaxInterval
	}
	return &backoffSequence{boff: b}
}

// backoffSequence wraps one ExponentialBackOff instance for the lifetime of
// a single Execute call; its own mutex guards the (unlikely but possible)
// case of a caller sharing a Config across goroutines dispatching the same
// item concurrently.
type backoffSequence struct {
	mu   sync.Mutex
	boff *backoff.ExponentialBackOff
}

func (s *backoffSequence) next(maxAllowedWait time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.boff.NextBackOff()
	if d == backoff.Stop {
		return maxAllowedWait
	}
	return d
}

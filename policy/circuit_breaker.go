// Package policy implements the four Policy Units the Attempt Loop gates
// every dispatch through, in the fixed order cache lookup, circuit breaker,
// rate limiter, concurrency limiter: circuit breaker (this file), sliding-window
// rate limiter, counting-semaphore concurrency limiter, and a TTL+LRU cache.
// All four are grounded on itsneelabh/gomind's resilience/circuit_breaker.go
// and resilience/retry.go, generalized from a single global breaker per
// process into keyed instances so a gateway can scope policy state per item,
// per group, or globally, per spec.md §5 "Shared-resource policy".
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/stableinfra/core"
)

// CircuitState is the breaker's observable state.
type CircuitState int

const (
	Closed CircuitState = iota
	Open
	HalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig mirrors spec.md §4.B's parameter list verbatim.
type CircuitBreakerConfig struct {
	Name                       string
	FailureThresholdPercentage float64 // e.g. 50.0
	MinimumRequests            int
	RecoveryTimeout            time.Duration
	SuccessThresholdPercentage float64
	HalfOpenMaxRequests        int
	TrackIndividualAttempts    bool
	WindowSize                 time.Duration // sliding window retained for failure% computation
	BucketCount                int
}

// DefaultCircuitBreakerConfig provides sensible defaults in the teacher's style.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:                       name,
		FailureThresholdPercentage: 50.0,
		MinimumRequests:            10,
		RecoveryTimeout:            30 * time.Second,
		SuccessThresholdPercentage: 60.0,
		HalfOpenMaxRequests:        5,
		TrackIndividualAttempts:    true,
		WindowSize:                 60 * time.Second,
		BucketCount:                10,
	}
}

func (c *CircuitBreakerConfig) validate() error {
	if c.MinimumRequests < 1 {
		return fmt.Errorf("%w: minimumRequests must be >= 1", core.ErrInvalidConfiguration)
	}
	if c.HalfOpenMaxRequests < 1 {
		return fmt.Errorf("%w: halfOpenMaxRequests must be >= 1", core.ErrInvalidConfiguration)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("%w: recoveryTimeout must be > 0", core.ErrInvalidConfiguration)
	}
	return nil
}

// CircuitBreaker implements the CLOSED/OPEN/HALF_OPEN state machine of
// spec.md §4.B, safe for concurrent use with its own internal serialization.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	logger core.Logger

	mu               sync.Mutex
	state            CircuitState
	openUntil        time.Time
	halfOpenInFlight int
	halfOpenSuccess  int
	halfOpenTotal    int
	stateTransitions uint64

	window *SlidingWindow

	openCount       uint64
	totalOpenTime   time.Duration
	lastOpenedAt    time.Time
	recoveryAttempt uint64
	recoverySuccess uint64

	listeners []func(name string, from, to CircuitState)
}

// NewCircuitBreaker validates config and constructs a CLOSED breaker.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: circuit breaker config is required", core.ErrInvalidConfiguration)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &CircuitBreaker{
		config: config,
		logger: &core.NoOpLogger{},
		state:  Closed,
		window: NewSlidingWindow(config.WindowSize, config.BucketCount),
	}, nil
}

// SetLogger wires a structured logger for state-transition visibility.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger != nil {
		cb.logger = withComponent(logger, "stableinfra/policy")
	}
}

// withComponent adapts loggers that do / don't implement WithComponent.
func withComponent(l core.Logger, name string) core.Logger {
	if cal, ok := l.(core.ComponentAwareLogger); ok {
		return cal.WithComponent(name)
	}
	return l
}

// AddStateChangeListener registers a callback fired on every transition.
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// CanExecute evaluates the gate for §4.A step 3. When HALF_OPEN, a true
// result consumes one of HalfOpenMaxRequests probe slots; callers MUST
// call RecordSuccess/RecordFailure exactly once per granted slot.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.canExecuteLocked()
}

func (cb *CircuitBreaker) canExecuteLocked() bool {
	now := time.Now()
	switch cb.state {
	case Closed:
		return true
	case Open:
		if now.Before(cb.openUntil) {
			return false
		}
		cb.transitionLocked(HalfOpen)
		fallthrough
	case HalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenMaxRequests {
			return false
		}
		cb.halfOpenInFlight++
		return true
	}
	return false
}

// RecordSuccess records a successful probe/attempt outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.window.RecordSuccess()

	if cb.state == HalfOpen {
		cb.halfOpenInFlight--
		cb.halfOpenSuccess++
		cb.halfOpenTotal++
		cb.recoverySuccess++
		successPct := 100 * float64(cb.halfOpenSuccess) / float64(cb.halfOpenTotal)
		if successPct >= cb.config.SuccessThresholdPercentage {
			cb.transitionLocked(Closed)
		}
		return
	}
	cb.evaluateLocked()
}

// RecordFailure records a failed probe/attempt outcome.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.window.RecordFailure()

	if cb.state == HalfOpen {
		cb.halfOpenInFlight--
		cb.halfOpenTotal++
		cb.recoveryAttempt++
		cb.transitionLocked(Open) // HALF_OPEN -> OPEN on first probe failure
		return
	}
	cb.evaluateLocked()
}

func (cb *CircuitBreaker) evaluateLocked() {
	if cb.state != Closed {
		return
	}
	total := cb.window.Total()
	if total < uint64(cb.config.MinimumRequests) {
		return
	}
	if cb.window.ErrorRate()*100 >= cb.config.FailureThresholdPercentage {
		cb.transitionLocked(Open)
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateTransitions++

	now := time.Now()
	switch to {
	case Open:
		cb.openUntil = now.Add(cb.config.RecoveryTimeout)
		cb.openCount++
		cb.lastOpenedAt = now
	case HalfOpen:
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccess = 0
		cb.halfOpenTotal = 0
	case Closed:
		if !cb.lastOpenedAt.IsZero() {
			cb.totalOpenTime += now.Sub(cb.lastOpenedAt)
		}
		cb.window.Reset()
	}

	cb.logger.Info("circuit breaker state transition", map[string]interface{}{
		"name": cb.config.Name, "from": from.String(), "to": to.String(),
	})
	for _, listener := range cb.listeners {
		listener(cb.config.Name, from, to)
	}
}

// ForceOpen manually forces the breaker open regardless of window state.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(Open)
	cb.openUntil = time.Now().Add(365 * 24 * time.Hour)
}

// ForceClosed manually forces the breaker closed and resets its window.
func (cb *CircuitBreaker) ForceClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(Closed)
}

// State returns the current state under the spec's string tokens.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// Metrics returns the derived metrics spec.md §4.B names.
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	avgOpen := time.Duration(0)
	if cb.openCount > 0 {
		avgOpen = cb.totalOpenTime / time.Duration(cb.openCount)
	}
	recoveryRate := 0.0
	if cb.recoveryAttempt+cb.recoverySuccess > 0 {
		recoveryRate = float64(cb.recoverySuccess) / float64(cb.recoveryAttempt+cb.recoverySuccess)
	}
	success, failure := cb.window.Counts()
	return map[string]interface{}{
		"state":               cb.state.String(),
		"stateTransitions":    cb.stateTransitions,
		"openCount":           cb.openCount,
		"averageOpenDuration": avgOpen,
		"recoverySuccessRate": recoveryRate,
		"windowSuccess":       success,
		"windowFailure":       failure,
	}
}

// Execute runs fn gated by the breaker, without the attempt-loop's retry
// wrapping — a thin convenience for callers that only need breaker
// semantics.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.CanExecute() {
		return core.ErrCircuitBreakerOpen
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameworkErrorFormatsOpIDAndErr(t *testing.T) {
	err := &FrameworkError{Op: "attempt.dispatch", ID: "item-1", Err: errors.New("boom")}
	assert.Equal(t, "attempt.dispatch [item-1]: boom", err.Error())
}

func TestFrameworkErrorFormatsOpWithoutID(t *testing.T) {
	err := &FrameworkError{Op: "gateway.execute", Err: errors.New("boom")}
	assert.Equal(t, "gateway.execute: boom", err.Error())
}

func TestFrameworkErrorFallsBackToMessage(t *testing.T) {
	err := &FrameworkError{Message: "plain message"}
	assert.Equal(t, "plain message", err.Error())
}

func TestFrameworkErrorFallsBackToKindWhenEmpty(t *testing.T) {
	err := &FrameworkError{Kind: "timeout"}
	assert.Equal(t, "timeout error", err.Error())
}

func TestFrameworkErrorUnwrapExposesWrappedErr(t *testing.T) {
	wrapped := errors.New("boom")
	err := &FrameworkError{Op: "x", Err: wrapped}
	assert.ErrorIs(t, err, wrapped)
}

func TestNewFrameworkErrorWrapsSentinel(t *testing.T) {
	err := NewFrameworkError("attempt.dispatch", "circuit", ErrCircuitBreakerOpen)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestIsRetryableRecognizesPolicyGateErrors(t *testing.T) {
	assert.True(t, IsRetryable(ErrCircuitBreakerOpen))
	assert.True(t, IsRetryable(ErrRateLimitWaitAborted))
	assert.True(t, IsRetryable(ErrConcurrencyLimit))
	assert.False(t, IsRetryable(ErrInvalidConfiguration))
}

func TestIsTimeoutRecognizesTimeoutSentinels(t *testing.T) {
	assert.True(t, IsTimeout(ErrExecutionTimeout))
	assert.True(t, IsTimeout(ErrGatewayTimeout))
	assert.False(t, IsTimeout(ErrMaxRetriesExceeded))
}

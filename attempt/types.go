// Package attempt implements the Attempt Loop (spec.md §4.A): executes one
// Item up to N times through the Policy Units, classifying and retrying
// failures per a configurable strategy. Grounded on the retry/backoff
// mechanics of itsneelabh/gomind's resilience/retry.go
// (RetryWithCircuitBreaker) generalized from a single wrapped function call
// into the full ten-step per-attempt gate sequence spec.md names.
package attempt

import (
	"context"
	"time"

	"github.com/itsneelabh/stableinfra/buffer"
	"github.com/itsneelabh/stableinfra/persistence"
	"github.com/itsneelabh/stableinfra/policy"
)

// RequestData is a field-wise (headers/query) overlay applied to a REQUEST
// item's descriptor before dispatch — spec.md §4.D's commonRequestData,
// merged key-wise (not replaced wholesale) across the Gateway Executor's
// global→group→item precedence levels, distinct from the whole-field
// Config overlay gateway.mergeConfig already performs.
type RequestData struct {
	Headers map[string]string
	Query   map[string]string
}

// ItemKind tags whether an Item dispatches an HTTP request or a function.
type ItemKind int

const (
	ItemKindRequest ItemKind = iota
	ItemKindFunction
)

func (k ItemKind) String() string {
	if k == ItemKindFunction {
		return "FUNCTION"
	}
	return "REQUEST"
}

// RequestDescriptor is the immutable HTTP request shape of spec.md §3.
type RequestDescriptor struct {
	Protocol string // "http" or "https"
	Host     string
	Port     int // derived from Protocol if zero (80/443)
	Path     string
	Method   string
	Headers  map[string]string
	Query    map[string]string
	Body     interface{}
}

// FunctionDescriptor is the opaque callable handle of spec.md §3.
type FunctionDescriptor struct {
	Fn        func(ctx context.Context, args []interface{}) (interface{}, error)
	Args      []interface{}
	Cacheable bool
}

// Item is one unit of work submitted to the Attempt Loop or the Gateway
// Executor, optionally annotated with a stable id and groupId.
type Item struct {
	ID       string
	GroupID  string
	Kind     ItemKind
	Request  *RequestDescriptor
	Function *FunctionDescriptor
}

// Classification is the outcome tag of one attempt.
type Classification int

const (
	ClassSuccess Classification = iota
	ClassFailHTTP
	ClassFailNetwork
	ClassFailValidation
	ClassFailTimeout
	ClassFailCircuitOpen
)

func (c Classification) String() string {
	switch c {
	case ClassSuccess:
		return "SUCCESS"
	case ClassFailHTTP:
		return "FAIL_HTTP"
	case ClassFailNetwork:
		return "FAIL_NETWORK"
	case ClassFailValidation:
		return "FAIL_VALIDATION"
	case ClassFailTimeout:
		return "FAIL_TIMEOUT"
	case ClassFailCircuitOpen:
		return "FAIL_CIRCUIT_OPEN"
	default:
		return "UNKNOWN"
	}
}

// AttemptRecord is one entry of an Item result's attempts list.
type AttemptRecord struct {
	Ordinal        int
	Start          time.Time
	End            time.Time
	ExecutionTime  time.Duration
	Classification Classification
	HTTPStatus     int
	ErrorMessage   string
	Retryable      bool
}

// InfrastructureMetrics surfaces the Policy Units' own metrics snapshots
// alongside an item's result, when those units were configured.
type InfrastructureMetrics struct {
	CircuitBreaker      map[string]interface{}
	Cache               map[string]interface{}
	RateLimiter         map[string]interface{}
	ConcurrencyLimiter  map[string]interface{}
}

// ItemMetrics summarizes one item's attempt history.
type ItemMetrics struct {
	TotalAttempts         int
	SuccessfulAttempts    int
	FailedAttempts        int
	TotalExecutionTime    time.Duration
	AverageAttemptTime    time.Duration
	InfrastructureMetrics InfrastructureMetrics
}

// ItemResult is the outcome of running the Attempt Loop over one Item.
type ItemResult struct {
	Success bool
	Data    interface{}
	Error   error
	Attempts []AttemptRecord
	Metrics  ItemMetrics
}

// RetryStrategy selects how the inter-attempt wait grows with k.
type RetryStrategy int

const (
	RetryFixed RetryStrategy = iota
	RetryLinear
	RetryExponential
	// RetryBackoffV5 computes inter-attempt wait with cenkalti/backoff/v5's
	// jittered exponential algorithm; requires Config.BackoffV5 to be set,
	// otherwise behaves like RetryFixed.
	RetryBackoffV5
)

// PreExecutionInput is passed to the PreExecution hook.
type PreExecutionInput struct {
	InputParams  interface{}
	CommonBuffer *buffer.StableBuffer
	ItemOptions  *Config
}

// PreExecutionOverride is the patch a PreExecution hook may return.
type PreExecutionOverride struct {
	Headers map[string]string
	Query   map[string]string
	Body    interface{}
	Args    []interface{}
}

// ResponseAnalyzerInput is passed to the response analyzer hook.
type ResponseAnalyzerInput struct {
	Data         interface{}
	Params       interface{}
	CommonBuffer *buffer.StableBuffer
}

// AttemptOutcomeInput is passed to the success/error hooks.
type AttemptOutcomeInput struct {
	Attempt      AttemptRecord
	Data         interface{}
	Err          error
	CommonBuffer *buffer.StableBuffer
}

// FinalErrorInput is passed to the finalErrorAnalyzer hook.
type FinalErrorInput struct {
	Attempts     []AttemptRecord
	LastErr      error
	CommonBuffer *buffer.StableBuffer
}

// Config is the effective per-item configuration the Attempt Loop runs
// with, spec.md §4.A's input record.
type Config struct {
	Attempts                          int
	Wait                              time.Duration
	RetryStrategy                     RetryStrategy
	MaxAllowedWait                    time.Duration
	PerformAllAttempts                bool
	LogAllErrors                      bool
	LogAllSuccessfulAttempts          bool
	ReturnResult                      bool
	ExecutionTimeout                  time.Duration
	ApplyPreExecutionConfigOverride   bool
	ContinueOnPreExecutionHookFailure bool

	ResponseAnalyzer   func(ctx context.Context, in ResponseAnalyzerInput) bool
	FinalErrorAnalyzer func(ctx context.Context, in FinalErrorInput) bool
	PreExecution       func(ctx context.Context, in PreExecutionInput) (*PreExecutionOverride, error)

	HandleSuccessfulAttemptData func(ctx context.Context, in AttemptOutcomeInput) error
	HandleErrors                func(ctx context.Context, in AttemptOutcomeInput) error

	Cache              *policy.Cache
	CircuitBreaker     *policy.CircuitBreaker
	RateLimiter        *policy.RateLimiter
	ConcurrencyLimiter *policy.ConcurrencyLimiter

	CommonBuffer *buffer.StableBuffer

	// NetworkFatalCodes lists caller-signalled network error codes that
	// are NON-retryable (spec.md §4.A: "signalled network-fatal errors
	// listed by the caller (default: none)"). The transport-level codes
	// in spec.md §6 (ECONNRESET, ETIMEDOUT, ...) are retryable unless
	// named here.
	NetworkFatalCodes map[string]bool

	ExecutionContext map[string]string

	// Fingerprint, when non-empty, overrides the cache key the Cache Policy
	// Unit would otherwise derive automatically via computeFingerprint
	// (spec.md §3's canonical method+URL+sorted-cacheable-headers+body-hash
	// encoding for REQUEST items, function-identity+args for FUNCTION
	// items). Most callers leave this empty.
	Fingerprint string

	// FunctionCacheEnabled mirrors spec.md §4.A step 2: cache lookups for
	// FUNCTION items are skipped unless this is true AND the function is
	// flagged Cacheable.
	FunctionCacheEnabled bool

	// RequestData is the field-wise headers/query overlay of spec.md §4.D's
	// commonRequestData, merged key-wise by gateway.mergeConfig before this
	// Config reaches the loop; an item's own Request.Headers/Query always
	// win over it.
	RequestData *RequestData

	// BackoffV5 parameterizes the RetryBackoffV5 strategy. Ignored unless
	// RetryStrategy == RetryBackoffV5.
	BackoffV5 *BackoffV5Strategy

	// StatePersistence, when set, overrides the Loop's own globally-wired
	// persistence.Wrapper for every hook invoked while running this item —
	// spec.md §3's per-item statePersistence field. Leave nil to fall back
	// to the Loop's wrapper.
	StatePersistence *persistence.Wrapper
}

// DefaultConfig returns the spec's baseline: a single attempt, no wait,
// fixed strategy, all hooks disabled.
func DefaultConfig() *Config {
	return &Config{
		Attempts:      1,
		Wait:          0,
		RetryStrategy: RetryFixed,
	}
}

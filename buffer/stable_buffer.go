// Package buffer implements the StableBuffer (spec.md §4.C): a single-writer,
// queue-serialized mutable map shared by reference across concurrent
// workflow phases and hook callbacks. Grounded in spirit on
// itsneelabh/gomind's orchestration/workflow_state.go transactional
// read-modify-write pattern (there expressed via Redis WATCH/TxPipelined;
// here expressed in-process via a single consuming goroutine reading off an
// ordered channel, the same "one logical writer" guarantee without needing
// an external store).
package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/stableinfra/core"
)

// TransactionFunc is a unit of work granted exclusive access to the live
// state map. It must not retain the map reference past return.
type TransactionFunc func(ctx context.Context, state map[string]interface{}) (interface{}, error)

// TransactionContext identifies the call site of a transaction for logging
// and replay, per spec.md §4.C's logTransaction shape.
type TransactionContext struct {
	Activity   string
	HookName   string
	WorkflowID string
	PhaseID    string
	RequestID  string
}

// TransactionLog is emitted by logTransaction after every transaction.
type TransactionLog struct {
	TransactionID string
	Activity      string
	HookName      string
	WorkflowID    string
	PhaseID       string
	RequestID     string
	Success       bool
	StateBefore   map[string]interface{}
	StateAfter    map[string]interface{}
	ErrorMessage  string
	QueueWait     time.Duration
	ExecutionTime time.Duration
}

// Guardrails bounds transaction volume, checked on GetMetrics.
type Guardrails struct {
	MaxTotalTransactions uint64
}

// Anomaly describes one guardrail violation.
type Anomaly struct {
	Severity string
	Type     string
	Message  string
}

// ValidationResult is the outcome of checking metrics against Guardrails.
type ValidationResult struct {
	IsValid   bool
	Anomalies []Anomaly
}

type transactionMarkerKey struct{}
type transactionContextKey struct{}

// WithTransactionContext attaches a TransactionContext to ctx for a Run call,
// threading through to the TransactionLog and to Replay.
func WithTransactionContext(ctx context.Context, tc TransactionContext) context.Context {
	return context.WithValue(ctx, transactionContextKey{}, tc)
}

func transactionContextFrom(ctx context.Context) TransactionContext {
	if tc, ok := ctx.Value(transactionContextKey{}).(TransactionContext); ok {
		return tc
	}
	return TransactionContext{}
}

type job struct {
	ctx        context.Context
	fn         TransactionFunc
	resultCh   chan jobResult
	enqueuedAt time.Time
}

type jobResult struct {
	value interface{}
	err   error
}

// StableBuffer serializes every mutation of a shared map through a single
// consuming goroutine, preserving submission order (spec.md §4.C), while
// allowing concurrent deep-copy snapshot reads.
type StableBuffer struct {
	logger core.Logger

	mu    sync.RWMutex
	state map[string]interface{}

	queue chan job

	logFn      func(TransactionLog)
	guardrails *Guardrails

	metricsMu        sync.Mutex
	totalTransactions uint64
	totalFailures     uint64

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a StableBuffer owning a fresh empty state map and starts
// its single writer goroutine.
func New() *StableBuffer {
	b := &StableBuffer{
		logger:  &core.NoOpLogger{},
		state:   make(map[string]interface{}),
		queue:   make(chan job, 256),
		stopped: make(chan struct{}),
	}
	go b.loop()
	return b
}

// SetLogger wires a structured logger.
func (b *StableBuffer) SetLogger(logger core.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// SetLogTransaction registers the logTransaction callback fired after each
// transaction completes.
func (b *StableBuffer) SetLogTransaction(fn func(TransactionLog)) {
	b.logFn = fn
}

// SetGuardrails configures the metricsGuardrails bounds checked by GetMetrics.
func (b *StableBuffer) SetGuardrails(g *Guardrails) {
	b.guardrails = g
}

// Close stops the writer goroutine. Pending Run calls already queued still
// complete; calls made after Close return an error.
func (b *StableBuffer) Close() {
	b.stopOnce.Do(func() { close(b.stopped) })
}

func (b *StableBuffer) loop() {
	for {
		select {
		case j := <-b.queue:
			b.process(j)
		case <-b.stopped:
			for {
				select {
				case j := <-b.queue:
					b.process(j)
				default:
					return
				}
			}
		}
	}
}

func (b *StableBuffer) process(j job) {
	queueWait := time.Since(j.enqueuedAt)
	start := time.Now()

	tc := transactionContextFrom(j.ctx)
	stateBefore := b.snapshotLocked()

	innerCtx := context.WithValue(j.ctx, transactionMarkerKey{}, true)
	b.mu.Lock()
	value, err := j.fn(innerCtx, b.state)
	b.mu.Unlock()

	stateAfter := b.snapshotLocked()
	execTime := time.Since(start)

	b.metricsMu.Lock()
	b.totalTransactions++
	if err != nil {
		b.totalFailures++
	}
	b.metricsMu.Unlock()

	if b.logFn != nil {
		logEntry := TransactionLog{
			TransactionID: uuid.New().String(),
			Activity:      tc.Activity,
			HookName:      tc.HookName,
			WorkflowID:    tc.WorkflowID,
			PhaseID:       tc.PhaseID,
			RequestID:     tc.RequestID,
			Success:       err == nil,
			StateBefore:   stateBefore,
			StateAfter:    stateAfter,
			QueueWait:     queueWait,
			ExecutionTime: execTime,
		}
		if err != nil {
			logEntry.ErrorMessage = err.Error()
		}
		b.logFn(logEntry)
	}

	j.resultCh <- jobResult{value: value, err: err}
}

// snapshotLocked deep-copies the live state. Callers must hold no lock that
// would deadlock against b.mu (this is only ever called from the single
// writer goroutine, so a write-lock is unnecessary; an RLock guards it
// against concurrent Read() calls racing a copy of the same map).
func (b *StableBuffer) snapshotLocked() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return deepCopyMap(b.state)
}

// Run enqueues fn and blocks until it has executed with exclusive access to
// the live state, in submission order. Calling Run reentrantly — from
// within a TransactionFunc already running on this buffer, using the ctx
// passed to that function — returns ErrReentrantTransaction instead of
// deadlocking.
func (b *StableBuffer) Run(ctx context.Context, fn TransactionFunc) (interface{}, error) {
	if ctx.Value(transactionMarkerKey{}) != nil {
		return nil, core.ErrReentrantTransaction
	}
	select {
	case <-b.stopped:
		return nil, fmt.Errorf("stable buffer: closed")
	default:
	}
	resultCh := make(chan jobResult, 1)
	j := job{ctx: ctx, fn: fn, resultCh: resultCh, enqueuedAt: time.Now()}

	select {
	case b.queue <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-resultCh:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Transaction is an alias for Run, matching spec.md's two names for the
// same operation.
func (b *StableBuffer) Transaction(ctx context.Context, fn TransactionFunc) (interface{}, error) {
	return b.Run(ctx, fn)
}

// Read returns a deep-copy snapshot of the live state. It never reflects a
// partial write: the writer holds the write lock of b.mu for the whole of
// each transaction, and Read copies the map under the read lock. Calling
// Read from inside a TransactionFunc on the same buffer therefore blocks.
func (b *StableBuffer) Read() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return deepCopyMap(b.state)
}

// GetState returns the live reference. Callers MUST NOT mutate it outside a
// Run/Transaction call; this exists only for read-mostly callers that
// accept eventual consistency with in-flight transactions (e.g. a
// CONDITIONAL graph node's evaluate function, which spec.md §4.F passes
// {results, sharedBuffer} and expects a quick synchronous read).
func (b *StableBuffer) GetState() map[string]interface{} {
	return b.state
}

// GetMetrics returns total/failed transaction counts plus a ValidationResult
// checked against any configured Guardrails.
func (b *StableBuffer) GetMetrics() (map[string]interface{}, ValidationResult) {
	b.metricsMu.Lock()
	total := b.totalTransactions
	failures := b.totalFailures
	b.metricsMu.Unlock()

	metrics := map[string]interface{}{
		"totalTransactions": total,
		"failedTransactions": failures,
	}

	result := ValidationResult{IsValid: true}
	if b.guardrails != nil && b.guardrails.MaxTotalTransactions > 0 && total > b.guardrails.MaxTotalTransactions {
		result.IsValid = false
		result.Anomalies = append(result.Anomalies, Anomaly{
			Severity: "warning",
			Type:     "totalTransactions",
			Message:  fmt.Sprintf("totalTransactions %d exceeds guardrail max %d", total, b.guardrails.MaxTotalTransactions),
		})
	}
	return metrics, result
}

func deepCopyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// Replay reconstructs state by re-running the logged transactions' hook
// bodies, keyed by hookName, against a fresh buffer — spec.md §4.C.
// handlers must contain an entry for every HookName present in logs, in
// the order they were originally recorded; logs lacking a matching handler
// are skipped (and reported) rather than failing the whole replay.
func Replay(ctx context.Context, logs []TransactionLog, handlers map[string]TransactionFunc) (*StableBuffer, []string, error) {
	fresh := New()
	defer func() {
		// The returned buffer keeps its writer running; the caller closes it.
	}()

	var skipped []string
	for _, entry := range logs {
		handler, ok := handlers[entry.HookName]
		if !ok {
			skipped = append(skipped, entry.HookName)
			continue
		}
		replayCtx := WithTransactionContext(ctx, TransactionContext{
			Activity: entry.Activity, HookName: entry.HookName,
			WorkflowID: entry.WorkflowID, PhaseID: entry.PhaseID, RequestID: entry.RequestID,
		})
		if _, err := fresh.Run(replayCtx, handler); err != nil {
			fresh.Close()
			return nil, skipped, fmt.Errorf("replay of hook %q: %w", entry.HookName, err)
		}
	}
	return fresh, skipped, nil
}

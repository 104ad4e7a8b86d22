// Package persistence implements the State Persistence Wrapper (spec.md
// §4.G): a load-before/store-after envelope around every user-facing hook
// in the Attempt Loop and the Workflow Drivers. Grounded on the
// load/compare-and-swap bracket itsneelabh/gomind's
// orchestration/workflow_state.go wraps around each DAG step — here
// generalized from a single Redis-backed store to an arbitrary
// persistenceFunction supplied by the caller, wired against the
// StableBuffer instead of a remote key-value store.
package persistence

import (
	"context"
	"fmt"

	"github.com/itsneelabh/stableinfra/buffer"
	"github.com/itsneelabh/stableinfra/core"
)

// HookContext identifies the call site of a wrapped hook, mirroring the
// executionContext spec.md §4.G passes to the persistence function.
type HookContext struct {
	WorkflowID string
	BranchID   string
	PhaseID    string
	RequestID  string
}

// Func is the persistence function: given a deep-copy snapshot of the
// buffer (StableBuffer.Read), the hook
// context and the hook's own params, it may return a patch of key/value
// pairs to merge into the buffer. Called once before the hook (load) and
// once after (store); the "params" argument is the hook's input on load
// and the hook's result (or error) on store.
type Func func(ctx context.Context, state map[string]interface{}, hookCtx HookContext, params interface{}) (map[string]interface{}, error)

// Wrapper brackets a single hook invocation with load-before / store-after
// calls to a Func, merging any returned patch into the shared buffer.
// Persistence failures never fail the wrapped hook — they are logged and
// swallowed, per spec.md §4.G / §7 taxonomy item 8.
type Wrapper struct {
	buffer *buffer.StableBuffer
	fn     Func
	logger core.Logger
}

// New constructs a Wrapper over buf. fn may be nil, in which case Invoke
// degenerates to calling the hook body directly with no load/store
// bracket — the common case for hook roles the caller never configured
// persistence for.
func New(buf *buffer.StableBuffer, fn Func, logger core.Logger) *Wrapper {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Wrapper{buffer: buf, fn: fn, logger: logger}
}

// Invoke runs body, bracketed by exactly one load call before and one
// store call after, per spec.md §4.G. hookName identifies the hook role
// for logging ("preExecution", "responseAnalyzer", "prePhase", ...).
func (w *Wrapper) Invoke(ctx context.Context, hookName string, hookCtx HookContext, params interface{}, body func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	w.loadBefore(ctx, hookName, hookCtx, params)

	result, bodyErr := body(ctx)

	storeParams := params
	if bodyErr != nil {
		storeParams = bodyErr
	} else {
		storeParams = result
	}
	w.storeAfter(ctx, hookName, hookCtx, storeParams)

	return result, bodyErr
}

func (w *Wrapper) loadBefore(ctx context.Context, hookName string, hookCtx HookContext, params interface{}) {
	if w.fn == nil || w.buffer == nil {
		return
	}
	state := w.buffer.Read()
	patch, err := w.fn(ctx, state, hookCtx, params)
	if err != nil {
		w.logger.Error("State persistence: Failed to load state", map[string]interface{}{
			"hook": hookName, "phaseId": hookCtx.PhaseID, "workflowId": hookCtx.WorkflowID, "error": err.Error(),
		})
		return
	}
	if len(patch) == 0 {
		return
	}
	tc := buffer.TransactionContext{Activity: "persistence.load", HookName: hookName, WorkflowID: hookCtx.WorkflowID, PhaseID: hookCtx.PhaseID, RequestID: hookCtx.RequestID}
	txCtx := buffer.WithTransactionContext(ctx, tc)
	_, _ = w.buffer.Run(txCtx, func(_ context.Context, state map[string]interface{}) (interface{}, error) {
		for k, v := range patch {
			state[k] = v
		}
		return nil, nil
	})
}

func (w *Wrapper) storeAfter(ctx context.Context, hookName string, hookCtx HookContext, params interface{}) {
	if w.fn == nil || w.buffer == nil {
		return
	}
	state := w.buffer.Read()
	patch, err := w.fn(ctx, state, hookCtx, params)
	if err != nil {
		w.logger.Error(fmt.Sprintf("State persistence: Failed to store state: %s", err.Error()), map[string]interface{}{
			"hook": hookName, "phaseId": hookCtx.PhaseID, "workflowId": hookCtx.WorkflowID,
		})
		return
	}
	if len(patch) == 0 {
		return
	}
	tc := buffer.TransactionContext{Activity: "persistence.store", HookName: hookName, WorkflowID: hookCtx.WorkflowID, PhaseID: hookCtx.PhaseID, RequestID: hookCtx.RequestID}
	txCtx := buffer.WithTransactionContext(ctx, tc)
	_, _ = w.buffer.Run(txCtx, func(_ context.Context, state map[string]interface{}) (interface{}, error) {
		for k, v := range patch {
			state[k] = v
		}
		return nil, nil
	})
}

// Package gateway implements the Gateway Executor (spec.md §4.D): runs an
// ordered batch of Items through the Attempt Loop under a hierarchical
// (global → group → item) configuration merge, either concurrently or
// sequentially, and never fails for a per-item error — only for malformed
// input or a whole-batch maxTimeout. Grounded on the worker-pool /
// result-channel pattern of itsneelabh/gomind's
// orchestration/workflow_engine.go executeDAG, generalized from a DAG of
// steps to a flat ordered batch of items.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/itsneelabh/stableinfra/attempt"
	"github.com/itsneelabh/stableinfra/buffer"
	"github.com/itsneelabh/stableinfra/core"
	"github.com/itsneelabh/stableinfra/persistence"
	"github.com/itsneelabh/stableinfra/telemetry"
)

// Item is one entry of a gateway batch: an Attempt Loop item plus an
// optional per-item config override, spec.md §4.D's innermost merge level.
type Item struct {
	Item        *attempt.Item
	ItemConfig  *attempt.Config // highest-precedence override; nil = none
	GroupID     string
}

// GroupConfig is a named group's commonConfig, spec.md §4.D's middle merge
// level, selected by an item's GroupID.
type GroupConfig struct {
	ID     string
	Common *attempt.Config
}

// Options configures one Gateway Executor invocation.
type Options struct {
	Common                *attempt.Config // global commonX options, lowest precedence
	Groups                map[string]*GroupConfig
	ConcurrentExecution   bool
	MaxConcurrentRequests int // 0 = unbounded, only meaningful when ConcurrentExecution
	StopOnFirstError      bool
	SharedBuffer          *buffer.StableBuffer // injected as commonBuffer on every item, overriding per-item buffers
	MaxTimeout            time.Duration        // 0 = disabled
	ExecutionContext      map[string]string
}

// ItemResponse is one entry of a GatewayResult, in input order.
type ItemResponse struct {
	RequestID string
	GroupID   string
	Type      string // "REQUEST" or "FUNCTION"
	Success   bool
	Data      interface{}
	Error     error
}

// GroupMetrics aggregates ItemMetrics across every item of one group.
type GroupMetrics struct {
	TotalItems      int
	SuccessfulItems int
	FailedItems     int
	TotalAttempts   int
}

// Result is the Gateway Executor's ordered output plus per-group metrics.
type Result struct {
	Responses []ItemResponse
	Metrics   map[string]*GroupMetrics // keyed by groupId; ungrouped items under "default"
}

// Executor runs batches through an attempt.Loop.
type Executor struct {
	loop   *attempt.Loop
	logger core.Logger
}

// New constructs an Executor over loop.
func New(loop *attempt.Loop, logger core.Logger) *Executor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Executor{loop: loop, logger: logger}
}

type indexedOutcome struct {
	index    int
	response ItemResponse
	metrics  attempt.ItemMetrics
}

// Execute runs items through the Attempt Loop per opts, returning a Result
// whose Responses are in the same order as items regardless of execution
// mode. It returns an error only for malformed input or a maxTimeout
// expiry — never for a per-item failure.
func (e *Executor) Execute(ctx context.Context, items []Item, opts *Options) (*Result, error) {
	if opts == nil {
		return nil, fmt.Errorf("%w: gateway options required", core.ErrInvalidConfiguration)
	}

	ctx, endSpan := telemetry.StartSpan(ctx, "gateway.execute")
	defer endSpan()
	telemetry.SetSpanAttributes(ctx, telemetry.Attr("gateway.itemCount", fmt.Sprintf("%d", len(items))))

	if opts.MaxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.MaxTimeout)
		defer cancel()
	}

	outcomes := make([]indexedOutcome, len(items))
	ran := make([]bool, len(items))

	var runErr error
	if opts.ConcurrentExecution {
		runErr = e.runConcurrent(ctx, items, opts, outcomes, ran)
	} else {
		runErr = e.runSequential(ctx, items, opts, outcomes, ran)
	}

	if ctx.Err() == context.DeadlineExceeded && opts.MaxTimeout > 0 {
		return nil, e.timeoutError(opts)
	}
	if runErr != nil {
		return nil, runErr
	}

	result := &Result{Responses: make([]ItemResponse, 0, len(items)), Metrics: map[string]*GroupMetrics{}}
	for i, o := range outcomes {
		if !ran[i] {
			continue
		}
		result.Responses = append(result.Responses, o.response)
		group := o.response.GroupID
		if group == "" {
			group = "default"
		}
		gm, ok := result.Metrics[group]
		if !ok {
			gm = &GroupMetrics{}
			result.Metrics[group] = gm
		}
		gm.TotalItems++
		gm.TotalAttempts += o.metrics.TotalAttempts
		if o.response.Success {
			gm.SuccessfulItems++
		} else {
			gm.FailedItems++
		}
	}
	return result, nil
}

func (e *Executor) timeoutError(opts *Options) error {
	var ctxParts []string
	keys := make([]string, 0, len(opts.ExecutionContext))
	for k := range opts.ExecutionContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ctxParts = append(ctxParts, fmt.Sprintf("%s=%s", k, opts.ExecutionContext[k]))
	}
	msg := fmt.Sprintf("stable-infra: Gateway execution exceeded maxTimeout of %dms", opts.MaxTimeout.Milliseconds())
	if len(ctxParts) > 0 {
		msg = msg + " (" + strings.Join(ctxParts, ", ") + ")"
	}
	return fmt.Errorf("%w: %s", core.ErrGatewayTimeout, msg)
}

func (e *Executor) runSequential(ctx context.Context, items []Item, opts *Options, outcomes []indexedOutcome, ran []bool) error {
	for i, it := range items {
		if ctx.Err() != nil {
			return nil // maxTimeout handled by the caller via ctx.Err() check
		}
		outcome, err := e.runOne(ctx, i, it, opts)
		if err != nil {
			return err
		}
		outcomes[i] = outcome
		ran[i] = true
		if opts.StopOnFirstError && !outcome.response.Success {
			// remaining items are left unrun, per spec.md §4.D sequential
			// mode: stopOnFirstError halts further items.
			return nil
		}
	}
	return nil
}

func (e *Executor) runConcurrent(ctx context.Context, items []Item, opts *Options, outcomes []indexedOutcome, ran []bool) error {
	maxConcurrent := opts.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = len(items)
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	var stopMu sync.Mutex
	stopped := false
	var firstErr error
	var errMu sync.Mutex

	for i, it := range items {
		stopMu.Lock()
		halt := opts.StopOnFirstError && stopped
		stopMu.Unlock()
		if halt {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int, it Item) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := e.runOne(ctx, i, it, opts)
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				return
			}
			outcomes[i] = outcome
			ran[i] = true
			if opts.StopOnFirstError && !outcome.response.Success {
				stopMu.Lock()
				stopped = true
				stopMu.Unlock()
			}
		}(i, it)
	}
	wg.Wait()

	errMu.Lock()
	defer errMu.Unlock()
	return firstErr
}

func (e *Executor) runOne(ctx context.Context, index int, it Item, opts *Options) (indexedOutcome, error) {
	cfg := mergeConfig(opts.Common, groupConfigFor(opts, it.GroupID), it.ItemConfig)
	if opts.SharedBuffer != nil {
		cfg.CommonBuffer = opts.SharedBuffer
	}

	hookCtx := persistence.HookContext{RequestID: it.Item.ID}

	result, execErr := e.loop.Execute(ctx, it.Item, cfg, hookCtx)
	itemType := "REQUEST"
	if it.Item.Kind == attempt.ItemKindFunction {
		itemType = "FUNCTION"
	}

	resp := ItemResponse{RequestID: it.Item.ID, GroupID: it.GroupID, Type: itemType}
	if result != nil {
		resp.Success = result.Success
		resp.Data = result.Data
		resp.Error = result.Error
	}
	if execErr != nil {
		resp.Success = false
		resp.Error = execErr
	}

	var metrics attempt.ItemMetrics
	if result != nil {
		metrics = result.Metrics
	}
	return indexedOutcome{index: index, response: resp, metrics: metrics}, nil
}

func groupConfigFor(opts *Options, groupID string) *attempt.Config {
	if groupID == "" || opts.Groups == nil {
		return nil
	}
	if g, ok := opts.Groups[groupID]; ok {
		return g.Common
	}
	return nil
}

// mergeConfig overlays global, group and item-level configs field-wise,
// item taking highest precedence, per spec.md §4.D. It never mutates its
// inputs — always builds a fresh record (spec.md §9 "Option overrides").
func mergeConfig(global, group, item *attempt.Config) *attempt.Config {
	merged := attempt.DefaultConfig()
	for _, layer := range []*attempt.Config{global, group, item} {
		if layer == nil {
			continue
		}
		applyLayer(merged, layer)
	}
	return merged
}

// applyLayer overlays layer onto merged. Counts, durations, pointers, hooks
// and the fingerprint are overlaid only when set (non-zero) on layer;
// RetryStrategy and the boolean flags are copied from layer even when zero,
// except FunctionCacheEnabled, which is OR-ed across layers. Most fields
// replace wholesale (item beats group beats global); RequestData
// (commonRequestData's headers/query, spec.md §4.D) and the two other map
// fields below are the exception — merged key-wise so a global default
// header survives an item that only overrides one other header.
func applyLayer(merged, layer *attempt.Config) {
	if layer.Attempts > 0 {
		merged.Attempts = layer.Attempts
	}
	if layer.Wait > 0 {
		merged.Wait = layer.Wait
	}
	merged.RetryStrategy = layer.RetryStrategy
	if layer.MaxAllowedWait > 0 {
		merged.MaxAllowedWait = layer.MaxAllowedWait
	}
	merged.PerformAllAttempts = layer.PerformAllAttempts
	merged.LogAllErrors = layer.LogAllErrors
	merged.LogAllSuccessfulAttempts = layer.LogAllSuccessfulAttempts
	merged.ReturnResult = layer.ReturnResult
	if layer.ExecutionTimeout > 0 {
		merged.ExecutionTimeout = layer.ExecutionTimeout
	}
	merged.ApplyPreExecutionConfigOverride = layer.ApplyPreExecutionConfigOverride
	merged.ContinueOnPreExecutionHookFailure = layer.ContinueOnPreExecutionHookFailure

	if layer.ResponseAnalyzer != nil {
		merged.ResponseAnalyzer = layer.ResponseAnalyzer
	}
	if layer.FinalErrorAnalyzer != nil {
		merged.FinalErrorAnalyzer = layer.FinalErrorAnalyzer
	}
	if layer.PreExecution != nil {
		merged.PreExecution = layer.PreExecution
	}
	if layer.HandleSuccessfulAttemptData != nil {
		merged.HandleSuccessfulAttemptData = layer.HandleSuccessfulAttemptData
	}
	if layer.HandleErrors != nil {
		merged.HandleErrors = layer.HandleErrors
	}
	if layer.Cache != nil {
		merged.Cache = layer.Cache
	}
	if layer.CircuitBreaker != nil {
		merged.CircuitBreaker = layer.CircuitBreaker
	}
	if layer.RateLimiter != nil {
		merged.RateLimiter = layer.RateLimiter
	}
	if layer.ConcurrencyLimiter != nil {
		merged.ConcurrencyLimiter = layer.ConcurrencyLimiter
	}
	if layer.CommonBuffer != nil {
		merged.CommonBuffer = layer.CommonBuffer
	}
	if layer.Fingerprint != "" {
		merged.Fingerprint = layer.Fingerprint
	}
	merged.FunctionCacheEnabled = merged.FunctionCacheEnabled || layer.FunctionCacheEnabled
	if layer.BackoffV5 != nil {
		merged.BackoffV5 = layer.BackoffV5
	}
	if layer.StatePersistence != nil {
		merged.StatePersistence = layer.StatePersistence
	}

	if layer.RequestData != nil {
		if merged.RequestData == nil {
			merged.RequestData = &attempt.RequestData{}
		}
		if len(layer.RequestData.Headers) > 0 {
			merged.RequestData.Headers = mergeRequestDataMaps(merged.RequestData.Headers, layer.RequestData.Headers)
		}
		if len(layer.RequestData.Query) > 0 {
			merged.RequestData.Query = mergeRequestDataMaps(merged.RequestData.Query, layer.RequestData.Query)
		}
	}

	if len(layer.NetworkFatalCodes) > 0 {
		merged.NetworkFatalCodes = mergeBoolMaps(merged.NetworkFatalCodes, layer.NetworkFatalCodes)
	}
	if len(layer.ExecutionContext) > 0 {
		merged.ExecutionContext = mergeExecContext(merged.ExecutionContext, layer.ExecutionContext)
	}
}

func mergeRequestDataMaps(base, patch map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func mergeBoolMaps(base, patch map[string]bool) map[string]bool {
	out := make(map[string]bool, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func mergeExecContext(base, patch map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

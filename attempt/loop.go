package attempt

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/itsneelabh/stableinfra/core"
	"github.com/itsneelabh/stableinfra/persistence"
	"github.com/itsneelabh/stableinfra/telemetry"
)

// Loop executes items against a Transport through the Policy Unit gate
// chain, per spec.md §4.A.
type Loop struct {
	transport   Transport
	persistence *persistence.Wrapper
	logger      core.Logger
}

// New constructs a Loop. persistenceWrapper may be nil, in which case hook
// invocations are called directly with no load/store bracket.
func New(transport Transport, persistenceWrapper *persistence.Wrapper, logger core.Logger) *Loop {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Loop{transport: transport, persistence: persistenceWrapper, logger: logger}
}

// Execute runs the Attempt Loop for one item against cfg, returning an
// ItemResult. It raises only when cfg.ReturnResult is false and attempts
// are exhausted with no finalErrorAnalyzer converting the outcome to a
// failed result.
func (l *Loop) Execute(ctx context.Context, item *Item, cfg *Config, hookCtx persistence.HookContext) (*ItemResult, error) {
	if cfg.Attempts < 1 {
		return nil, fmt.Errorf("%w: attempts must be >= 1", core.ErrInvalidConfiguration)
	}

	ctx, endSpan := telemetry.StartSpan(ctx, "attempt.execute")
	defer endSpan()

	deadline := time.Time{}
	if cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ExecutionTimeout)
		defer cancel()
		deadline = time.Now().Add(cfg.ExecutionTimeout)
	}

	result := &ItemResult{}
	var lastData interface{}
	var lastSuccessData interface{}
	var lastErr error

	var backoffSeq *backoffSequence
	if cfg.RetryStrategy == RetryBackoffV5 && cfg.BackoffV5 != nil {
		backoffSeq = cfg.BackoffV5.newSequence()
	}

	for k := 1; k <= cfg.Attempts; k++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			lastErr = fmt.Errorf("stable-infra: execution timeout after %dms (\"timeout\")", cfg.ExecutionTimeout.Milliseconds())
			break
		}

		record, data, attemptErr := l.runOneAttempt(ctx, item, cfg, hookCtx, k)
		result.Attempts = append(result.Attempts, record)
		lastData = data
		lastErr = attemptErr

		if record.Classification == ClassSuccess {
			lastSuccessData = data
			if cfg.LogAllSuccessfulAttempts && cfg.HandleSuccessfulAttemptData != nil {
				l.invokeOutcomeHook(ctx, "handleSuccessfulAttemptData", hookCtx, cfg, record, data, nil)
			}
			if !cfg.PerformAllAttempts {
				break
			}
			continue
		}

		if cfg.LogAllErrors && cfg.HandleErrors != nil {
			l.invokeOutcomeHook(ctx, "handleErrors", hookCtx, cfg, record, data, attemptErr)
		}

		if k >= cfg.Attempts {
			break
		}
		if !record.Retryable {
			break
		}

		wait := computeBackoff(cfg.RetryStrategy, cfg.Wait, k, cfg.MaxAllowedWait, backoffSeq)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				if cfg.ExecutionTimeout > 0 {
					lastErr = fmt.Errorf("stable-infra: execution timeout after %dms (\"timeout\"): %v", cfg.ExecutionTimeout.Milliseconds(), ctx.Err())
				} else {
					lastErr = ctx.Err()
				}
				goto done
			}
		}
	}

done:
	anySuccess := false
	for _, a := range result.Attempts {
		if a.Classification == ClassSuccess {
			anySuccess = true
			break
		}
	}

	result.Success = anySuccess
	if anySuccess {
		// Open question (spec.md §9): when performAllAttempts=true, the
		// data returned is the LAST successful attempt's payload.
		result.Data = lastSuccessData
		result.Error = nil
	} else {
		result.Data = lastData
		result.Error = lastErr
	}
	result.Metrics = computeMetrics(result.Attempts, cfg)

	if !result.Success && !cfg.ReturnResult {
		convert := false
		if cfg.FinalErrorAnalyzer != nil {
			convert = cfg.FinalErrorAnalyzer(ctx, FinalErrorInput{Attempts: result.Attempts, LastErr: lastErr, CommonBuffer: cfg.CommonBuffer})
		}
		if !convert {
			telemetry.RecordSpanError(ctx, lastErr)
			return result, lastErr
		}
	}

	return result, nil
}

// runOneAttempt executes the ten-step per-attempt algorithm of spec.md §4.A
// steps 1-9 (step 10, retry decision, is driven by Execute's loop).
func (l *Loop) runOneAttempt(ctx context.Context, item *Item, cfg *Config, hookCtx persistence.HookContext, ordinal int) (AttemptRecord, interface{}, error) {
	start := time.Now()
	record := AttemptRecord{Ordinal: ordinal, Start: start}

	finish := func(class Classification, data interface{}, httpStatus int, errMsg string, retryable bool) (AttemptRecord, interface{}, error) {
		record.End = time.Now()
		record.ExecutionTime = record.End.Sub(record.Start)
		record.Classification = class
		record.HTTPStatus = httpStatus
		record.ErrorMessage = errMsg
		record.Retryable = retryable
		var err error
		if errMsg != "" {
			err = fmt.Errorf("%s", errMsg)
		}
		return record, data, err
	}

	// Step 1: PreExecution hook.
	effectiveItem := item
	if cfg.PreExecution != nil {
		override, err := l.invokePreExecution(ctx, cfg, hookCtx, item)
		if err != nil {
			if !cfg.ContinueOnPreExecutionHookFailure {
				return finish(ClassFailValidation, nil, 0, fmt.Sprintf("preExecution hook failed: %v", err), true)
			}
		} else if override != nil && cfg.ApplyPreExecutionConfigOverride {
			effectiveItem = applyOverride(item, override)
		}
	}

	// commonRequestData overlay (spec.md §4.D): field-wise defaults from the
	// Gateway Executor's global/group layers, always beaten by the item's
	// own Request.Headers/Query.
	if cfg.RequestData != nil {
		effectiveItem = applyRequestData(effectiveItem, cfg.RequestData)
	}

	// Step 2: Cache lookup. Fingerprint defaults to the auto-derived
	// canonical encoding (spec.md §3) unless the caller overrode it.
	cacheable := effectiveItem.Kind == ItemKindRequest || (cfg.FunctionCacheEnabled && effectiveItem.Function != nil && effectiveItem.Function.Cacheable)
	fingerprint := cfg.Fingerprint
	if fingerprint == "" {
		fingerprint = computeFingerprint(effectiveItem)
	}
	if cfg.Cache != nil && cacheable && fingerprint != "" {
		if cached, ok := cfg.Cache.Get(fingerprint); ok {
			return finish(ClassSuccess, cached, 0, "", false)
		}
	}

	// Step 3: Circuit breaker gate. A circuit-open rejection is retryable
	// like any other failure up to cfg.Attempts, per the teacher's own
	// RetryWithCircuitBreaker (resilience/retry.go), which feeds
	// ErrCircuitBreakerOpen back through the same retry loop as any fn()
	// error rather than aborting after one attempt.
	if cfg.CircuitBreaker != nil && !cfg.CircuitBreaker.CanExecute() {
		return finish(ClassFailCircuitOpen, nil, 0, "circuit breaker open", true)
	}

	// Step 4: Rate limiter gate.
	if cfg.RateLimiter != nil {
		if err := cfg.RateLimiter.Wait(ctx); err != nil {
			return finish(ClassFailNetwork, nil, 0, err.Error(), true)
		}
	}

	// Step 5: Concurrency limiter gate.
	var release func(success bool)
	if cfg.ConcurrencyLimiter != nil {
		limiter := cfg.ConcurrencyLimiter
		tok, err := limiter.Acquire(ctx)
		if err != nil {
			return finish(ClassFailNetwork, nil, 0, err.Error(), true)
		}
		release = func(success bool) { limiter.Release(tok, success) }
	}
	releaseToken := func(success bool) {
		if release != nil {
			release(success)
		}
	}

	// Step 6: Dispatch.
	data, httpStatus, dispatchErr := l.dispatch(ctx, effectiveItem)
	if dispatchErr != nil {
		class, retryable := classifyError(dispatchErr, httpStatus, cfg)
		if cfg.CircuitBreaker != nil {
			cfg.CircuitBreaker.RecordFailure()
		}
		releaseToken(false)
		telemetry.AddSpanEvent(ctx, "attempt.failed", telemetry.Attr("classification", class.String()))
		return finish(class, nil, httpStatus, dispatchErr.Error(), retryable)
	}

	// Step 7: Response analyzer.
	if cfg.ResponseAnalyzer != nil {
		ok := l.invokeResponseAnalyzer(ctx, cfg, hookCtx, data, effectiveItem)
		if !ok {
			if cfg.CircuitBreaker != nil {
				cfg.CircuitBreaker.RecordFailure()
			}
			releaseToken(false)
			return finish(ClassFailValidation, data, httpStatus, "response analyzer rejected payload", true)
		}
	}

	// Step 8: Record outcome.
	if cfg.CircuitBreaker != nil {
		cfg.CircuitBreaker.RecordSuccess()
	}
	if cfg.Cache != nil && cacheable && fingerprint != "" {
		cfg.Cache.Set(fingerprint, data)
	}
	releaseToken(true)

	return finish(ClassSuccess, data, httpStatus, "", false)
}

// wrapperFor resolves the persistence.Wrapper a hook invocation should
// bracket through: the item's own Config.StatePersistence when set
// (spec.md §3's per-item override), otherwise the Loop's globally-wired
// wrapper.
func (l *Loop) wrapperFor(cfg *Config) *persistence.Wrapper {
	if cfg.StatePersistence != nil {
		return cfg.StatePersistence
	}
	return l.persistence
}

func (l *Loop) invokePreExecution(ctx context.Context, cfg *Config, hookCtx persistence.HookContext, item *Item) (*PreExecutionOverride, error) {
	in := PreExecutionInput{InputParams: item, CommonBuffer: cfg.CommonBuffer, ItemOptions: cfg}
	wrapper := l.wrapperFor(cfg)
	if wrapper == nil {
		return cfg.PreExecution(ctx, in)
	}
	v, err := wrapper.Invoke(ctx, "preExecution", hookCtx, in, func(ctx context.Context) (interface{}, error) {
		return cfg.PreExecution(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*PreExecutionOverride), nil
}

func (l *Loop) invokeResponseAnalyzer(ctx context.Context, cfg *Config, hookCtx persistence.HookContext, data interface{}, item *Item) bool {
	in := ResponseAnalyzerInput{Data: data, Params: item, CommonBuffer: cfg.CommonBuffer}
	body := func(ctx context.Context) (interface{}, error) {
		return cfg.ResponseAnalyzer(ctx, in), nil
	}
	wrapper := l.wrapperFor(cfg)
	if wrapper == nil {
		v, _ := body(ctx)
		return v.(bool)
	}
	v, _ := wrapper.Invoke(ctx, "responseAnalyzer", hookCtx, in, body)
	if v == nil {
		return false
	}
	return v.(bool)
}

func (l *Loop) invokeOutcomeHook(ctx context.Context, hookName string, hookCtx persistence.HookContext, cfg *Config, record AttemptRecord, data interface{}, attemptErr error) {
	in := AttemptOutcomeInput{Attempt: record, Data: data, Err: attemptErr, CommonBuffer: cfg.CommonBuffer}
	body := func(ctx context.Context) (interface{}, error) {
		var hookErr error
		if hookName == "handleSuccessfulAttemptData" && cfg.HandleSuccessfulAttemptData != nil {
			hookErr = cfg.HandleSuccessfulAttemptData(ctx, in)
		} else if hookName == "handleErrors" && cfg.HandleErrors != nil {
			hookErr = cfg.HandleErrors(ctx, in)
		}
		return nil, hookErr
	}
	wrapper := l.wrapperFor(cfg)
	if wrapper == nil {
		if _, err := body(ctx); err != nil {
			l.logger.Warn(fmt.Sprintf("%s hook raised", hookName), map[string]interface{}{"error": err.Error()})
		}
		return
	}
	if _, err := wrapper.Invoke(ctx, hookName, hookCtx, in, body); err != nil {
		// Per spec.md §7 taxonomy item 7: a hook failure is captured and
		// logged but never retroactively changes the attempt outcome.
		l.logger.Warn(fmt.Sprintf("%s hook raised", hookName), map[string]interface{}{"error": err.Error()})
	}
}

func (l *Loop) dispatch(ctx context.Context, item *Item) (interface{}, int, error) {
	switch item.Kind {
	case ItemKindRequest:
		resp, err := l.transport.Do(ctx, item.Request)
		if err != nil {
			status := 0
			if te, ok := err.(*TransportError); ok && te.Response != nil {
				status = te.Response.Status
			}
			return nil, status, err
		}
		return resp.Data, resp.Status, nil
	case ItemKindFunction:
		if item.Function == nil || item.Function.Fn == nil {
			return nil, 0, fmt.Errorf("item %s: function descriptor missing callable", item.ID)
		}
		data, err := item.Function.Fn(ctx, item.Function.Args)
		return data, 0, err
	default:
		return nil, 0, fmt.Errorf("item %s: unknown item kind", item.ID)
	}
}

func applyOverride(item *Item, override *PreExecutionOverride) *Item {
	clone := *item
	if clone.Kind == ItemKindRequest && clone.Request != nil {
		req := *clone.Request
		if override.Headers != nil {
			req.Headers = mergeStringMaps(req.Headers, override.Headers)
		}
		if override.Query != nil {
			req.Query = mergeStringMaps(req.Query, override.Query)
		}
		if override.Body != nil {
			req.Body = override.Body
		}
		clone.Request = &req
	}
	if clone.Kind == ItemKindFunction && clone.Function != nil && override.Args != nil {
		fn := *clone.Function
		fn.Args = override.Args
		clone.Function = &fn
	}
	return &clone
}

// applyRequestData overlays rd's headers/query onto item's own request as
// defaults: the item's values always win over rd's, matching spec.md
// §4.D's "merges field-wise" commonRequestData precedence (item highest).
func applyRequestData(item *Item, rd *RequestData) *Item {
	if item.Kind != ItemKindRequest || item.Request == nil {
		return item
	}
	clone := *item
	req := *clone.Request
	if len(rd.Headers) > 0 {
		req.Headers = mergeStringMaps(rd.Headers, req.Headers)
	}
	if len(rd.Query) > 0 {
		req.Query = mergeStringMaps(rd.Query, req.Query)
	}
	clone.Request = &req
	return &clone
}

func mergeStringMaps(base, patch map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// classifyError maps a dispatch error to a Classification and determines
// whether the attempt is retryable, per spec.md §4.A's non-retryable list.
func classifyError(err error, httpStatus int, cfg *Config) (Classification, bool) {
	if ctxErrIsTimeout(err) {
		return ClassFailTimeout, false
	}
	if te, ok := err.(*TransportError); ok {
		if te.Response != nil && te.Response.Status >= 400 && te.Response.Status < 500 {
			switch te.Response.Status {
			case 408, 425, 429:
				return ClassFailHTTP, true
			default:
				return ClassFailHTTP, false
			}
		}
		if te.Code != "" {
			if cfg.NetworkFatalCodes != nil && cfg.NetworkFatalCodes[te.Code] {
				return ClassFailNetwork, false
			}
			if networkRetryableCodes[te.Code] {
				return ClassFailNetwork, true
			}
		}
		if te.Response != nil && te.Response.Status >= 500 {
			return ClassFailHTTP, true
		}
	}
	if httpStatus >= 400 && httpStatus < 500 {
		switch httpStatus {
		case 408, 425, 429:
			return ClassFailHTTP, true
		default:
			return ClassFailHTTP, false
		}
	}
	return ClassFailNetwork, true
}

func ctxErrIsTimeout(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "timeout") && strings.Contains(err.Error(), "context")
}

// computeBackoff implements spec.md §4.A's retry-strategy table, clamped
// to maxAllowedWait. seq is non-nil only when strategy is RetryBackoffV5
// and the caller configured a BackoffV5Strategy.
func computeBackoff(strategy RetryStrategy, wait time.Duration, k int, maxAllowedWait time.Duration, seq *backoffSequence) time.Duration {
	var d time.Duration
	switch strategy {
	case RetryFixed:
		d = wait
	case RetryLinear:
		d = wait * time.Duration(k)
	case RetryExponential:
		shift := k - 1
		if shift > 30 {
			shift = 30
		}
		multiplier := math.Pow(2, float64(shift))
		d = time.Duration(float64(wait) * multiplier)
	case RetryBackoffV5:
		if seq != nil {
			d = seq.next(maxAllowedWait)
		} else {
			d = wait
		}
	default:
		d = wait
	}
	if maxAllowedWait > 0 && d > maxAllowedWait {
		d = maxAllowedWait
	}
	return d
}

func computeMetrics(attempts []AttemptRecord, cfg *Config) ItemMetrics {
	m := ItemMetrics{TotalAttempts: len(attempts)}
	var totalTime time.Duration
	for _, a := range attempts {
		totalTime += a.ExecutionTime
		if a.Classification == ClassSuccess {
			m.SuccessfulAttempts++
		} else {
			m.FailedAttempts++
		}
	}
	m.TotalExecutionTime = totalTime
	if len(attempts) > 0 {
		m.AverageAttemptTime = totalTime / time.Duration(len(attempts))
	}
	infra := InfrastructureMetrics{}
	if cfg.CircuitBreaker != nil {
		infra.CircuitBreaker = cfg.CircuitBreaker.Metrics()
	}
	if cfg.Cache != nil {
		infra.Cache = cfg.Cache.Metrics()
	}
	if cfg.RateLimiter != nil {
		infra.RateLimiter = cfg.RateLimiter.Metrics()
	}
	if cfg.ConcurrencyLimiter != nil {
		infra.ConcurrencyLimiter = cfg.ConcurrencyLimiter.Metrics()
	}
	m.InfrastructureMetrics = infra
	return m
}

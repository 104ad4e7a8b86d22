package workflow

import (
	"context"
	"sync"

	"github.com/itsneelabh/stableinfra/core"
	"github.com/itsneelabh/stableinfra/gateway"
	"github.com/itsneelabh/stableinfra/persistence"
	"github.com/itsneelabh/stableinfra/telemetry"
)

// Driver executes Definitions against a Gateway Executor.
type Driver struct {
	gatewayExec *gateway.Executor
	persistence *persistence.Wrapper
	logger      core.Logger
}

// New constructs a Driver. persistenceWrapper may be nil.
func New(gatewayExec *gateway.Executor, persistenceWrapper *persistence.Wrapper, logger core.Logger) *Driver {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Driver{gatewayExec: gatewayExec, persistence: persistenceWrapper, logger: logger}
}

// Run drives def to completion (or early termination), spec.md §4.E.
func (d *Driver) Run(ctx context.Context, def *Definition) (*Execution, error) {
	ctx, endSpan := telemetry.StartSpan(ctx, "workflow.run")
	defer endSpan()

	exec := &Execution{WorkflowID: def.ID}

	if def.EnableBranchExecution {
		err := d.runBranches(ctx, def, exec)
		return exec, err
	}
	err := d.runPhases(ctx, def, exec, def.Phases)
	return exec, err
}

func (d *Driver) runBranches(ctx context.Context, def *Definition, exec *Execution) error {
	branches := def.Branches
	i := 0
	for i < len(branches) {
		group := []*Branch{branches[i]}
		j := i + 1
		if def.EnableMixedExecution && branches[i].MarkConcurrentBranch {
			for j < len(branches) && branches[j].MarkConcurrentBranch {
				group = append(group, branches[j])
				j++
			}
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error
		for _, br := range group {
			wg.Add(1)
			go func(br *Branch) {
				defer wg.Done()
				if err := d.runPhases(ctx, def, exec, br.Phases); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}(br)
		}
		wg.Wait()
		if firstErr != nil {
			return firstErr
		}
		if exec.TerminatedEarly {
			return nil
		}
		i = j
	}
	return nil
}

// runPhases drives a linear phase list in place, honoring mixed-execution
// concurrent groups and phase decisions (JUMP/SKIP/REPLAY/TERMINATE,
// addPhases), spec.md §4.E.
func (d *Driver) runPhases(ctx context.Context, def *Definition, exec *Execution, phases []*Phase) error {
	queue := append([]*Phase{}, phases...)
	byID := map[string]int{}
	for i, p := range queue {
		byID[p.ID] = i
	}

	executionCounts := map[string]int{}

	idx := 0
	for idx < len(queue) {
		phase := queue[idx]

		groupEnd := idx + 1
		if def.EnableMixedExecution && phase.MarkConcurrentPhase {
			for groupEnd < len(queue) && queue[groupEnd].MarkConcurrentPhase {
				groupEnd++
			}
		}

		if groupEnd-idx > 1 {
			results, err := d.runConcurrentGroup(ctx, def, exec, queue[idx:groupEnd], executionCounts)
			if err != nil {
				return err
			}
			terminate := false
			for _, r := range results {
				if r != nil && r.decision != nil && r.decision.Action == DecisionTerminate {
					exec.TerminatedEarly = true
					exec.TerminationReason = r.decision.Reason
					exec.TerminationMeta = r.decision.Metadata
					terminate = true
				}
				if def.StopOnFirstPhaseError && r != nil && r.result != nil && !r.result.Success {
					exec.TerminatedEarly = true
					terminate = true
				}
			}
			if terminate {
				return nil
			}
			idx = groupEnd
			continue
		}

		outcome, err := d.runOnePhase(ctx, def, exec, phase, nextExecNumber(executionCounts, phase.ID))
		if err != nil {
			return err
		}

		if outcome.decision != nil {
			for _, np := range outcome.decision.AddPhases {
				queue = insertAfter(queue, idx, np)
				for id, i := range byID {
					if i > idx {
						byID[id] = i + 1
					}
				}
				byID[np.ID] = idx + 1
			}
			switch outcome.decision.Action {
			case DecisionTerminate:
				exec.TerminatedEarly = true
				exec.TerminationReason = outcome.decision.Reason
				exec.TerminationMeta = outcome.decision.Metadata
				return nil
			case DecisionReplay:
				if phase.MaxReplayCount <= 0 || executionCounts[phase.ID] < phase.MaxReplayCount {
					continue // re-run the same phase at idx
				}
				idx++
			case DecisionJump:
				if target, ok := byID[outcome.decision.TargetPhaseID]; ok {
					idx = target
					continue
				}
				idx++
			case DecisionSkip:
				if outcome.decision.TargetPhaseID != "" {
					if target, ok := byID[outcome.decision.TargetPhaseID]; ok {
						idx = target + 1
						continue
					}
				}
				idx += 2 // spec.md §9: no targetPhaseId means "skip the immediate successor"
			default: // CONTINUE
				idx++
			}
		} else {
			idx++
		}

		if def.StopOnFirstPhaseError && outcome.result != nil && !outcome.result.Success {
			exec.TerminatedEarly = true
			return nil
		}
	}
	return nil
}

type phaseOutcome struct {
	result   *PhaseResult
	decision *PhaseDecision
}

func nextExecNumber(counts map[string]int, phaseID string) int {
	counts[phaseID]++
	return counts[phaseID]
}

func insertAfter(queue []*Phase, idx int, p *Phase) []*Phase {
	out := make([]*Phase, 0, len(queue)+1)
	out = append(out, queue[:idx+1]...)
	out = append(out, p)
	out = append(out, queue[idx+1:]...)
	return out
}

func (d *Driver) runConcurrentGroup(ctx context.Context, def *Definition, exec *Execution, phases []*Phase, executionCounts map[string]int) ([]*phaseOutcome, error) {
	outcomes := make([]*phaseOutcome, len(phases))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for i, phase := range phases {
		wg.Add(1)
		go func(i int, phase *Phase) {
			defer wg.Done()
			o, err := d.runOnePhase(ctx, def, exec, phase, nextExecNumberLocked(&mu, executionCounts, phase.ID))
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			outcomes[i] = o
		}(i, phase)
	}
	wg.Wait()
	return outcomes, firstErr
}

func nextExecNumberLocked(mu *sync.Mutex, counts map[string]int, phaseID string) int {
	mu.Lock()
	defer mu.Unlock()
	counts[phaseID]++
	return counts[phaseID]
}

// runOnePhase executes the full per-phase lifecycle of spec.md §4.E steps
// 2-8 (step 1, statePersistence.load, is folded into the prePhase
// persistence.Invoke bracket below).
func (d *Driver) runOnePhase(ctx context.Context, def *Definition, exec *Execution, phase *Phase, execNumber int) (*phaseOutcome, error) {
	hookCtx := PhaseHookContext{Phase: phase, Buffer: def.SharedBuffer, WorkflowID: def.ID}
	persistHookCtx := persistence.HookContext{WorkflowID: def.ID, PhaseID: phase.ID}

	wrapper := d.wrapperFor(phase)

	effectivePhase := phase
	if def.PrePhaseExecutionHook != nil {
		modified, err := d.invokeHook(ctx, "prePhase", wrapper, persistHookCtx, hookCtx, func(ctx context.Context) (interface{}, error) {
			return def.PrePhaseExecutionHook(hookCtx)
		})
		if err == nil && modified != nil {
			if mp, ok := modified.(*Phase); ok && mp != nil {
				effectivePhase = mp
			}
		}
	}

	cfg := effectivePhase.CommonConfig
	if cfg == nil {
		cfg = def.CommonConfig
	}
	gwOpts := effectivePhase.GatewayOptions
	if gwOpts == nil {
		gwOpts = def.GatewayOptions
	}
	if gwOpts == nil {
		gwOpts = &gateway.Options{}
	}
	merged := *gwOpts
	if merged.Common == nil {
		merged.Common = cfg
	}
	if merged.SharedBuffer == nil {
		merged.SharedBuffer = def.SharedBuffer
	}

	gwResult, gwErr := d.gatewayExec.Execute(ctx, effectivePhase.Items, &merged)

	result := &PhaseResult{PhaseID: phase.ID, ExecutionNumber: execNumber, GatewayResult: gwResult}
	if gwErr != nil {
		// spec.md §9: handlePhaseError fires ONLY when phase execution
		// itself raised — this is that case.
		result.Err = gwErr
		result.Success = false
		hookCtx.Result = result
		if def.HandlePhaseError != nil {
			d.invokeHook(ctx, "phaseError", wrapper, persistHookCtx, hookCtx, func(ctx context.Context) (interface{}, error) {
				return nil, def.HandlePhaseError(hookCtx)
			})
		}
	} else {
		result.Success = allItemsSucceeded(gwResult)
	}

	exec.recordResult(*result)

	hookCtx.Result = result
	if def.HandlePhaseCompletion != nil {
		d.invokeHook(ctx, "phaseCompletion", wrapper, persistHookCtx, hookCtx, func(ctx context.Context) (interface{}, error) {
			return nil, def.HandlePhaseCompletion(hookCtx)
		})
	}

	outcome := &phaseOutcome{result: result}
	if phase.PhaseDecisionHook != nil {
		v, _ := d.invokeHook(ctx, "phaseDecision", wrapper, persistHookCtx, hookCtx, func(ctx context.Context) (interface{}, error) {
			return phase.PhaseDecisionHook(hookCtx)
		})
		if dec, ok := v.(*PhaseDecision); ok {
			// Non-CONTINUE decisions (SKIP/REPLAY/JUMP/TERMINATE) require
			// enableNonLinearExecution; otherwise CONTINUE is assumed, per
			// spec.md §4.E. A CONTINUE decision, including any addPhases it
			// carries, is always accepted.
			if dec.Action == DecisionContinue || def.EnableNonLinearExecution {
				outcome.decision = dec
			}
		}
	}
	return outcome, nil
}

// RunPhase executes a single phase's lifecycle and returns its result plus
// any decision its phaseDecisionHook produced. Exported so the Graph
// Workflow Driver can drive PHASE nodes through the identical hook
// sequence this linear driver uses, per spec.md §4.F ("PHASE node:
// execute like a phase in the linear driver, same hooks").
func (d *Driver) RunPhase(ctx context.Context, def *Definition, exec *Execution, phase *Phase, execNumber int) (*PhaseResult, *PhaseDecision, error) {
	outcome, err := d.runOnePhase(ctx, def, exec, phase, execNumber)
	if err != nil {
		return nil, nil, err
	}
	return outcome.result, outcome.decision, nil
}

// wrapperFor resolves the persistence.Wrapper a phase's hooks should
// bracket through: the phase's own StatePersistence when set (spec.md §3's
// per-phase override), otherwise the Driver's globally-wired wrapper.
func (d *Driver) wrapperFor(phase *Phase) *persistence.Wrapper {
	if phase != nil && phase.StatePersistence != nil {
		return phase.StatePersistence
	}
	return d.persistence
}

func (d *Driver) invokeHook(ctx context.Context, hookName string, wrapper *persistence.Wrapper, persistHookCtx persistence.HookContext, phaseHookCtx PhaseHookContext, body func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if wrapper == nil {
		return body(ctx)
	}
	return wrapper.Invoke(ctx, hookName, persistHookCtx, phaseHookCtx, body)
}

func allItemsSucceeded(result *gateway.Result) bool {
	if result == nil {
		return false
	}
	for _, r := range result.Responses {
		if !r.Success {
			return false
		}
	}
	return true
}

func upsertLatest(results []PhaseResult, latest PhaseResult) []PhaseResult {
	for i, r := range results {
		if r.PhaseID == latest.PhaseID {
			results[i] = latest
			return results
		}
	}
	return append(results, latest)
}

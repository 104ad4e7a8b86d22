// Package workflow implements the Linear Workflow Driver (spec.md §4.E):
// a sequential (optionally branch- or mixed-concurrency-aware) driver over
// Gateway Executor phases, with a per-phase decision hook that can
// continue, skip, replay, jump or terminate the run. Grounded on
// itsneelabh/gomind's orchestration/workflow_engine.go ExecuteWorkflow /
// executeDAG lifecycle (state load → step → completion/error handling →
// decision → state store), generalized from a DAG of agent/tool steps to
// a linear or branch-structured sequence of Gateway Executor phases, and
// stripped of that source's HITL approval/validation plumbing, which has
// no counterpart in this driver's hook contract.
package workflow

import (
	"sync"

	"github.com/itsneelabh/stableinfra/attempt"
	"github.com/itsneelabh/stableinfra/buffer"
	"github.com/itsneelabh/stableinfra/gateway"
	"github.com/itsneelabh/stableinfra/persistence"
)

// Decision is the outcome of a phaseDecisionHook / branchDecisionHook.
type Decision int

const (
	DecisionContinue Decision = iota
	DecisionSkip
	DecisionReplay
	DecisionJump
	DecisionTerminate
)

func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionSkip:
		return "skip"
	case DecisionReplay:
		return "replay"
	case DecisionJump:
		return "jump"
	case DecisionTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// PhaseDecision is what a phaseDecisionHook returns.
type PhaseDecision struct {
	Action         Decision
	TargetPhaseID  string // JUMP/SKIP target; for SKIP, omitted = "skip the immediate successor" (spec.md §9)
	Reason         string
	Metadata       map[string]interface{}
	AddPhases      []*Phase
}

// Phase is one Gateway Executor invocation within a workflow, spec.md §3.
type Phase struct {
	ID                  string
	Items               []gateway.Item
	CommonConfig        *attempt.Config
	GatewayOptions       *gateway.Options // concurrentExecution, maxConcurrentRequests, stopOnFirstError, etc.
	MarkConcurrentPhase bool
	MaxReplayCount      int

	PhaseDecisionHook func(ctx PhaseHookContext) (*PhaseDecision, error)

	// StatePersistence, when set, overrides the Driver's globally-wired
	// persistence.Wrapper for every hook invoked while running this phase —
	// spec.md §3's per-phase statePersistence field. Leave nil to fall back
	// to the Driver's wrapper.
	StatePersistence *persistence.Wrapper
}

// PhaseHookContext is passed to phase-scoped hooks.
type PhaseHookContext struct {
	Phase        *Phase
	Result       *PhaseResult
	Buffer       *buffer.StableBuffer
	WorkflowID   string
	BranchID     string
}

// Branch is a named sequence of phases, spec.md §3/§4.E branch mode.
type Branch struct {
	ID                   string
	Phases               []*Phase
	MarkConcurrentBranch bool
	BranchDecisionHook   func(ctx BranchHookContext) (*PhaseDecision, error)
}

// BranchHookContext is passed to branch-scoped hooks.
type BranchHookContext struct {
	Branch     *Branch
	Buffer     *buffer.StableBuffer
	WorkflowID string
}

// PhaseResult is the outcome of running one phase, one execution at a time
// (replays produce one PhaseResult per executionNumber).
type PhaseResult struct {
	PhaseID         string
	BranchID        string
	ExecutionNumber int
	Success         bool
	GatewayResult   *gateway.Result
	Err             error // set only when phase execution itself raised (spec.md §9's handlePhaseError trigger)
}

// Definition is a full workflow: either a linear phase list or a branch
// list, plus the workflow-level commonX options and feature toggles.
type Definition struct {
	ID       string
	Phases   []*Phase
	Branches []*Branch

	CommonConfig  *attempt.Config
	GatewayOptions *gateway.Options

	EnableMixedExecution     bool
	EnableBranchExecution    bool
	EnableNonLinearExecution bool
	StopOnFirstPhaseError    bool

	PrePhaseExecutionHook  func(ctx PhaseHookContext) (*Phase, error)
	HandlePhaseCompletion  func(ctx PhaseHookContext) error
	HandlePhaseError       func(ctx PhaseHookContext) error

	SharedBuffer *buffer.StableBuffer
}

// Execution is the accumulated record of one workflow run. Mixed-execution
// concurrent phase groups, concurrent branch cohorts, and the graph driver's
// PARALLEL_GROUP fan-out all call into runOnePhase from multiple goroutines
// against the same Execution, so every mutation of its slices goes through
// recordResult, guarded by mu.
type Execution struct {
	WorkflowID        string
	PhaseResults      []PhaseResult // final per-phase state, latest executionNumber only
	ExecutionHistory  []PhaseResult // every execution including replays, dense executionNumber per phase
	TerminatedEarly   bool
	TerminationReason string
	TerminationMeta   map[string]interface{}

	mu sync.Mutex
}

// recordResult appends result to ExecutionHistory and upserts it into
// PhaseResults, atomically with respect to every other concurrent phase
// execution sharing this Execution.
func (e *Execution) recordResult(result PhaseResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ExecutionHistory = append(e.ExecutionHistory, result)
	e.PhaseResults = upsertLatest(e.PhaseResults, result)
}

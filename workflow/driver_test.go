package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/stableinfra/attempt"
	"github.com/itsneelabh/stableinfra/gateway"
)

type scriptedTransport struct {
	fail bool
}

func (s scriptedTransport) Do(ctx context.Context, req *attempt.RequestDescriptor) (*attempt.TransportResponse, error) {
	if s.fail {
		return nil, &attempt.TransportError{Message: "bad", Response: &attempt.TransportErrorResponse{Status: 400}}
	}
	return &attempt.TransportResponse{Status: 200, Data: "ok"}, nil
}

func okItem(id string) gateway.Item {
	return gateway.Item{Item: &attempt.Item{ID: id, Kind: attempt.ItemKindRequest, Request: &attempt.RequestDescriptor{
		Protocol: "https", Host: "h", Path: "/", Method: "GET",
	}}}
}

func newDriver(fail bool) *Driver {
	loop := attempt.New(scriptedTransport{fail: fail}, nil, nil)
	gw := gateway.New(loop, nil)
	return New(gw, nil, nil)
}

func phaseOf(id string) *Phase {
	return &Phase{ID: id, Items: []gateway.Item{okItem(id)}, GatewayOptions: &gateway.Options{Common: attempt.DefaultConfig()}}
}

func TestRunLinearPhasesCompleteInOrder(t *testing.T) {
	d := newDriver(false)
	def := &Definition{ID: "wf1", Phases: []*Phase{phaseOf("p1"), phaseOf("p2"), phaseOf("p3")}}

	exec, err := d.Run(context.Background(), def)
	require.NoError(t, err)
	require.Len(t, exec.PhaseResults, 3)
	assert.Equal(t, "p1", exec.PhaseResults[0].PhaseID)
	assert.Equal(t, "p3", exec.PhaseResults[2].PhaseID)
	for _, r := range exec.PhaseResults {
		assert.True(t, r.Success)
	}
}

func TestRunTerminateDecisionStopsWorkflowEarly(t *testing.T) {
	d := newDriver(false)
	p1 := phaseOf("p1")
	p1.PhaseDecisionHook = func(ctx PhaseHookContext) (*PhaseDecision, error) {
		return &PhaseDecision{Action: DecisionTerminate, Reason: "stop here"}, nil
	}
	def := &Definition{ID: "wf1", Phases: []*Phase{p1, phaseOf("p2")}, EnableNonLinearExecution: true}

	exec, err := d.Run(context.Background(), def)
	require.NoError(t, err)
	assert.True(t, exec.TerminatedEarly)
	assert.Equal(t, "stop here", exec.TerminationReason)
	assert.Len(t, exec.PhaseResults, 1, "p2 must never run after TERMINATE")
}

func TestRunSkipWithoutTargetSkipsImmediateSuccessor(t *testing.T) {
	d := newDriver(false)
	p1 := phaseOf("p1")
	p1.PhaseDecisionHook = func(ctx PhaseHookContext) (*PhaseDecision, error) {
		return &PhaseDecision{Action: DecisionSkip}, nil
	}
	def := &Definition{
		ID:                       "wf1",
		Phases:                   []*Phase{p1, phaseOf("p2"), phaseOf("p3")},
		EnableNonLinearExecution: true,
	}

	exec, err := d.Run(context.Background(), def)
	require.NoError(t, err)
	ids := phaseIDs(exec.PhaseResults)
	assert.Equal(t, []string{"p1", "p3"}, ids, "SKIP with no targetPhaseId skips only the immediate successor p2")
}

func TestRunSkipWithTargetJumpsPastNamedPhase(t *testing.T) {
	d := newDriver(false)
	p1 := phaseOf("p1")
	p1.PhaseDecisionHook = func(ctx PhaseHookContext) (*PhaseDecision, error) {
		return &PhaseDecision{Action: DecisionSkip, TargetPhaseID: "p2"}, nil
	}
	def := &Definition{
		ID:                       "wf1",
		Phases:                   []*Phase{p1, phaseOf("p2"), phaseOf("p3"), phaseOf("p4")},
		EnableNonLinearExecution: true,
	}

	exec, err := d.Run(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p3", "p4"}, phaseIDs(exec.PhaseResults))
}

func TestRunJumpMovesToTargetPhase(t *testing.T) {
	d := newDriver(false)
	p1 := phaseOf("p1")
	p1.PhaseDecisionHook = func(ctx PhaseHookContext) (*PhaseDecision, error) {
		return &PhaseDecision{Action: DecisionJump, TargetPhaseID: "p3"}, nil
	}
	def := &Definition{
		ID:                       "wf1",
		Phases:                   []*Phase{p1, phaseOf("p2"), phaseOf("p3")},
		EnableNonLinearExecution: true,
	}

	exec, err := d.Run(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p3"}, phaseIDs(exec.PhaseResults))
}

func TestRunReplayReRunsSamePhaseUntilMaxReplayCount(t *testing.T) {
	d := newDriver(false)
	replays := 0
	p1 := phaseOf("p1")
	p1.MaxReplayCount = 2
	p1.PhaseDecisionHook = func(ctx PhaseHookContext) (*PhaseDecision, error) {
		replays++
		return &PhaseDecision{Action: DecisionReplay}, nil
	}
	def := &Definition{ID: "wf1", Phases: []*Phase{p1}, EnableNonLinearExecution: true}

	exec, err := d.Run(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, 2, replays)
	assert.Len(t, exec.ExecutionHistory, 2, "each replay appends a new ExecutionHistory entry")
	assert.Len(t, exec.PhaseResults, 1, "PhaseResults keeps only the latest execution per phase")
	assert.Equal(t, 2, exec.PhaseResults[0].ExecutionNumber)
}

func TestRunAddPhasesInsertsAfterCurrentPhase(t *testing.T) {
	d := newDriver(false)
	inserted := false
	p1 := phaseOf("p1")
	p1.PhaseDecisionHook = func(ctx PhaseHookContext) (*PhaseDecision, error) {
		if inserted {
			return nil, nil
		}
		inserted = true
		return &PhaseDecision{Action: DecisionContinue, AddPhases: []*Phase{phaseOf("pNew")}}, nil
	}
	def := &Definition{
		ID:                       "wf1",
		Phases:                   []*Phase{p1, phaseOf("p2")},
		EnableNonLinearExecution: true,
	}

	exec, err := d.Run(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "pNew", "p2"}, phaseIDs(exec.PhaseResults))
}

func TestRunNonContinueDecisionIgnoredWithoutNonLinearExecution(t *testing.T) {
	d := newDriver(false)
	p1 := phaseOf("p1")
	p1.PhaseDecisionHook = func(ctx PhaseHookContext) (*PhaseDecision, error) {
		return &PhaseDecision{Action: DecisionTerminate}, nil
	}
	def := &Definition{ID: "wf1", Phases: []*Phase{p1, phaseOf("p2")}} // EnableNonLinearExecution left false

	exec, err := d.Run(context.Background(), def)
	require.NoError(t, err)
	assert.False(t, exec.TerminatedEarly)
	assert.Equal(t, []string{"p1", "p2"}, phaseIDs(exec.PhaseResults))
}

func TestRunHandlePhaseErrorFiresOnlyWhenGatewayExecuteRaises(t *testing.T) {
	d := newDriver(true) // every item fails, but the gateway itself does not raise
	var errorHookCalls, completionHookCalls int
	p1 := phaseOf("p1")
	def := &Definition{
		ID:     "wf1",
		Phases: []*Phase{p1},
		HandlePhaseError: func(ctx PhaseHookContext) error {
			errorHookCalls++
			return nil
		},
		HandlePhaseCompletion: func(ctx PhaseHookContext) error {
			completionHookCalls++
			return nil
		},
	}

	_, err := d.Run(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, 0, errorHookCalls, "a merely-failed item is not a raised gateway error")
	assert.Equal(t, 1, completionHookCalls)
}

func TestRunMixedExecutionConcurrentGroupRunsPhasesInParallel(t *testing.T) {
	d := newDriver(false)
	p1 := phaseOf("p1")
	p2 := phaseOf("p2")
	p1.MarkConcurrentPhase = true
	p2.MarkConcurrentPhase = true
	def := &Definition{
		ID:                   "wf1",
		Phases:               []*Phase{p1, p2, phaseOf("p3")},
		EnableMixedExecution: true,
	}

	exec, err := d.Run(context.Background(), def)
	require.NoError(t, err)
	assert.Len(t, exec.PhaseResults, 3)
}

func TestRunBranchExecutionRunsEachBranchLinearly(t *testing.T) {
	d := newDriver(false)
	def := &Definition{
		ID:                    "wf1",
		EnableBranchExecution: true,
		Branches: []*Branch{
			{ID: "b1", Phases: []*Phase{phaseOf("b1-p1")}},
			{ID: "b2", Phases: []*Phase{phaseOf("b2-p1")}},
		},
	}

	exec, err := d.Run(context.Background(), def)
	require.NoError(t, err)
	assert.Len(t, exec.PhaseResults, 2)
}

func TestRunStopOnFirstPhaseErrorHaltsWorkflow(t *testing.T) {
	d := newDriver(true) // every item fails
	def := &Definition{
		ID:                    "wf1",
		Phases:                []*Phase{phaseOf("p1"), phaseOf("p2")},
		StopOnFirstPhaseError: true,
	}

	exec, err := d.Run(context.Background(), def)
	require.NoError(t, err)
	assert.True(t, exec.TerminatedEarly)
	assert.Len(t, exec.PhaseResults, 1)
	assert.False(t, exec.PhaseResults[0].Success)
}

func TestRunPhaseExposedForGraphDriverMatchesInternalOutcome(t *testing.T) {
	d := newDriver(false)
	def := &Definition{ID: "wf1"}
	exec := &Execution{WorkflowID: "wf1"}
	phase := phaseOf("standalone")

	result, decision, err := d.RunPhase(context.Background(), def, exec, phase, 1)
	require.NoError(t, err)
	assert.Nil(t, decision)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.ExecutionNumber)
}

func phaseIDs(results []PhaseResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.PhaseID
	}
	return ids
}

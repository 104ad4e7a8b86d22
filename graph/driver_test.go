package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/stableinfra/attempt"
	"github.com/itsneelabh/stableinfra/gateway"
	"github.com/itsneelabh/stableinfra/workflow"
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

func newGraphDriver(fail bool) *Driver {
	loop := attempt.New(scriptedTransport{fail: fail}, nil, nil)
	gw := gateway.New(loop, nil)
	wf := workflow.New(gw, nil, nil)
	return New(wf, nil)
}

func phaseNode(id string) *Node {
	return &Node{ID: id, Type: NodePhase, Phase: &workflow.Phase{
		ID: id, Items: []gateway.Item{okItem(id)}, GatewayOptions: &gateway.Options{Common: attempt.DefaultConfig()},
	}}
}

func TestExecuteRunsLinearPhaseChain(t *testing.T) {
	d := newGraphDriver(false)
	g, err := NewBuilder().
		AddNode(phaseNode("a")).
		AddNode(phaseNode("b")).
		AddEdge("a", &Edge{Target: "b", Condition: EdgeAlways}).
		SetEntryPoint("a").
		Build()
	require.NoError(t, err)

	result, execErr := d.Execute(context.Background(), g, &workflow.Definition{ID: "wf1"}, true)
	require.NoError(t, execErr)
	assert.True(t, result.Results["a"].Success)
	assert.True(t, result.Results["b"].Success)
}

func TestExecuteFollowsSuccessEdgeOnlyOnSuccess(t *testing.T) {
	d := newGraphDriver(false)
	g, err := NewBuilder().
		AddNode(phaseNode("a")).
		AddNode(phaseNode("onSuccess")).
		AddNode(phaseNode("onFailure")).
		AddEdge("a", &Edge{Target: "onSuccess", Condition: EdgeSuccess}).
		AddEdge("a", &Edge{Target: "onFailure", Condition: EdgeFailure}).
		SetEntryPoint("a").
		Build()
	require.NoError(t, err)

	result, execErr := d.Execute(context.Background(), g, &workflow.Definition{ID: "wf1"}, true)
	require.NoError(t, execErr)
	assert.Contains(t, result.Results, "onSuccess")
	assert.NotContains(t, result.Results, "onFailure")
}

func TestExecuteFollowsFailureEdgeOnlyOnFailure(t *testing.T) {
	d := newGraphDriver(true) // every item fails
	g, err := NewBuilder().
		AddNode(phaseNode("a")).
		AddNode(phaseNode("onSuccess")).
		AddNode(phaseNode("onFailure")).
		AddEdge("a", &Edge{Target: "onSuccess", Condition: EdgeSuccess}).
		AddEdge("a", &Edge{Target: "onFailure", Condition: EdgeFailure}).
		SetEntryPoint("a").
		Build()
	require.NoError(t, err)

	result, execErr := d.Execute(context.Background(), g, &workflow.Definition{ID: "wf1"}, true)
	require.NoError(t, execErr)
	assert.Contains(t, result.Results, "onFailure")
	assert.NotContains(t, result.Results, "onSuccess")
}

func TestExecuteTerminalNodeHasZeroMatchingEdges(t *testing.T) {
	d := newGraphDriver(false)
	g, err := NewBuilder().
		AddNode(phaseNode("a")).
		SetEntryPoint("a").
		Build()
	require.NoError(t, err)

	result, execErr := d.Execute(context.Background(), g, &workflow.Definition{ID: "wf1"}, true)
	require.NoError(t, execErr)
	assert.Len(t, result.Results, 1)
}

func TestExecuteConditionalNodePicksNextByEvaluate(t *testing.T) {
	d := newGraphDriver(false)
	cond := &Node{ID: "cond", Type: NodeConditional, Evaluate: func(ctx EvalContext) (string, error) {
		r := ctx.Results("a")
		if r != nil && r.Success {
			return "b", nil
		}
		return "c", nil
	}}
	g, err := NewBuilder().
		AddNode(phaseNode("a")).
		AddNode(cond).
		AddNode(phaseNode("b")).
		AddNode(phaseNode("c")).
		AddEdge("a", &Edge{Target: "cond", Condition: EdgeAlways}).
		SetEntryPoint("a").
		Build()
	require.NoError(t, err)

	result, execErr := d.Execute(context.Background(), g, &workflow.Definition{ID: "wf1"}, true)
	require.NoError(t, execErr)
	assert.Contains(t, result.Results, "b")
	assert.NotContains(t, result.Results, "c")
}

func TestExecuteParallelGroupFansOutToChildren(t *testing.T) {
	d := newGraphDriver(false)
	group := &Node{ID: "group", Type: NodeParallelGroup, Children: []string{"b", "c"}}
	g, err := NewBuilder().
		AddNode(phaseNode("a")).
		AddNode(group).
		AddNode(phaseNode("b")).
		AddNode(phaseNode("c")).
		AddEdge("a", &Edge{Target: "group", Condition: EdgeAlways}).
		SetEntryPoint("a").
		Build()
	require.NoError(t, err)

	result, execErr := d.Execute(context.Background(), g, &workflow.Definition{ID: "wf1"}, true)
	require.NoError(t, execErr)
	assert.Contains(t, result.Results, "b")
	assert.Contains(t, result.Results, "c")
}

func TestExecuteMergePointFiresExactlyOnceAfterAllUpstreamArrive(t *testing.T) {
	d := newGraphDriver(false)
	var mu sync.Mutex
	var downstreamRuns int

	merge := &Node{ID: "merge", Type: NodeMergePoint, Upstream: []string{"b", "c"}}
	downstream := &Node{ID: "down", Type: NodePhase, Phase: &workflow.Phase{
		ID: "down", Items: []gateway.Item{okItem("down")}, GatewayOptions: &gateway.Options{Common: attempt.DefaultConfig()},
		PhaseDecisionHook: func(ctx workflow.PhaseHookContext) (*workflow.PhaseDecision, error) {
			mu.Lock()
			downstreamRuns++
			mu.Unlock()
			return nil, nil
		},
	}}

	group := &Node{ID: "group", Type: NodeParallelGroup, Children: []string{"b", "c"}}
	g, err := NewBuilder().
		AddNode(phaseNode("a")).
		AddNode(group).
		AddNode(phaseNode("b")).
		AddNode(phaseNode("c")).
		AddNode(merge).
		AddNode(downstream).
		AddEdge("a", &Edge{Target: "group", Condition: EdgeAlways}).
		AddEdge("b", &Edge{Target: "merge", Condition: EdgeAlways}).
		AddEdge("c", &Edge{Target: "merge", Condition: EdgeAlways}).
		AddEdge("merge", &Edge{Target: "down", Condition: EdgeAlways}).
		SetEntryPoint("a").
		Build()
	require.NoError(t, err)

	result, execErr := d.Execute(context.Background(), g, &workflow.Definition{ID: "wf1"}, true)
	require.NoError(t, execErr)
	assert.Contains(t, result.Results, "down")
	assert.Equal(t, 1, downstreamRuns, "the merge point's downstream edge must fire exactly once")
}

func TestExecuteCustomEdgeConditionEvaluatesAgainstEvalContext(t *testing.T) {
	d := newGraphDriver(false)
	g, err := NewBuilder().
		AddNode(phaseNode("a")).
		AddNode(phaseNode("b")).
		AddEdge("a", &Edge{Target: "b", Condition: EdgeCustom, Evaluate: func(ctx EvalContext) bool {
			r := ctx.Results("a")
			return r != nil && r.Success
		}}).
		SetEntryPoint("a").
		Build()
	require.NoError(t, err)

	result, execErr := d.Execute(context.Background(), g, &workflow.Definition{ID: "wf1"}, true)
	require.NoError(t, execErr)
	assert.Contains(t, result.Results, "b")
}

func TestExecuteRefusesRuntimeCycleWhenValidateGraphRequested(t *testing.T) {
	d := newGraphDriver(false)
	g, err := NewBuilder().
		AddNode(phaseNode("a")).
		AddNode(phaseNode("b")).
		AddEdge("a", &Edge{Target: "b", Condition: EdgeAlways}).
		AddEdge("b", &Edge{Target: "a", Condition: EdgeAlways}).
		SetEntryPoint("a").
		SetEnforceDAG(false). // Build() must succeed; the runtime guard is what rejects it
		Build()
	require.NoError(t, err)

	_, execErr := d.Execute(context.Background(), g, &workflow.Definition{ID: "wf1"}, true)
	require.Error(t, execErr)
	assert.Contains(t, execErr.Error(), "Invalid workflow graph")
	assert.Contains(t, execErr.Error(), "cycle")
}

func TestExecuteSkipsValidationWhenNotRequested(t *testing.T) {
	d := newGraphDriver(false)
	g := &Graph{
		Nodes: map[string]*Node{
			"a": phaseNode("a"),
		},
		Edges:      map[string][]*Edge{},
		EntryPoint: "a",
		EnforceDAG: false,
	}

	result, execErr := d.Execute(context.Background(), g, &workflow.Definition{ID: "wf1"}, false)
	require.NoError(t, execErr)
	assert.Contains(t, result.Results, "a")
}

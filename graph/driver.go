package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/itsneelabh/stableinfra/core"
	"github.com/itsneelabh/stableinfra/telemetry"
	"github.com/itsneelabh/stableinfra/workflow"
)

// Driver runs a Graph's token-flow schedule, dispatching PHASE nodes
// through a Linear Workflow Driver so they get the exact same hook
// sequence a linear workflow phase would, per spec.md §4.F.
type Driver struct {
	linear *workflow.Driver
	logger core.Logger
}

// New constructs a Driver over an existing Linear Workflow Driver.
func New(linear *workflow.Driver, logger core.Logger) *Driver {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Driver{linear: linear, logger: logger}
}

// Result is the accumulated outcome of one graph execution.
type Result struct {
	Results          map[string]*workflow.PhaseResult
	ExecutionHistory []workflow.PhaseResult
	Execution        *workflow.Execution
}

type execState struct {
	mu            sync.Mutex
	results       map[string]*workflow.PhaseResult
	execCounts    map[string]int
	mergeArrivals map[string]int
}

func newExecState() *execState {
	return &execState{
		results:       map[string]*workflow.PhaseResult{},
		execCounts:    map[string]int{},
		mergeArrivals: map[string]int{},
	}
}

func (s *execState) recordResult(phaseID string, r *workflow.PhaseResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[phaseID] = r
}

func (s *execState) nextExecNumber(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execCounts[id]++
	return s.execCounts[id]
}

// arrive registers one upstream completion at a merge point, returning
// true only for the arrival that completes the required count — so the
// downstream edge fires exactly once regardless of how many upstream
// branches converge here.
func (s *execState) arrive(mergeID string, required int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeArrivals[mergeID]++
	return s.mergeArrivals[mergeID] == required
}

func (s *execState) evalContext() EvalContext {
	return EvalContext{Results: func(phaseID string) *workflow.PhaseResult {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.results[phaseID]
	}}
}

// Execute walks g from its entry point, driving PHASE nodes through def's
// hook configuration. If validateGraph, Validate(g) runs first and a
// detected cycle refuses execution with a message containing
// "Invalid workflow graph" and "cycle", per spec.md §4.F's runtime cycle
// guard.
func (d *Driver) Execute(ctx context.Context, g *Graph, def *workflow.Definition, validateGraph bool) (*Result, error) {
	ctx, endSpan := telemetry.StartSpan(ctx, "graph.execute")
	defer endSpan()

	if validateGraph {
		vr := Validate(g)
		if len(vr.Cycles) > 0 {
			return nil, fmt.Errorf("%w: Invalid workflow graph: cycle detected: %v", core.ErrGraphHasCycle, vr.Cycles)
		}
		if !vr.Valid {
			return nil, fmt.Errorf("%w: invalid workflow graph: %v", core.ErrInvalidConfiguration, vr.Errors)
		}
	}

	state := newExecState()
	exec := &workflow.Execution{WorkflowID: def.ID}

	if _, ok := g.Nodes[g.EntryPoint]; !ok {
		return nil, fmt.Errorf("%w: entry point %q not found", core.ErrGraphNoEntryPoint, g.EntryPoint)
	}

	err := d.runNode(ctx, g, def, exec, state, g.EntryPoint)

	return &Result{Results: state.results, ExecutionHistory: exec.ExecutionHistory, Execution: exec}, err
}

func (d *Driver) runNode(ctx context.Context, g *Graph, def *workflow.Definition, exec *workflow.Execution, state *execState, nodeID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	node, ok := g.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("graph: unknown node %q", nodeID)
	}

	switch node.Type {
	case NodePhase:
		execNumber := state.nextExecNumber(node.ID)
		result, _, err := d.linear.RunPhase(ctx, def, exec, node.Phase, execNumber)
		if err != nil {
			return err
		}
		state.recordResult(node.ID, result)
		return d.followEdges(ctx, g, def, exec, state, node.ID, result)

	case NodeConditional:
		next, err := node.Evaluate(state.evalContext())
		if err != nil {
			return fmt.Errorf("graph: conditional node %q: %w", node.ID, err)
		}
		if next == "" {
			return nil
		}
		return d.runNode(ctx, g, def, exec, state, next)

	case NodeParallelGroup:
		return d.fanOut(ctx, g, def, exec, state, node.Children)

	case NodeMergePoint:
		if !state.arrive(node.ID, len(node.Upstream)) {
			return nil // other upstream branches haven't all arrived yet
		}
		return d.followEdges(ctx, g, def, exec, state, node.ID, nil)

	default:
		return fmt.Errorf("graph: node %q has unknown type", node.ID)
	}
}

// followEdges evaluates nodeID's outgoing edges against result (nil for
// non-PHASE nodes, against which SUCCESS/FAILURE never match) and follows
// every matching edge. Zero matches makes nodeID terminal for this path,
// per spec.md §4.F. More than one match fans out concurrently, joining
// before this call returns.
func (d *Driver) followEdges(ctx context.Context, g *Graph, def *workflow.Definition, exec *workflow.Execution, state *execState, nodeID string, result *workflow.PhaseResult) error {
	var matched []string
	for _, e := range g.Edges[nodeID] {
		switch e.Condition {
		case EdgeSuccess:
			if result != nil && result.Success {
				matched = append(matched, e.Target)
			}
		case EdgeFailure:
			if result != nil && !result.Success {
				matched = append(matched, e.Target)
			}
		case EdgeAlways:
			matched = append(matched, e.Target)
		case EdgeCustom:
			if e.Evaluate != nil && e.Evaluate(state.evalContext()) {
				matched = append(matched, e.Target)
			}
		}
	}
	if len(matched) == 0 {
		return nil
	}
	if len(matched) == 1 {
		return d.runNode(ctx, g, def, exec, state, matched[0])
	}
	return d.fanOut(ctx, g, def, exec, state, matched)
}

func (d *Driver) fanOut(ctx context.Context, g *Graph, def *workflow.Definition, exec *workflow.Execution, state *execState, targets []string) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(targets))
	for _, t := range targets {
		wg.Add(1)
		go func(t string) {
			defer wg.Done()
			if err := d.runNode(ctx, g, def, exec, state, t); err != nil {
				errCh <- err
			}
		}(t)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

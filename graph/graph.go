// Package graph implements the Graph Workflow Driver (spec.md §4.F): a
// token-flow scheduler over a static DAG of PHASE, CONDITIONAL,
// PARALLEL_GROUP and MERGE_POINT nodes. Grounded on itsneelabh/gomind's
// orchestration/workflow_dag.go (Validate, hasCycleDFS, GetReadyNodes,
// GetTopologicalOrder) — generalized from a single node kind (agent/tool
// step) to the four node variants spec.md names, and from a worker-pool
// scheduler to a recursive token-flow walk matching the spec's
// fan-out/merge-point semantics more directly than a flat worker queue
// would.
package graph

import (
	"fmt"

	"github.com/itsneelabh/stableinfra/core"
	"github.com/itsneelabh/stableinfra/workflow"
)

// NodeType tags the four node variants spec.md §4.F/§3 defines.
type NodeType int

const (
	NodePhase NodeType = iota
	NodeConditional
	NodeParallelGroup
	NodeMergePoint
)

func (t NodeType) String() string {
	switch t {
	case NodePhase:
		return "phase"
	case NodeConditional:
		return "conditional"
	case NodeParallelGroup:
		return "parallel-group"
	case NodeMergePoint:
		return "merge-point"
	default:
		return "unknown"
	}
}

// EvalContext is passed to CONDITIONAL node evaluators and CUSTOM edge
// condition evaluators, spec.md §4.F.
type EvalContext struct {
	Results func(phaseID string) *workflow.PhaseResult
}

// Node is one vertex of a workflow graph.
type Node struct {
	ID   string
	Type NodeType

	// PHASE
	Phase *workflow.Phase

	// CONDITIONAL: Evaluate returns the id of the next node to follow.
	Evaluate func(ctx EvalContext) (string, error)

	// PARALLEL_GROUP: ids started concurrently when this node is entered.
	Children []string

	// MERGE_POINT: ids whose completion this node waits on before firing
	// its single downstream edge.
	Upstream []string
}

// EdgeConditionType selects when an edge is traversed, spec.md §4.F.
type EdgeConditionType int

const (
	EdgeSuccess EdgeConditionType = iota
	EdgeFailure
	EdgeAlways
	EdgeCustom
)

// Edge is one outgoing transition from a node.
type Edge struct {
	Target    string
	Condition EdgeConditionType
	Evaluate  func(ctx EvalContext) bool // CUSTOM only
}

// Graph is the static structure a Builder accumulates and Build validates.
type Graph struct {
	Nodes      map[string]*Node
	Edges      map[string][]*Edge
	EntryPoint string
	ExitPoints []string
	EnforceDAG bool
}

// Builder accumulates nodes and edges for one Graph.
type Builder struct {
	graph *Graph
}

// NewBuilder starts a Builder with enforceDAG defaulting to true, per
// spec.md §4.F.
func NewBuilder() *Builder {
	return &Builder{graph: &Graph{
		Nodes:      map[string]*Node{},
		Edges:      map[string][]*Edge{},
		EnforceDAG: true,
	}}
}

// AddNode registers a node.
func (b *Builder) AddNode(n *Node) *Builder {
	b.graph.Nodes[n.ID] = n
	return b
}

// AddEdge registers a directed edge from source to edge.Target.
func (b *Builder) AddEdge(source string, e *Edge) *Builder {
	b.graph.Edges[source] = append(b.graph.Edges[source], e)
	return b
}

// SetEntryPoint sets the graph's single entry node.
func (b *Builder) SetEntryPoint(id string) *Builder {
	b.graph.EntryPoint = id
	return b
}

// SetExitPoints sets the graph's declared exit nodes (informational; the
// scheduler itself terminates a path whenever a node has no matching
// outgoing edge).
func (b *Builder) SetExitPoints(ids ...string) *Builder {
	b.graph.ExitPoints = ids
	return b
}

// SetEnforceDAG toggles build-time cycle rejection.
func (b *Builder) SetEnforceDAG(enforce bool) *Builder {
	b.graph.EnforceDAG = enforce
	return b
}

// Build validates and returns the accumulated Graph. If EnforceDAG, any
// cycle (including self-loops) fails the build with a message containing
// "DAG constraint violated" and "cycle", per spec.md §4.F.
func (b *Builder) Build() (*Graph, error) {
	g := b.graph
	if g.EntryPoint == "" {
		return nil, fmt.Errorf("%w: graph has no entry point", core.ErrGraphNoEntryPoint)
	}
	if _, ok := g.Nodes[g.EntryPoint]; !ok {
		return nil, fmt.Errorf("%w: entry point %q not found among nodes", core.ErrGraphNoEntryPoint, g.EntryPoint)
	}
	if g.EnforceDAG {
		if cycle := findCycle(g); cycle != nil {
			return nil, fmt.Errorf("%w: DAG constraint violated: cycle detected: %v", core.ErrGraphHasCycle, cycle)
		}
	}
	return g, nil
}

// ValidationResult is the outcome of Validate, spec.md §4.F.
type ValidationResult struct {
	Valid            bool
	Errors           []string
	UnreachableNodes []string
	Cycles           [][]string
}

// Validate reports reachability and any cycles present, whatever the
// graph's EnforceDAG setting, without failing the build. Reachability
// follows static edges and PARALLEL_GROUP children only, so a node reached
// solely through a CONDITIONAL node's Evaluate is listed as unreachable.
// Invoked automatically on Execute unless validateGraph=false.
func Validate(g *Graph) ValidationResult {
	result := ValidationResult{Valid: true}

	if g.EntryPoint == "" {
		result.Valid = false
		result.Errors = append(result.Errors, "graph has no entry point")
		return result
	}

	reachable := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		node := g.Nodes[id]
		if node == nil {
			return
		}
		for _, e := range g.Edges[id] {
			walk(e.Target)
		}
		if node.Type == NodeParallelGroup {
			for _, c := range node.Children {
				walk(c)
			}
		}
	}
	walk(g.EntryPoint)

	for id := range g.Nodes {
		if !reachable[id] {
			result.UnreachableNodes = append(result.UnreachableNodes, id)
		}
	}
	if len(result.UnreachableNodes) > 0 {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("unreachable nodes: %v", result.UnreachableNodes))
	}

	if cycle := findCycle(g); cycle != nil {
		result.Cycles = append(result.Cycles, cycle)
		if g.EnforceDAG {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("cycle detected: %v", cycle))
		}
	}

	return result
}

// findCycle runs a DFS cycle check over static edges (and PARALLEL_GROUP
// child fan-out, which is also a static structural edge), returning the
// first cycle found as a node-id path, or nil if the graph is acyclic.
// Self-loops (a node with an edge/child pointing to itself) count as
// cycles.
func findCycle(g *Graph) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		if color[id] == black {
			return false
		}
		if color[id] == gray {
			// found a back-edge; extract the cycle from path
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle = append(append([]string{}, path[start:]...), id)
			return true
		}
		color[id] = gray
		path = append(path, id)

		node := g.Nodes[id]
		if node != nil {
			for _, e := range g.Edges[id] {
				if visit(e.Target) {
					return true
				}
			}
			if node.Type == NodeParallelGroup {
				for _, c := range node.Children {
					if visit(c) {
						return true
					}
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for id := range g.Nodes {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

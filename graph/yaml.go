package graph

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/itsneelabh/stableinfra/attempt"
	"github.com/itsneelabh/stableinfra/gateway"
	"github.com/itsneelabh/stableinfra/workflow"
)

type yamlGraph struct {
	EntryPoint string     `yaml:"entryPoint"`
	ExitPoints []string   `yaml:"exitPoints"`
	EnforceDAG *bool      `yaml:"enforceDAG"`
	Nodes      []yamlNode `yaml:"nodes"`
	Edges      []yamlEdge `yaml:"edges"`
}

type yamlNode struct {
	ID       string        `yaml:"id"`
	Type     string        `yaml:"type"` // phase, parallel_group, merge_point
	Phase    *yamlPhaseRef `yaml:"phase"`
	Children []string      `yaml:"children"`
	Upstream []string      `yaml:"upstream"`
}

type yamlPhaseRef struct {
	ID    string          `yaml:"id"`
	Items []yamlGraphItem `yaml:"items"`
}

type yamlGraphItem struct {
	ID       string            `yaml:"id"`
	Protocol string            `yaml:"protocol"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Path     string            `yaml:"path"`
	Method   string            `yaml:"method"`
	Headers  map[string]string `yaml:"headers"`
	Query    map[string]string `yaml:"query"`
	Body     interface{}       `yaml:"body"`
}

type yamlEdge struct {
	Source    string `yaml:"source"`
	Target    string `yaml:"target"`
	Condition string `yaml:"condition"` // success, failure, always (default)
}

// ParseGraphYAML parses the declarative subset of a Graph: PHASE,
// PARALLEL_GROUP and MERGE_POINT nodes connected by SUCCESS/FAILURE/ALWAYS
// edges. CONDITIONAL nodes and CUSTOM edges carry Go evaluator funcs with
// no YAML representation; add them to the returned Graph's Builder output
// in Go. Grounded on itsneelabh/gomind's orchestration/workflow_engine.go
// ParseWorkflowYAML, adapted from its flat step list to this driver's
// graph-of-nodes shape.
func ParseGraphYAML(data []byte) (*Graph, error) {
	var raw yamlGraph
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing graph YAML: %w", err)
	}
	if raw.EntryPoint == "" {
		return nil, fmt.Errorf("graph YAML: entryPoint is required")
	}

	b := NewBuilder().SetEntryPoint(raw.EntryPoint).SetExitPoints(raw.ExitPoints...)
	if raw.EnforceDAG != nil {
		b.SetEnforceDAG(*raw.EnforceDAG)
	}

	for _, n := range raw.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("graph YAML: node missing id")
		}
		node := &Node{ID: n.ID}
		switch n.Type {
		case "phase":
			if n.Phase == nil {
				return nil, fmt.Errorf("graph YAML: node %q is type phase but has no phase block", n.ID)
			}
			node.Type = NodePhase
			node.Phase = &workflow.Phase{ID: n.Phase.ID}
			for _, it := range n.Phase.Items {
				node.Phase.Items = append(node.Phase.Items, gateway.Item{
					Item: &attempt.Item{
						ID:   it.ID,
						Kind: attempt.ItemKindRequest,
						Request: &attempt.RequestDescriptor{
							Protocol: it.Protocol,
							Host:     it.Host,
							Port:     it.Port,
							Path:     it.Path,
							Method:   it.Method,
							Headers:  it.Headers,
							Query:    it.Query,
							Body:     it.Body,
						},
					},
				})
			}
		case "parallel_group":
			node.Type = NodeParallelGroup
			node.Children = n.Children
		case "merge_point":
			node.Type = NodeMergePoint
			node.Upstream = n.Upstream
		default:
			return nil, fmt.Errorf("graph YAML: node %q has unknown type %q", n.ID, n.Type)
		}
		b.AddNode(node)
	}

	for _, e := range raw.Edges {
		if e.Source == "" || e.Target == "" {
			return nil, fmt.Errorf("graph YAML: edge requires source and target")
		}
		edge := &Edge{Target: e.Target}
		switch e.Condition {
		case "", "always":
			edge.Condition = EdgeAlways
		case "success":
			edge.Condition = EdgeSuccess
		case "failure":
			edge.Condition = EdgeFailure
		default:
			return nil, fmt.Errorf("graph YAML: edge %s->%s has unknown condition %q (CUSTOM edges require Go wiring)", e.Source, e.Target, e.Condition)
		}
		b.AddEdge(e.Source, edge)
	}

	return b.Build()
}

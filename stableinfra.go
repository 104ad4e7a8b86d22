// Package stableinfra wires the Attempt Loop, Gateway Executor, and both
// Workflow Drivers into the five public operations spec.md §6 names as
// stable strings for observability/scheduling: stableRequest,
// stableFunction, stableApiGateway, stableWorkflow, stableWorkflowGraph.
// Grounded on itsneelabh/gomind's root agent.go/framework.go wiring
// pattern: one constructor (there, NewBaseAgent; here, NewRuntime) builds
// every collaborator from a core.Config and hands back a thin struct of
// entry points, so callers never wire the internal packages by hand.
package stableinfra

import (
	"context"
	"fmt"

	"github.com/itsneelabh/stableinfra/attempt"
	"github.com/itsneelabh/stableinfra/buffer"
	"github.com/itsneelabh/stableinfra/core"
	"github.com/itsneelabh/stableinfra/gateway"
	"github.com/itsneelabh/stableinfra/graph"
	"github.com/itsneelabh/stableinfra/persistence"
	"github.com/itsneelabh/stableinfra/telemetry"
	"github.com/itsneelabh/stableinfra/workflow"
)

// Stable operation names, spec.md §6.
const (
	OpStableRequest       = "stableRequest"
	OpStableFunction      = "stableFunction"
	OpStableApiGateway    = "stableApiGateway"
	OpStableWorkflow      = "stableWorkflow"
	OpStableWorkflowGraph = "stableWorkflowGraph"
)

// Runtime bundles every component this module builds, constructed once
// from a core.Config and a caller-supplied Transport.
type Runtime struct {
	Config *core.Config
	Logger core.Logger

	Loop          *attempt.Loop
	Gateway       *gateway.Executor
	Workflow      *workflow.Driver
	Graph         *graph.Driver
	Persistence   *persistence.Wrapper
	SharedBuffer  *buffer.StableBuffer
}

// NewRuntime builds a fully wired Runtime. transport is the caller's HTTP
// client adapter (spec.md §6's "HTTP client contract (consumed)");
// persistenceFn is the state-persistence load/store function the State
// Persistence Wrapper brackets every hook with (nil disables persistence
// entirely, matching persistence.Wrapper's optional-wiring contract).
func NewRuntime(transport attempt.Transport, persistenceFn persistence.Func, opts ...core.Option) (*Runtime, error) {
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger()

	sharedBuffer := buffer.New()

	var persistenceWrapper *persistence.Wrapper
	if persistenceFn != nil {
		persistenceWrapper = persistence.New(sharedBuffer, persistenceFn, logger)
	}

	loop := attempt.New(transport, persistenceWrapper, logger)
	gw := gateway.New(loop, logger)
	wf := workflow.New(gw, persistenceWrapper, logger)
	gr := graph.New(wf, logger)

	return &Runtime{
		Config:       cfg,
		Logger:       logger,
		Loop:         loop,
		Gateway:      gw,
		Workflow:     wf,
		Graph:        gr,
		Persistence:  persistenceWrapper,
		SharedBuffer: sharedBuffer,
	}, nil
}

// StableRequest runs a single REQUEST-kind item through the Attempt Loop.
func (r *Runtime) StableRequest(ctx context.Context, item *attempt.Item, cfg *attempt.Config, hookCtx persistence.HookContext) (*attempt.ItemResult, error) {
	if item.Kind != attempt.ItemKindRequest {
		return nil, fmt.Errorf("%w: stableRequest requires a REQUEST item, got %s", core.ErrInvalidConfiguration, item.Kind)
	}
	ctx, endSpan := telemetry.StartSpan(ctx, OpStableRequest)
	defer endSpan()
	telemetry.SetSpanAttributes(ctx, telemetry.Attr("item.id", item.ID))
	return r.Loop.Execute(ctx, item, cfg, hookCtx)
}

// StableFunction runs a single FUNCTION-kind item through the Attempt Loop.
func (r *Runtime) StableFunction(ctx context.Context, item *attempt.Item, cfg *attempt.Config, hookCtx persistence.HookContext) (*attempt.ItemResult, error) {
	if item.Kind != attempt.ItemKindFunction {
		return nil, fmt.Errorf("%w: stableFunction requires a FUNCTION item, got %s", core.ErrInvalidConfiguration, item.Kind)
	}
	ctx, endSpan := telemetry.StartSpan(ctx, OpStableFunction)
	defer endSpan()
	telemetry.SetSpanAttributes(ctx, telemetry.Attr("item.id", item.ID))
	return r.Loop.Execute(ctx, item, cfg, hookCtx)
}

// StableApiGateway runs an ordered batch of items through the Gateway
// Executor.
func (r *Runtime) StableApiGateway(ctx context.Context, items []gateway.Item, opts *gateway.Options) (*gateway.Result, error) {
	ctx, endSpan := telemetry.StartSpan(ctx, OpStableApiGateway)
	defer endSpan()
	return r.Gateway.Execute(ctx, items, opts)
}

// StableWorkflow runs a linear (or branch-structured) workflow.
func (r *Runtime) StableWorkflow(ctx context.Context, def *workflow.Definition) (*workflow.Execution, error) {
	ctx, endSpan := telemetry.StartSpan(ctx, OpStableWorkflow)
	defer endSpan()
	return r.Workflow.Run(ctx, def)
}

// StableWorkflowGraph runs a Graph Workflow Driver schedule.
func (r *Runtime) StableWorkflowGraph(ctx context.Context, g *graph.Graph, def *workflow.Definition, validateGraph bool) (*graph.Result, error) {
	ctx, endSpan := telemetry.StartSpan(ctx, OpStableWorkflowGraph)
	defer endSpan()
	return r.Graph.Execute(ctx, g, def, validateGraph)
}

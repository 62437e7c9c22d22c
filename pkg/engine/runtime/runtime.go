// Package runtime defines the core contracts shared by pipeline executors and node
// handlers, keeping business logic decoupled from execution mechanics.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/polisai/polis-flow/pkg/domain"
)

// ErrMissingInput is returned when a handler cannot find the upstream output it needs.
var ErrMissingInput = errors.New("missing upstream input")

// NodeOutcome captures the classification of a node execution result.
type NodeOutcome string

const (
	// OutcomeSuccess indicates the node completed work and its live edges may be followed.
	OutcomeSuccess NodeOutcome = "success"
	// OutcomeFailure indicates the node failed without a more specific classification.
	OutcomeFailure NodeOutcome = "failure"
	// OutcomeTimeout indicates the node exceeded its governance deadline.
	OutcomeTimeout NodeOutcome = "timeout"
	// OutcomeSkipped indicates the node was not selected by an upstream branch.
	OutcomeSkipped NodeOutcome = "skipped"
	// OutcomeUpstreamFailed indicates the node never ran because an upstream node failed.
	OutcomeUpstreamFailed NodeOutcome = "upstream_failed"
)

// NodeResult bundles the outcome, the typed output handed to successors, the branch
// label selected by branch nodes and an optional run state override.
type NodeResult struct {
	Outcome NodeOutcome
	Output  any
	Branch  string
	State   domain.RunState
}

// WithDefaults ensures the outcome is set even when handlers omit it.
func (r NodeResult) WithDefaults() NodeResult {
	if r.Outcome == "" {
		r.Outcome = OutcomeSuccess
	}
	return r
}

// Success constructs a success result carrying output.
func Success(output any) NodeResult {
	return NodeResult{Outcome: OutcomeSuccess, Output: output}
}

// Branch constructs a success result that selects the edges labelled label.
func Branch(label string, output any, state domain.RunState) NodeResult {
	return NodeResult{Outcome: OutcomeSuccess, Output: output, Branch: label, State: state}
}

// Input is what a handler receives: run identity plus the outputs of the
// predecessors it is connected to over live edges, keyed by node ID.
type Input struct {
	RunID      string
	PipelineID string
	Attempt    int
	Upstream   map[string]any
}

// Single returns the output of the only live predecessor.
func (in Input) Single() (any, bool) {
	if len(in.Upstream) != 1 {
		return nil, false
	}
	for _, value := range in.Upstream {
		return value, true
	}
	return nil, false
}

// As returns the first upstream output of type T, visiting predecessors in ID order.
func As[T any](in Input) (T, error) {
	ids := make([]string, 0, len(in.Upstream))
	for id := range in.Upstream {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		switch value := in.Upstream[id].(type) {
		case T:
			return value, nil
		case *T:
			if value != nil {
				return *value, nil
			}
		}
	}

	var zero T
	return zero, fmt.Errorf("%w: no upstream output of type %T", ErrMissingInput, zero)
}

// NodeHandler executes a pipeline node and returns its classified result.
type NodeHandler interface {
	Execute(ctx context.Context, node *domain.PipelineNode, in Input) (NodeResult, error)
}

// HandlerFunc adapts a function to the NodeHandler interface.
type HandlerFunc func(ctx context.Context, node *domain.PipelineNode, in Input) (NodeResult, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, node *domain.PipelineNode, in Input) (NodeResult, error) {
	return f(ctx, node, in)
}

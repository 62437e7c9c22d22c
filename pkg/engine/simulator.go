package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
)

// Simulator executes pipelines deterministically without side effects.
// The gate and extract nodes are stubbed with the supplied payload, writers are
// stubbed, and nothing is persisted or alerted.
type Simulator struct {
	executor *DAGExecutor
	logger   *slog.Logger
}

// NewSimulator creates a new deterministic pipeline simulator.
func NewSimulator(executor *DAGExecutor, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Simulator{
		executor: executor,
		logger:   logger,
	}
}

// Simulate runs the pipeline as if the endpoint had answered with payload and
// returns the trace of node outcomes. A run that fails still yields a response;
// the error is returned alongside it.
func (s *Simulator) Simulate(ctx context.Context, pipelineID string, payload []byte) (*domain.SimulationResponse, error) {
	s.logger.Info("starting pipeline simulation",
		slog.String("pipeline_id", pipelineID),
		slog.Int("payload_bytes", len(payload)))

	entry, err := s.executor.registry.lookup(pipelineID)
	if err != nil {
		return nil, err
	}

	var user *domain.TransformedUser
	observe := func(output any) {
		if u, ok := output.(domain.TransformedUser); ok {
			user = &u
		}
	}

	overrides := map[string]runtime.NodeHandler{
		"sensor.http": runtime.HandlerFunc(func(_ context.Context, _ *domain.PipelineNode, _ runtime.Input) (runtime.NodeResult, error) {
			return runtime.Success(nil), nil
		}),
		"http.get": runtime.HandlerFunc(func(_ context.Context, _ *domain.PipelineNode, _ runtime.Input) (runtime.NodeResult, error) {
			return runtime.Success(domain.RawUserRecord{
				Body:        payload,
				ContentType: "application/json",
				StatusCode:  200,
				FetchedAt:   s.executor.now().UTC(),
			}), nil
		}),
		"store.file": runtime.HandlerFunc(func(_ context.Context, node *domain.PipelineNode, in runtime.Input) (runtime.NodeResult, error) {
			routed, err := runtime.As[domain.RoutedUser](in)
			if err != nil {
				return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("%w: %v", domain.ErrWriteFailure, err)
			}
			path, _ := node.Config["path"].(string)
			return runtime.Success(domain.WriteReceipt{Group: routed.Decision, Path: path}), nil
		}),
	}
	if transform, _, ok := s.executor.handlers.resolve("transform.user"); ok {
		overrides["transform.user"] = runtime.HandlerFunc(func(ctx context.Context, node *domain.PipelineNode, in runtime.Input) (runtime.NodeResult, error) {
			res, err := transform.Execute(ctx, node, in)
			if err == nil {
				observe(res.Output)
			}
			return res, err
		})
	}

	record, runErr := s.executor.Run(ctx, pipelineID, RunOptions{
		Trigger:       TriggerSimulation,
		Overrides:     overrides,
		DryRun:        true,
		SingleAttempt: true,
	})
	if record == nil {
		return nil, runErr
	}

	resp := &domain.SimulationResponse{
		PipelineID: entry.pipeline.ID,
		FinalState: record.State,
		Decision:   record.Branch,
		Record:     user,
		Trace:      buildTrace(entry.pipeline, entry.order, record),
	}

	var stepErr *domain.StepError
	if errors.As(runErr, &stepErr) {
		s.logger.Info("pipeline simulation failed",
			slog.String("pipeline_id", pipelineID),
			slog.String("node_id", stepErr.NodeID),
			slog.String("state", string(stepErr.State)))
	} else {
		s.logger.Info("pipeline simulation complete",
			slog.String("pipeline_id", pipelineID),
			slog.String("state", string(record.State)))
	}
	return resp, runErr
}

// buildTrace lists executed and skipped nodes in execution order. Nodes that
// never ran because of an upstream failure are included with that outcome.
func buildTrace(pipeline *domain.Pipeline, order []string, record *domain.RunRecord) []domain.TraceEntry {
	trace := make([]domain.TraceEntry, 0, len(order))
	for _, nodeID := range order {
		step := record.Step(nodeID)
		if step == nil {
			continue
		}
		entry := domain.TraceEntry{
			NodeID:   step.NodeID,
			NodeType: step.NodeType,
			Outcome:  string(step.State),
		}
		if !step.StartedAt.IsZero() && !step.EndedAt.IsZero() {
			entry.Duration = step.EndedAt.Sub(step.StartedAt).String()
		}
		if step.Attempts > 1 {
			entry.Metadata = map[string]interface{}{"attempts": step.Attempts}
		}
		if step.Error != "" {
			if entry.Metadata == nil {
				entry.Metadata = make(map[string]interface{})
			}
			entry.Metadata["error"] = step.Error
		}
		if step.State == domain.StepSuccess && isBranchType(step.NodeType) {
			for _, edge := range pipeline.Downstream(step.NodeID) {
				if edge.Branch == record.Branch {
					entry.EdgeTaken = edge.To
				}
			}
		}
		trace = append(trace, entry)
	}
	return trace
}

package engine

import (
	"context"
	"log/slog"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
)

// PassthroughNodeHandler logs the node execution and continues to success,
// forwarding the output of its single live predecessor.
type PassthroughNodeHandler struct {
	logger *slog.Logger
}

// Execute logs the node execution and continues to success.
func (h *PassthroughNodeHandler) Execute(_ context.Context, node *domain.PipelineNode, in runtime.Input) (runtime.NodeResult, error) {
	h.logger.Debug("passthrough node executed",
		"node_id", node.ID,
		"node_type", node.Type,
	)
	output, _ := in.Single()
	return runtime.Success(output), nil
}

// TerminalEndHandler marks the end of a run. It produces no data.
type TerminalEndHandler struct {
	logger *slog.Logger
}

// Execute records which predecessor completed the run.
func (h *TerminalEndHandler) Execute(_ context.Context, node *domain.PipelineNode, in runtime.Input) (runtime.NodeResult, error) {
	if h.logger != nil {
		from := make([]string, 0, len(in.Upstream))
		for id := range in.Upstream {
			from = append(from, id)
		}
		h.logger.Debug("terminal end reached",
			"node_id", node.ID,
			"run_id", in.RunID,
			"from", from,
		)
	}
	return runtime.Success(nil), nil
}

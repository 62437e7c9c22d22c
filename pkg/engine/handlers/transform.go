package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
	"github.com/polisai/polis-flow/pkg/users"
)

// TransformUserHandler projects the extracted payload into a domain.TransformedUser.
type TransformUserHandler struct {
	logger *slog.Logger
}

// NewTransformUserHandler creates a transform handler.
func NewTransformUserHandler(logger *slog.Logger) *TransformUserHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransformUserHandler{logger: logger}
}

// Execute parses the upstream RawUserRecord.
func (h *TransformUserHandler) Execute(_ context.Context, node *domain.PipelineNode, in runtime.Input) (runtime.NodeResult, error) {
	raw, err := runtime.As[domain.RawUserRecord](in)
	if err != nil {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("transform: %w", err)
	}

	user, err := users.Transform(raw.Body)
	if err != nil {
		h.logger.Warn("transform: payload rejected",
			"node_id", node.ID,
			"run_id", in.RunID,
			"error", err,
		)
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, err
	}
	return runtime.Success(user), nil
}

// AgeBranchHandler routes a transformed user to group_a or group_b.
type AgeBranchHandler struct {
	logger *slog.Logger
}

// NewAgeBranchHandler creates the age router.
func NewAgeBranchHandler(logger *slog.Logger) *AgeBranchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgeBranchHandler{logger: logger}
}

// Execute selects the branch label and the matching run state.
func (h *AgeBranchHandler) Execute(_ context.Context, node *domain.PipelineNode, in runtime.Input) (runtime.NodeResult, error) {
	user, err := runtime.As[domain.TransformedUser](in)
	if err != nil {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("branch: %w", err)
	}

	decision := users.Route(user)
	h.logger.Debug("branch: user routed",
		"node_id", node.ID,
		"run_id", in.RunID,
		"decision", decision,
	)
	return runtime.Branch(string(decision), domain.RoutedUser{Decision: decision, User: user}, decision.RunState()), nil
}

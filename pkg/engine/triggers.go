package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/storage"
)

// Trigger names recorded on runs.
const (
	TriggerManual     = "manual"
	TriggerOnce       = "@once"
	TriggerAPI        = "api"
	TriggerSimulation = "simulation"
)

// ScheduleOnce is the only schedule understood besides manual triggering.
const ScheduleOnce = "@once"

// Runner starts pipeline runs. *DAGExecutor implements it.
type Runner interface {
	Run(ctx context.Context, pipelineID string, opts RunOptions) (*domain.RunRecord, error)
}

// IsOnce reports whether the pipeline is scheduled to run a single time.
func IsOnce(pipeline *domain.Pipeline) bool {
	return pipeline != nil && strings.EqualFold(strings.TrimSpace(pipeline.Schedule), ScheduleOnce)
}

// OnceTrigger runs a pipeline unless the run history already holds a successful run.
type OnceTrigger struct {
	runner     Runner
	store      storage.RunStore
	pipelineID string
	logger     *slog.Logger
}

// NewOnceTrigger creates an @once trigger for pipelineID. A nil store means the
// history is unknown and the trigger always fires.
func NewOnceTrigger(runner Runner, store storage.RunStore, pipelineID string, logger *slog.Logger) *OnceTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnceTrigger{
		runner:     runner,
		store:      store,
		pipelineID: pipelineID,
		logger:     logger,
	}
}

// Fire starts the run. fired is false when an earlier successful run was found;
// that run is returned instead.
func (t *OnceTrigger) Fire(ctx context.Context) (record *domain.RunRecord, fired bool, err error) {
	if t.store != nil {
		last, err := t.store.LastSuccessful(ctx, t.pipelineID)
		switch {
		case err == nil:
			t.logger.Info("pipeline already completed; @once trigger not fired",
				"pipeline_id", t.pipelineID,
				"run_id", last.ID,
			)
			return last, false, nil
		case !errors.Is(err, domain.ErrRunNotFound):
			return nil, false, fmt.Errorf("checking run history of %s: %w", t.pipelineID, err)
		}
	}

	record, err = t.runner.Run(ctx, t.pipelineID, RunOptions{Trigger: TriggerOnce})
	return record, true, err
}

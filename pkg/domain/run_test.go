package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStateHappyPath(t *testing.T) {
	path := []RunState{RunReady, RunExtracted, RunTransformed, RunRoutedA, RunWritten, RunDone}

	run := &RunRecord{State: RunPending}
	for _, next := range path {
		require.NoError(t, run.Transition(next), "transition to %s", next)
	}
	assert.Equal(t, RunDone, run.State)
	assert.True(t, run.State.IsTerminal())
	assert.False(t, run.State.IsFailure())
}

func TestRunStateFailuresAreAbsorbing(t *testing.T) {
	for _, state := range []RunState{RunFailedGate, RunFailedExtract, RunFailedTransform, RunFailedWrite, RunFailed} {
		assert.True(t, state.IsTerminal(), "%s should be terminal", state)
		assert.True(t, state.IsFailure(), "%s should be a failure", state)

		run := &RunRecord{State: state}
		err := run.Transition(RunReady)
		assert.True(t, errors.Is(err, ErrIllegalTransition))
		assert.Equal(t, state, run.State)
	}
}

func TestRunStateRejectsSkippingSteps(t *testing.T) {
	run := &RunRecord{State: RunPending}
	err := run.Transition(RunTransformed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, RunPending, run.State)

	// The branch states are mutually exclusive.
	run.State = RunRoutedA
	assert.Error(t, run.Transition(RunRoutedB))
}

func TestNewRunRecordSeedsPendingSteps(t *testing.T) {
	pipeline := &Pipeline{
		ID:      "p",
		Version: 2,
		Nodes: []PipelineNode{
			{ID: "a", Type: "sensor.http"},
			{ID: "b", Type: "terminal.end"},
		},
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	run := NewRunRecord("run-1", pipeline, "manual", now)

	assert.Equal(t, RunPending, run.State)
	assert.Equal(t, 2, run.PipelineVersion)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, StepPending, run.Step("a").State)
	assert.Equal(t, "terminal.end", run.Step("b").NodeType)
	assert.Nil(t, run.Step("missing"))

	clone := run.Clone()
	clone.Steps[0].State = StepSuccess
	assert.Equal(t, StepPending, run.Steps[0].State, "clone must not share steps")
}

func TestStepErrorUnwraps(t *testing.T) {
	err := &StepError{NodeID: "extract_user", State: RunFailedExtract, Err: ErrExtractFailure}

	assert.ErrorIs(t, err, ErrExtractFailure)
	assert.Equal(t, "EXTRACT_FAILURE", ErrorCode(err))
	assert.Contains(t, err.Error(), "extract_user")

	var stepErr *StepError
	require.ErrorAs(t, error(err), &stepErr)
	assert.Equal(t, RunFailedExtract, stepErr.State)
}

func TestRoutingDecision(t *testing.T) {
	assert.Equal(t, RunRoutedA, GroupA.RunState())
	assert.Equal(t, RunRoutedB, GroupB.RunState())
	assert.True(t, GroupA.Valid())
	assert.False(t, RoutingDecision("group_c").Valid())
}

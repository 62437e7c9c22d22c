package engine

import (
	"context"
	"os"
	"testing"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func traceByNode(resp *domain.SimulationResponse) map[string]domain.TraceEntry {
	entries := make(map[string]domain.TraceEntry, len(resp.Trace))
	for _, entry := range resp.Trace {
		entries[entry.NodeID] = entry
	}
	return entries
}

func TestSimulateRoutesWithoutSideEffects(t *testing.T) {
	// Nothing listens on this address; the gate and extract nodes must never dial it.
	f := newFixture(t, "http://127.0.0.1:1")
	sim := NewSimulator(f.executor, quietLogger())

	resp, err := sim.Simulate(context.Background(), testPipelineID, []byte(userPayload("Ann", 41)))
	require.NoError(t, err)

	assert.Equal(t, testPipelineID, resp.PipelineID)
	assert.Equal(t, domain.RunDone, resp.FinalState)
	assert.Equal(t, "group_a", resp.Decision)
	require.NotNil(t, resp.Record)
	assert.Equal(t, "Ann", resp.Record.FirstName)
	assert.Equal(t, 41, resp.Record.Age)

	require.Len(t, resp.Trace, 7)
	assert.Equal(t, "is_api_available", resp.Trace[0].NodeID)
	assert.Equal(t, "end", resp.Trace[6].NodeID)

	entries := traceByNode(resp)
	assert.Equal(t, "store_user_group_a", entries["check_user_age"].EdgeTaken)
	assert.Equal(t, string(domain.StepSuccess), entries["store_user_group_a"].Outcome)
	assert.Equal(t, string(domain.StepSkipped), entries["store_user_group_b"].Outcome)

	_, statErr := os.Stat(f.file("group_a.csv"))
	assert.True(t, os.IsNotExist(statErr), "simulation must not write files")

	runs, err := f.store.ListRuns(context.Background(), testPipelineID, 10)
	require.NoError(t, err)
	assert.Empty(t, runs, "simulation must not persist history")
}

func TestSimulateYoungUserTakesGroupB(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	sim := NewSimulator(f.executor, quietLogger())

	resp, err := sim.Simulate(context.Background(), testPipelineID, []byte(userPayload("Bo", 22)))
	require.NoError(t, err)
	assert.Equal(t, "group_b", resp.Decision)
	assert.Equal(t, "store_user_group_b", traceByNode(resp)["check_user_age"].EdgeTaken)
}

func TestSimulateReportsTransformFailure(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1", withRetries)
	sim := NewSimulator(f.executor, quietLogger())

	resp, err := sim.Simulate(context.Background(), testPipelineID, []byte(`{"results":[]}`))
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrMalformedPayload)
	require.NotNil(t, resp)

	assert.Equal(t, domain.RunFailedTransform, resp.FinalState)
	assert.Empty(t, resp.Decision)
	assert.Nil(t, resp.Record)

	entries := traceByNode(resp)
	failed := entries["transform_user"]
	assert.Equal(t, string(domain.StepFailed), failed.Outcome)
	assert.NotEmpty(t, failed.Metadata["error"])
	assert.NotContains(t, failed.Metadata, "attempts", "simulation runs each node once")
	assert.Equal(t, string(domain.StepUpstreamFailed), entries["end"].Outcome)
}

func TestSimulateUnknownPipeline(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	sim := NewSimulator(f.executor, quietLogger())

	resp, err := sim.Simulate(context.Background(), "missing", nil)
	require.ErrorIs(t, err, domain.ErrPipelineNotFound)
	assert.Nil(t, resp)
}

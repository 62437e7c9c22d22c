package runtime

import (
	"context"
	"testing"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsFindsTypedOutput(t *testing.T) {
	user := domain.TransformedUser{FirstName: "Ann", Age: 41}
	in := Input{Upstream: map[string]any{"transform_user": user}}

	got, err := As[domain.TransformedUser](in)
	require.NoError(t, err)
	assert.Equal(t, user, got)
}

func TestAsDereferencesPointers(t *testing.T) {
	raw := &domain.RawUserRecord{Body: []byte("{}"), StatusCode: 200}
	in := Input{Upstream: map[string]any{"extract_user": raw}}

	got, err := As[domain.RawUserRecord](in)
	require.NoError(t, err)
	assert.Equal(t, 200, got.StatusCode)
}

func TestAsMissingInput(t *testing.T) {
	in := Input{Upstream: map[string]any{"is_api_available": nil}}

	_, err := As[domain.RoutedUser](in)
	require.ErrorIs(t, err, ErrMissingInput)
}

func TestSingle(t *testing.T) {
	value, ok := Input{Upstream: map[string]any{"a": 1}}.Single()
	assert.True(t, ok)
	assert.Equal(t, 1, value)

	_, ok = Input{Upstream: map[string]any{"a": 1, "b": 2}}.Single()
	assert.False(t, ok)
}

func TestResultDefaults(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, NodeResult{}.WithDefaults().Outcome)
	assert.Equal(t, OutcomeFailure, NodeResult{Outcome: OutcomeFailure}.WithDefaults().Outcome)

	res := Branch("group_a", 1, domain.RunRoutedA)
	assert.Equal(t, "group_a", res.Branch)
	assert.Equal(t, domain.RunRoutedA, res.State)
}

func TestHandlerFunc(t *testing.T) {
	h := HandlerFunc(func(_ context.Context, node *domain.PipelineNode, _ Input) (NodeResult, error) {
		return Success(node.ID), nil
	})

	res, err := h.Execute(context.Background(), &domain.PipelineNode{ID: "end"}, Input{})
	require.NoError(t, err)
	assert.Equal(t, "end", res.Output)
}

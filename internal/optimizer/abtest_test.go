package optimizer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/mocks"
	"github.com/xkilldash9x/evoloop/internal/optimizer"
)

func TestComputeABOutcome(t *testing.T) {
	t.Run("clear winner", func(t *testing.T) {
		winner, confidence := optimizer.ComputeABOutcome(0.6, 0.8)
		assert.Equal(t, "b", winner)
		assert.InDelta(t, 0.25, confidence, 0.001)
	})

	t.Run("equal scores are inconclusive", func(t *testing.T) {
		winner, confidence := optimizer.ComputeABOutcome(0.7, 0.7)
		assert.Equal(t, "inconclusive", winner)
		assert.Zero(t, confidence)
	})

	t.Run("a wins symmetrically", func(t *testing.T) {
		winner, confidence := optimizer.ComputeABOutcome(0.8, 0.6)
		assert.Equal(t, "a", winner)
		assert.InDelta(t, 0.25, confidence, 0.001)
	})

	t.Run("both zero", func(t *testing.T) {
		winner, confidence := optimizer.ComputeABOutcome(0, 0)
		assert.Equal(t, "inconclusive", winner)
		assert.Zero(t, confidence)
	})

	t.Run("confidence is clamped", func(t *testing.T) {
		_, confidence := optimizer.ComputeABOutcome(1.0, 0.0)
		assert.LessOrEqual(t, confidence, 1.0)
	})
}

func TestRunABTest_ComparesCandidateAgainstCurrent(t *testing.T) {
	mockOracle := new(mocks.MockOracle)
	mockOracle.On("Generate", mock.Anything, promptMatcher("UI hypothesis generator")).
		Return(treeResponse, nil)
	// Five evaluations for variant A (0.6), then five for variant B (0.8).
	mockOracle.On("Generate", mock.Anything, promptMatcher("evaluator scoring")).
		Return(`{"score": 0.6, "reasoning": "current"}`, nil).Times(10)
	mockOracle.On("Generate", mock.Anything, promptMatcher("evaluator scoring")).
		Return(`{"score": 0.8, "reasoning": "candidate"}`, nil).Times(5)

	opt := newOptimizer(t, mockOracle)
	require.NoError(t, opt.Initialize(context.Background(), metaprompt()))

	candidate := &schemas.UIComponentTree{ID: "root-b", Type: "page"}
	result, err := opt.RunABTest(context.Background(), candidate, 100)
	require.NoError(t, err)

	assert.Equal(t, "b", result.Winner)
	assert.InDelta(t, 0.6, result.FitnessA, 0.001)
	assert.InDelta(t, 0.8, result.FitnessB, 0.001)
	assert.InDelta(t, 0.25, result.Confidence, 0.001)
	assert.Equal(t, 50, result.SessionsA)
	assert.Equal(t, 50, result.SessionsB)

	// The current UI is untouched by an A/B comparison.
	assert.Equal(t, "root", opt.Snapshot().UITree.ID)
}

func TestRunABTest_NilCandidateRejected(t *testing.T) {
	opt := newOptimizer(t, new(mocks.MockOracle))
	_, err := opt.RunABTest(context.Background(), nil, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrInvalidRequest)
}

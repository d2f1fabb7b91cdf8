package mocks_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/mocks"
)

func TestMockOracle_GenerateMatchesExpectations(t *testing.T) {
	mockOracle := new(mocks.MockOracle)
	mockOracle.On("Generate", mock.Anything, mock.Anything).
		Return("ok", nil).Once()
	mockOracle.On("Generate", mock.Anything, mock.Anything).
		Return("", errors.New("oracle offline"))

	out, err := mockOracle.Generate(context.Background(), schemas.GenerateRequest{UserPrompt: "first"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	_, err = mockOracle.Generate(context.Background(), schemas.GenerateRequest{UserPrompt: "second"})
	require.Error(t, err)

	mockOracle.AssertNumberOfCalls(t, "Generate", 2)
}

func TestMockOracle_GenerateRespectsContextCancellation(t *testing.T) {
	release := make(chan struct{})
	mockOracle := new(mocks.MockOracle)
	mockOracle.On("Generate", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return("late", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mockOracle.Generate(ctx, schemas.GenerateRequest{UserPrompt: "blocked"})
	assert.ErrorIs(t, err, context.Canceled)
	close(release)
}

package schemas_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/evoloop/api/schemas"
)

func TestWorkflowState_PassRate(t *testing.T) {
	t.Run("no tests counts as fully passing", func(t *testing.T) {
		state := &schemas.WorkflowState{}
		assert.Equal(t, 1.0, state.PassRate())
	})

	t.Run("mixed results", func(t *testing.T) {
		state := &schemas.WorkflowState{
			TestResults: []schemas.TestResult{
				{TestID: "1", Passed: true},
				{TestID: "2", Passed: false},
				{TestID: "3", Passed: true},
				{TestID: "4", Passed: true},
			},
		}
		assert.InDelta(t, 0.75, state.PassRate(), 0.001)
	})
}

func TestUIComponentTree_ValidateUniqueIDs(t *testing.T) {
	tree := &schemas.UIComponentTree{
		ID: "root",
		Children: []*schemas.UIComponentTree{
			{ID: "a"},
			{ID: "b", Children: []*schemas.UIComponentTree{{ID: "c"}}},
		},
	}
	assert.True(t, tree.ValidateUniqueIDs())
	assert.Equal(t, []string{"root", "a", "b", "c"}, tree.CollectIDs())

	tree.Children[1].Children[0].ID = "a"
	assert.False(t, tree.ValidateUniqueIDs())
}

func TestPriority_Rank(t *testing.T) {
	assert.Greater(t, schemas.PriorityCritical.Rank(), schemas.PriorityHigh.Rank())
	assert.Greater(t, schemas.PriorityHigh.Rank(), schemas.PriorityMedium.Rank())
	assert.Greater(t, schemas.PriorityMedium.Rank(), schemas.PriorityLow.Rank())
	assert.Zero(t, schemas.Priority("unknown").Rank())
}

func TestSeverity_AtLeast(t *testing.T) {
	assert.True(t, schemas.SeverityCritical.AtLeast(schemas.SeverityHigh))
	assert.True(t, schemas.SeverityHigh.AtLeast(schemas.SeverityHigh))
	assert.False(t, schemas.SeverityMedium.AtLeast(schemas.SeverityHigh))
	assert.False(t, schemas.Severity("unknown").AtLeast(schemas.SeverityLow))
}

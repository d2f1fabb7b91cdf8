package rag_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/config"
	"github.com/xkilldash9x/evoloop/internal/mocks"
	"github.com/xkilldash9x/evoloop/internal/oracle"
	"github.com/xkilldash9x/evoloop/internal/rag"
)

func fastRetry() oracle.RetryPolicy {
	return oracle.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Millisecond}
}

func TestPlanner_FallsBackOnOracleFailure(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mockOracle := new(mocks.MockOracle)
	mockOracle.On("Generate", mock.Anything, mock.Anything).
		Return("", errors.New("oracle unavailable"))

	planner := rag.NewPlanner(logger, mockOracle, fastRetry(), 5)
	plan := planner.Plan(context.Background(), "implement a session cache")

	require.NotNil(t, plan)
	assert.True(t, plan.Fallback)
	require.Len(t, plan.SubQueries, 1)
	assert.Equal(t, "implement a session cache", plan.SubQueries[0].Query)
	assert.Equal(t, rag.StrategyConcatenate, plan.Strategy)
}

func TestPlanner_ParsesOraclePlan(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mockOracle := new(mocks.MockOracle)
	mockOracle.On("Generate", mock.Anything, mock.Anything).Return(`{
		"sub_queries": [
			{"query": "session storage data model", "focus": "data model"},
			{"query": "cache eviction policies", "focus": "algorithms"},
			{"query": "concurrent map access patterns", "focus": "concurrency"}
		],
		"synthesis_strategy": "hierarchical"
	}`, nil)

	planner := rag.NewPlanner(logger, mockOracle, fastRetry(), 5)
	plan := planner.Plan(context.Background(), "implement a session cache")

	assert.False(t, plan.Fallback)
	require.Len(t, plan.SubQueries, 3)
	assert.Equal(t, rag.StrategyHierarchical, plan.Strategy)
	for _, sq := range plan.SubQueries {
		assert.Equal(t, rag.QueryID(sq.Query), sq.ID)
	}
}

func TestPlanner_ClampsToMaxSubQueries(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mockOracle := new(mocks.MockOracle)
	mockOracle.On("Generate", mock.Anything, mock.Anything).Return(`{
		"sub_queries": [
			{"query": "q1"}, {"query": "q2"}, {"query": "q3"}, {"query": "q4"}
		],
		"synthesis_strategy": "summarize"
	}`, nil)

	planner := rag.NewPlanner(logger, mockOracle, fastRetry(), 2)
	plan := planner.Plan(context.Background(), "broad intent")

	assert.Len(t, plan.SubQueries, 2)
}

func TestQueryID_StableAndNormalized(t *testing.T) {
	a := rag.QueryID("Session Cache  ")
	b := rag.QueryID("session cache")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "q-"))
	assert.NotEqual(t, a, rag.QueryID("different query"))
}

func TestExecutor_RunsSubQueriesAndCaches(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mockOracle := new(mocks.MockOracle)
	mockOracle.On("Generate", mock.Anything, mock.Anything).Return(`[
		{"file_path": "internal/cache/cache.go", "content": "type Cache struct{}", "relevance": 0.9}
	]`, nil)

	executor := rag.NewExecutor(logger, mockOracle, fastRetry())
	plan := &rag.QueryPlan{
		Intent: "intent",
		SubQueries: []rag.SubQuery{
			{ID: rag.QueryID("first"), Query: "first"},
			{ID: rag.QueryID("second"), Query: "second"},
		},
	}

	results := executor.Execute(context.Background(), plan)
	require.Len(t, results, 2)
	for i, r := range results {
		assert.Equal(t, plan.SubQueries[i].ID, r.QueryID, "results must preserve plan order")
		assert.False(t, r.FromCache)
		require.Len(t, r.Contexts, 1)
	}
	assert.Equal(t, 2, executor.CacheSize())
	firstRoundCalls := len(mockOracle.Calls)

	// Second execution must be answered from the cache without new calls.
	results = executor.Execute(context.Background(), plan)
	for _, r := range results {
		assert.True(t, r.FromCache)
	}
	assert.Equal(t, firstRoundCalls, len(mockOracle.Calls))
}

func TestExecutor_QueryFailureDegradesToEmptyResult(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mockOracle := new(mocks.MockOracle)
	mockOracle.On("Generate", mock.Anything, mock.Anything).
		Return("", errors.New("backend down"))

	executor := rag.NewExecutor(logger, mockOracle, fastRetry())
	plan := &rag.QueryPlan{
		SubQueries: []rag.SubQuery{{ID: rag.QueryID("only"), Query: "only"}},
	}

	results := executor.Execute(context.Background(), plan)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Contexts)
	assert.Equal(t, 0, executor.CacheSize(), "failed queries must not be cached")
}

func TestExecutor_ClampsRelevance(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mockOracle := new(mocks.MockOracle)
	mockOracle.On("Generate", mock.Anything, mock.Anything).Return(`[
		{"file_path": "a.go", "content": "x", "relevance": 1.7},
		{"file_path": "b.go", "content": "y", "relevance": -0.3}
	]`, nil)

	executor := rag.NewExecutor(logger, mockOracle, fastRetry())
	plan := &rag.QueryPlan{SubQueries: []rag.SubQuery{{ID: "q-1", Query: "q"}}}

	results := executor.Execute(context.Background(), plan)
	require.Len(t, results[0].Contexts, 2)
	assert.Equal(t, 1.0, results[0].Contexts[0].Relevance)
	assert.Equal(t, 0.0, results[0].Contexts[1].Relevance)
}

func TestSynthesizer_EmptyResultsYieldZeroConfidence(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mockOracle := new(mocks.MockOracle)

	synthesizer := rag.NewSynthesizer(logger, mockOracle, fastRetry())
	bundle := synthesizer.Synthesize(context.Background(), &rag.QueryPlan{Strategy: rag.StrategyConcatenate}, nil)

	assert.Zero(t, bundle.Confidence)
	assert.Empty(t, bundle.Text)
	mockOracle.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestSynthesizer_ConfidenceScoring(t *testing.T) {
	logger := zaptest.NewLogger(t)
	synthesizer := rag.NewSynthesizer(logger, new(mocks.MockOracle), fastRetry())

	// Four contexts at relevance 0.9 whose concatenation exceeds the length
	// saturation point, so confidence reduces to the mean relevance.
	long := strings.Repeat("func handler() {}\n", 20)
	results := []rag.QueryResult{{
		QueryID: "q-1",
		Contexts: []schemas.CodeContext{
			{FilePath: "a.go", Content: long, Relevance: 0.9},
			{FilePath: "b.go", Content: long, Relevance: 0.9},
			{FilePath: "c.go", Content: long, Relevance: 0.9},
			{FilePath: "d.go", Content: long, Relevance: 0.9},
		},
	}}

	plan := &rag.QueryPlan{Strategy: rag.StrategyConcatenate}
	bundle := synthesizer.Synthesize(context.Background(), plan, results)

	assert.InDelta(t, 0.9, bundle.Confidence, 0.001)
	assert.Len(t, bundle.Contexts, 4)
}

func TestSynthesizer_ShortTextScalesConfidenceDown(t *testing.T) {
	logger := zaptest.NewLogger(t)
	synthesizer := rag.NewSynthesizer(logger, new(mocks.MockOracle), fastRetry())

	results := []rag.QueryResult{{
		QueryID:  "q-1",
		Contexts: []schemas.CodeContext{{FilePath: "a.go", Content: "x", Relevance: 1.0}},
	}}

	plan := &rag.QueryPlan{Strategy: rag.StrategyConcatenate}
	bundle := synthesizer.Synthesize(context.Background(), plan, results)

	assert.Less(t, bundle.Confidence, 0.2, "short bundles must not claim high confidence")
	assert.Greater(t, bundle.Confidence, 0.0)
}

func TestSynthesizer_OracleStrategyFallsBackToConcatenate(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mockOracle := new(mocks.MockOracle)
	mockOracle.On("Generate", mock.Anything, mock.Anything).
		Return("", errors.New("synthesis backend down"))

	synthesizer := rag.NewSynthesizer(logger, mockOracle, fastRetry())
	results := []rag.QueryResult{{
		QueryID:  "q-1",
		Contexts: []schemas.CodeContext{{FilePath: "a.go", Content: "package a", Relevance: 0.8}},
	}}

	plan := &rag.QueryPlan{Intent: "intent", Strategy: rag.StrategyHierarchical}
	bundle := synthesizer.Synthesize(context.Background(), plan, results)

	assert.Equal(t, rag.StrategyConcatenate, bundle.Strategy)
	assert.Contains(t, bundle.Text, "package a")
}

func TestSynthesizer_DeduplicatesByFilePath(t *testing.T) {
	logger := zaptest.NewLogger(t)
	synthesizer := rag.NewSynthesizer(logger, new(mocks.MockOracle), fastRetry())

	results := []rag.QueryResult{
		{QueryID: "q-1", Contexts: []schemas.CodeContext{{FilePath: "dup.go", Content: "old", Relevance: 0.4}}},
		{QueryID: "q-2", Contexts: []schemas.CodeContext{{FilePath: "dup.go", Content: "new", Relevance: 0.9}}},
	}

	plan := &rag.QueryPlan{Strategy: rag.StrategyConcatenate}
	bundle := synthesizer.Synthesize(context.Background(), plan, results)

	require.Len(t, bundle.Contexts, 1)
	assert.Equal(t, "new", bundle.Contexts[0].Content, "highest relevance wins the dedup")
}

func TestParseStrategy(t *testing.T) {
	assert.Equal(t, rag.StrategySummarize, rag.ParseStrategy("  Summarize "))
	assert.Equal(t, rag.StrategyGraphBased, rag.ParseStrategy("graph_based"))
	assert.Equal(t, rag.StrategyConcatenate, rag.ParseStrategy("something else"))
	assert.Equal(t, rag.StrategyConcatenate, rag.ParseStrategy(""))
}

func TestPipeline_RetrieveCapsContexts(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mockOracle := new(mocks.MockOracle)
	// Planning fails so the pipeline uses the single-query fallback, and the
	// one query returns three contexts.
	mockOracle.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerateRequest) bool {
		return strings.Contains(req.SystemPrompt, "query planner")
	})).Return("", errors.New("planner down"))
	mockOracle.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerateRequest) bool {
		return strings.Contains(req.SystemPrompt, "retrieval executor")
	})).Return(`[
		{"file_path": "a.go", "content": "a", "relevance": 0.9},
		{"file_path": "b.go", "content": "b", "relevance": 0.8},
		{"file_path": "c.go", "content": "c", "relevance": 0.7}
	]`, nil)

	cfg := config.RAGConfig{MaxSubQueries: 3, MaxContextsTotal: 2}
	pipeline := rag.NewPipeline(logger, mockOracle, cfg, fastRetry())

	contexts, err := pipeline.Retrieve(context.Background(), "some intent")
	require.NoError(t, err)
	assert.Len(t, contexts, 2)
	assert.Equal(t, "a.go", contexts[0].FilePath)
	assert.Equal(t, 1, pipeline.CacheSize())

	pipeline.Reset()
	assert.Equal(t, 0, pipeline.CacheSize())
}

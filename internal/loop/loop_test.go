package loop_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/config"
	"github.com/xkilldash9x/evoloop/internal/loop"
	"github.com/xkilldash9x/evoloop/internal/mocks"
	"github.com/xkilldash9x/evoloop/internal/optimizer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedOracle routes every prompt class to a canned response so a whole
// loop iteration can run against it.
func scriptedOracle() *mocks.MockOracle {
	m := new(mocks.MockOracle)
	route := func(substr, response string) {
		m.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerateRequest) bool {
			return strings.Contains(req.SystemPrompt, substr)
		})).Return(response, nil)
	}

	route("query planner", `{"sub_queries": [
		{"query": "funnel layout", "focus": "structure"},
		{"query": "form validation", "focus": "behavior"}
	], "synthesis_strategy": "concatenate"}`)
	route("retrieval executor", `[{"file_path": "web/funnel.go", "content": "package web", "relevance": 0.8}]`)
	route("test author", `{"name": "funnel step test", "code": "func TestStep(t *testing.T) {}"}`)
	route("Produce ONE implementation artifact", "package web // implementation")
	route("execution simulator", `[{"test_id": "", "passed": true}]`)
	route("UI hypothesis generator", `{"id": "root", "type": "page", "children": [{"id": "cta", "type": "button"}]}`)
	route("evaluator scoring", `{"score": 0.7, "reasoning": "acceptable"}`)
	route("behavioral analyst", `{"recommended_changes": [
		{"priority": 7, "target_element_id": "cta", "change_type": "enlarge", "rationale": "hesitation observed"}
	]}`)
	route("cognitive-principle auditor", `{"violations": []}`)
	route("product translator", `{"intent": "smooth out the checkout step",
		"acceptance_criteria": [{"given": "a user mid-checkout", "when": "they submit the form", "then": "no validation dead-ends occur", "priority": "high"}]}`)
	return m
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Oracle.RetryAttempts = 1
	cfg.Oracle.RetryBaseDelay = time.Millisecond
	cfg.Loop.Interval = 10 * time.Millisecond
	cfg.Loop.SimSessions = 6
	cfg.Loop.SimDropOffProb = 0.5
	cfg.Loop.SimSeed = 42
	return cfg
}

func seedRequest() schemas.GenerationRequest {
	return schemas.GenerationRequest{
		ID:     "seed-1",
		Intent: "build the funnel",
		AcceptanceCriteria: []schemas.AcceptanceCriterion{
			{Given: "a visitor", When: "they start the funnel", Then: "the first step renders", Priority: schemas.PriorityHigh},
		},
		Origin:    "operator",
		CreatedAt: time.Now().UTC(),
	}
}

func meta() optimizer.Metaprompt {
	return optimizer.Metaprompt{
		TargetPersona: "a first-time visitor",
		Fitness:       optimizer.DefaultFitnessFunction(),
	}
}

func newOrchestrator(t *testing.T) *loop.Orchestrator {
	t.Helper()
	cfg := testConfig()
	telemetry := loop.NewSimulatedTelemetry(cfg.Loop.SimSeed, cfg.Loop.SimSessions, cfg.Loop.SimDropOffProb)
	return loop.New(zaptest.NewLogger(t), cfg, scriptedOracle(), telemetry)
}

func TestInitialize_SetsBaselineMetrics(t *testing.T) {
	orc := newOrchestrator(t)
	require.NoError(t, orc.Initialize(context.Background(), seedRequest(), meta()))

	state := orc.State()
	assert.Zero(t, state.LoopIteration)
	assert.Equal(t, schemas.StatusSuccess, state.LastWorkflow.FinalStatus)
	assert.InDelta(t, 0.7, state.Metrics.UserDelight, 0.001, "delight tracks the fitness score")
	assert.Zero(t, state.Metrics.ErrorRate, "all seed tests passed")
	assert.InDelta(t, 0.7, state.CurrentFitness, 0.001)
}

func TestRunSimulation_AdvancesIterationPerCycle(t *testing.T) {
	orc := newOrchestrator(t)
	require.NoError(t, orc.Initialize(context.Background(), seedRequest(), meta()))

	require.NoError(t, orc.RunSimulation(context.Background(), 3))

	state := orc.State()
	assert.Equal(t, 3, state.LoopIteration)
	require.Len(t, state.History, 3)
	for i, record := range state.History {
		assert.Equal(t, i+1, record.Iteration, "evolution records are append-only and ordered")
	}
}

func TestRunIteration_EmptyTelemetrySkips(t *testing.T) {
	cfg := testConfig()
	telemetry := new(mocks.MockTelemetrySource)
	telemetry.On("Collect", mock.Anything).Return([]schemas.TelemetryEvent{}, nil)

	orc := loop.New(zaptest.NewLogger(t), cfg, scriptedOracle(), telemetry)
	require.NoError(t, orc.Initialize(context.Background(), seedRequest(), meta()))

	require.NoError(t, orc.RunIteration(context.Background()))

	state := orc.State()
	assert.Zero(t, state.LoopIteration, "empty telemetry must not count as an iteration")
	assert.Empty(t, state.History)
}

func TestRunSimulation_CountsFailedIterations(t *testing.T) {
	cfg := testConfig()
	telemetry := new(mocks.MockTelemetrySource)
	telemetry.On("Collect", mock.Anything).Return(nil, errors.New("collector offline"))

	orc := loop.New(zaptest.NewLogger(t), cfg, scriptedOracle(), telemetry)
	require.NoError(t, orc.Initialize(context.Background(), seedRequest(), meta()))

	require.NoError(t, orc.RunSimulation(context.Background(), 3))

	state := orc.State()
	assert.Equal(t, 3, state.LoopIteration, "failed cycles still count as iterations")
	require.Len(t, state.History, 3)
	for i, record := range state.History {
		assert.Equal(t, i+1, record.Iteration)
		require.Len(t, record.ChangesMade, 1)
		assert.Contains(t, record.ChangesMade[0], "telemetry collection")
		assert.Equal(t, record.MetricsBefore, record.MetricsAfter, "an aborted cycle leaves metrics untouched")
	}
}

func TestStartStop_Lifecycle(t *testing.T) {
	orc := newOrchestrator(t)
	require.NoError(t, orc.Initialize(context.Background(), seedRequest(), meta()))

	ctx := context.Background()
	orc.Start(ctx)
	assert.True(t, orc.State().Running)

	// Starting again is a no-op, not a second goroutine.
	orc.Start(ctx)

	orc.Stop()
	assert.False(t, orc.State().Running)

	// Stopping again is also a no-op.
	orc.Stop()
}

func TestStop_WaitsForInflightIteration(t *testing.T) {
	orc := newOrchestrator(t)
	require.NoError(t, orc.Initialize(context.Background(), seedRequest(), meta()))

	orc.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	orc.Stop()

	// Whatever ran, history and iteration must agree after shutdown.
	state := orc.State()
	assert.Len(t, state.History, state.LoopIteration)
}

func TestSimulatedTelemetry_DeterministicAndWellFormed(t *testing.T) {
	a := loop.NewSimulatedTelemetry(7, 10, 0.3)
	b := loop.NewSimulatedTelemetry(7, 10, 0.3)

	eventsA, err := a.Collect(context.Background())
	require.NoError(t, err)
	eventsB, err := b.Collect(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, eventsA)
	assert.Equal(t, len(eventsA), len(eventsB), "same seed, same shape")

	// Sequence numbers are strictly increasing within each session.
	lastSeq := make(map[string]int)
	for _, ev := range eventsA {
		assert.Greater(t, ev.SequenceNumber, lastSeq[ev.SessionID])
		lastSeq[ev.SessionID] = ev.SequenceNumber
		assert.NotEmpty(t, ev.PagePath)
	}

	// A second batch produces fresh sessions so re-ingestion is possible.
	second, err := a.Collect(context.Background())
	require.NoError(t, err)
	firstSessions := make(map[string]struct{})
	for _, ev := range eventsA {
		firstSessions[ev.SessionID] = struct{}{}
	}
	for _, ev := range second {
		_, overlap := firstSessions[ev.SessionID]
		assert.False(t, overlap, "batches must not reuse session ids")
	}
}

func TestSimulatedTelemetry_DropOffProbabilityZeroConvertsAll(t *testing.T) {
	src := loop.NewSimulatedTelemetry(1, 5, 0)
	events, err := src.Collect(context.Background())
	require.NoError(t, err)

	conversions := 0
	for _, ev := range events {
		assert.NotEqual(t, schemas.EventDropOff, ev.EventType)
		if ev.EventType == schemas.EventConversion {
			conversions++
		}
	}
	assert.Equal(t, 5, conversions)
}

// Package workflow implements the test-driven workflow engine: a six-phase
// state machine that turns a generation request into tests and an
// implementation satisfying them, with a bounded self-healing loop.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/config"
	"github.com/xkilldash9x/evoloop/internal/oracle"
	"github.com/xkilldash9x/evoloop/internal/oracle/oracleutil"
)

// Engine drives one workflow at a time. Instances are constructed and owned
// by the caller; there is no shared module-level engine.
type Engine struct {
	logger    *zap.Logger
	oracle    schemas.Oracle
	retriever schemas.ContextRetriever
	retry     oracle.RetryPolicy
	cfg       config.WorkflowConfig

	mu      sync.Mutex
	running bool
	state   *schemas.WorkflowState
}

// NewEngine initializes the engine. The retriever may be nil, in which case
// the RAG phase degrades to an empty context set.
func NewEngine(logger *zap.Logger, o schemas.Oracle, retriever schemas.ContextRetriever, cfg config.WorkflowConfig, retry oracle.RetryPolicy) *Engine {
	if cfg.MaxHealingIterations < 1 {
		cfg.MaxHealingIterations = 5
	}
	return &Engine{
		logger:    logger.Named("workflow"),
		oracle:    o,
		retriever: retriever,
		retry:     retry,
		cfg:       cfg,
	}
}

// Execute runs the full state machine for one request. The returned state is
// also retained for Snapshot until Reset. Expected negative outcomes land in
// FinalStatus; only structurally invalid input returns an error alongside
// the failed state.
func (e *Engine) Execute(ctx context.Context, req schemas.GenerationRequest) (*schemas.WorkflowState, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is already executing a workflow")
	}
	e.running = true
	state := &schemas.WorkflowState{
		Request:     req,
		Phase:       schemas.PhaseUserStory,
		FinalStatus: schemas.StatusPending,
		StartedAt:   time.Now().UTC(),
	}
	e.state = state
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		state.FinishedAt = time.Now().UTC()
		e.mu.Unlock()
	}()

	// Phase 1: USER_STORY. Zero criteria is a hard failure; the workflow
	// never proceeds without at least one testable criterion.
	if len(req.AcceptanceCriteria) == 0 {
		e.setStatus(state, schemas.StatusFailed)
		e.logger.Error("Request has no acceptance criteria.", zap.String("request_id", req.ID))
		return state, fmt.Errorf("%w: request %q has no acceptance criteria", schemas.ErrInvalidRequest, req.ID)
	}
	e.logger.Info("Workflow started.",
		zap.String("request_id", req.ID),
		zap.Int("criteria", len(req.AcceptanceCriteria)),
	)

	// Phase 2: RAG_CONTEXT. Individual query failures degrade to empty
	// context sets and never abort the phase.
	e.advance(state, schemas.PhaseRAGContext)
	contexts := e.gatherContext(ctx, req)
	e.mu.Lock()
	state.Contexts = contexts
	e.mu.Unlock()

	// Phase 3: TEST_GENERATION. One artifact per criterion; any failure is
	// fatal to the run.
	e.advance(state, schemas.PhaseTestGeneration)
	tests, err := e.generateTests(ctx, req, contexts)
	if err != nil {
		e.setStatus(state, schemas.StatusFailed)
		return state, err
	}
	e.mu.Lock()
	state.GeneratedTests = tests
	e.mu.Unlock()

	// Phase 4: CODE_GENERATION.
	e.advance(state, schemas.PhaseCodeGeneration)
	code, err := e.generateImplementation(ctx, req, contexts, tests)
	if err != nil {
		e.setStatus(state, schemas.StatusFailed)
		return state, err
	}
	e.mu.Lock()
	state.GeneratedCode = append(state.GeneratedCode, *code)
	e.mu.Unlock()

	// Phase 5: SELF_HEALING. The healing loop reports its outcome; the
	// terminal status is assigned exactly once, below, so a partial outcome
	// can never be overwritten back to success.
	e.advance(state, schemas.PhaseSelfHealing)
	converged := e.heal(ctx, state)

	e.advance(state, schemas.PhaseComplete)
	if converged {
		e.setStatus(state, schemas.StatusSuccess)
	} else {
		e.setStatus(state, schemas.StatusPartial)
	}

	e.logger.Info("Workflow finished.",
		zap.String("request_id", req.ID),
		zap.String("final_status", string(state.FinalStatus)),
		zap.Int("healing_iterations", len(state.HealingIterations)),
	)
	return state, nil
}

// Snapshot returns a read-only copy of the current workflow state for
// inspection. Returns the zero state when no workflow has run.
func (e *Engine) Snapshot() schemas.WorkflowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return schemas.WorkflowState{FinalStatus: schemas.StatusPending}
	}
	return copyState(e.state)
}

// Reset discards the retained state. It fails while a workflow is in flight.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("cannot reset while a workflow is executing")
	}
	e.state = nil
	return nil
}

func (e *Engine) advance(state *schemas.WorkflowState, phase schemas.WorkflowPhase) {
	e.mu.Lock()
	state.Phase = phase
	e.mu.Unlock()
	e.logger.Debug("Phase transition.", zap.String("phase", string(phase)))
}

func (e *Engine) setStatus(state *schemas.WorkflowState, status schemas.FinalStatus) {
	e.mu.Lock()
	state.FinalStatus = status
	e.mu.Unlock()
}

// gatherContext invokes the retriever once per declared context query.
func (e *Engine) gatherContext(ctx context.Context, req schemas.GenerationRequest) []schemas.CodeContext {
	if e.retriever == nil {
		return nil
	}

	var contexts []schemas.CodeContext
	for _, query := range e.cfg.ContextQueries {
		intent := fmt.Sprintf("%s relevant to: %s", query, req.Intent)
		retrieved, err := e.retriever.Retrieve(ctx, intent)
		if err != nil {
			e.logger.Warn("Context query failed, degrading to empty context set.",
				zap.String("query", query),
				zap.Error(err),
			)
			continue
		}
		contexts = append(contexts, retrieved...)
	}
	return contexts
}

// generatedTestResponse is the JSON shape expected from test generation.
type generatedTestResponse struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

func (e *Engine) generateTests(ctx context.Context, req schemas.GenerationRequest, contexts []schemas.CodeContext) ([]schemas.GeneratedTest, error) {
	tests := make([]schemas.GeneratedTest, 0, len(req.AcceptanceCriteria))
	for i, criterion := range req.AcceptanceCriteria {
		genReq := schemas.GenerateRequest{
			SystemPrompt: testGenSystemPrompt,
			UserPrompt:   testGenPrompt(req, criterion, contexts),
			Options: schemas.GenerateOptions{
				ForceJSONFormat: true,
				Temperature:     0.2,
			},
		}

		var response string
		err := e.retry.Do(ctx, func() error {
			var genErr error
			response, genErr = e.oracle.Generate(ctx, genReq)
			return genErr
		})
		if err != nil {
			return nil, fmt.Errorf("%w: test generation for criterion %d: %v", schemas.ErrGenerationFailure, i, err)
		}

		parsed, err := oracleutil.ParseJSON[generatedTestResponse](response)
		if err != nil {
			return nil, fmt.Errorf("%w: test generation for criterion %d: %v", schemas.ErrGenerationFailure, i, err)
		}
		if parsed.Code == "" {
			return nil, fmt.Errorf("%w: test generation for criterion %d returned empty code", schemas.ErrGenerationFailure, i)
		}

		tests = append(tests, schemas.GeneratedTest{
			ID:             uuid.New().String(),
			CriterionIndex: i,
			Name:           parsed.Name,
			Code:           oracleutil.CleanCodeOutput(parsed.Code),
		})
	}
	return tests, nil
}

func (e *Engine) generateImplementation(ctx context.Context, req schemas.GenerationRequest, contexts []schemas.CodeContext, tests []schemas.GeneratedTest) (*schemas.GeneratedCode, error) {
	genReq := schemas.GenerateRequest{
		SystemPrompt: codeGenSystemPrompt,
		UserPrompt:   codeGenPrompt(req, contexts, tests),
		Options: schemas.GenerateOptions{
			Temperature: 0.2,
		},
	}

	var response string
	err := e.retry.Do(ctx, func() error {
		var genErr error
		response, genErr = e.oracle.Generate(ctx, genReq)
		return genErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: implementation generation: %v", schemas.ErrGenerationFailure, err)
	}

	code := oracleutil.CleanCodeOutput(response)
	if code == "" {
		return nil, fmt.Errorf("%w: implementation generation returned empty code", schemas.ErrGenerationFailure)
	}

	return &schemas.GeneratedCode{
		ID:       uuid.New().String(),
		Language: language(req),
		Code:     code,
		Revision: 1,
	}, nil
}

func language(req schemas.GenerationRequest) string {
	if req.Constraints != nil && req.Constraints.Language != "" {
		return req.Constraints.Language
	}
	return "go"
}

func copyState(s *schemas.WorkflowState) schemas.WorkflowState {
	out := *s
	out.Contexts = append([]schemas.CodeContext(nil), s.Contexts...)
	out.GeneratedTests = append([]schemas.GeneratedTest(nil), s.GeneratedTests...)
	out.GeneratedCode = append([]schemas.GeneratedCode(nil), s.GeneratedCode...)
	out.TestResults = append([]schemas.TestResult(nil), s.TestResults...)
	out.HealingIterations = append([]schemas.HealingIteration(nil), s.HealingIterations...)
	return out
}

package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/oracle/oracleutil"
)

// heal runs the bounded self-healing loop. Each iteration executes all tests
// (simulated via the Oracle), stops on convergence, and otherwise performs
// one root-cause analysis plus one regeneration of the implementation. It
// reports whether the tests converged; it never writes FinalStatus.
func (e *Engine) heal(ctx context.Context, state *schemas.WorkflowState) bool {
	for iter := 1; iter <= e.cfg.MaxHealingIterations; iter++ {
		results := e.executeTests(ctx, state)
		e.mu.Lock()
		state.TestResults = results
		e.mu.Unlock()

		failures := failing(results)
		if len(failures) == 0 {
			e.mu.Lock()
			if n := len(state.HealingIterations); n > 0 {
				state.HealingIterations[n-1].Resolved = true
			}
			e.mu.Unlock()
			e.logger.Info("All tests passing.", zap.Int("iteration", iter))
			return true
		}

		e.logger.Warn("Tests failing, attempting heal.",
			zap.Int("iteration", iter),
			zap.Int("failures", len(failures)),
		)

		rootCause := e.analyzeFailures(ctx, state, failures)
		e.regenerateImplementation(ctx, state, failures, rootCause)

		e.mu.Lock()
		state.HealingIterations = append(state.HealingIterations, schemas.HealingIteration{
			Iteration: iter,
			Failures:  failures,
			RootCause: rootCause,
			Resolved:  false,
			Timestamp: time.Now().UTC(),
		})
		e.mu.Unlock()
	}

	e.logger.Warn("Self-healing bound exhausted with failures remaining.",
		zap.Int("max_iterations", e.cfg.MaxHealingIterations),
	)
	return false
}

// testExecutionResponse is the JSON shape expected from simulated execution.
type testExecutionResponse struct {
	TestID      string `json:"test_id"`
	Passed      bool   `json:"passed"`
	ErrorDetail string `json:"error_detail"`
}

// executeTests asks the Oracle to simulate running every generated test
// against the current implementation. A failed execution call marks every
// test as failing with the transport error so the loop can keep healing.
func (e *Engine) executeTests(ctx context.Context, state *schemas.WorkflowState) []schemas.TestResult {
	genReq := schemas.GenerateRequest{
		SystemPrompt: testExecSystemPrompt,
		UserPrompt:   testExecPrompt(state),
		Options: schemas.GenerateOptions{
			ForceJSONFormat: true,
			Temperature:     0.0,
		},
	}

	var response string
	err := e.retry.Do(ctx, func() error {
		var genErr error
		response, genErr = e.oracle.Generate(ctx, genReq)
		return genErr
	})
	if err == nil {
		if parsed, perr := oracleutil.ParseJSON[[]testExecutionResponse](response); perr == nil {
			return e.mapResults(state, *parsed)
		} else {
			err = perr
		}
	}

	e.logger.Warn("Test execution simulation failed; marking all tests as failing.", zap.Error(err))
	results := make([]schemas.TestResult, 0, len(state.GeneratedTests))
	for _, t := range state.GeneratedTests {
		results = append(results, schemas.TestResult{
			TestID:      t.ID,
			TestName:    t.Name,
			Passed:      false,
			ErrorDetail: fmt.Sprintf("execution unavailable: %v", err),
		})
	}
	return results
}

// mapResults aligns Oracle results with generated tests by ID, falling back
// to positional order. A test with no reported result counts as failing.
func (e *Engine) mapResults(state *schemas.WorkflowState, reported []testExecutionResponse) []schemas.TestResult {
	byID := make(map[string]testExecutionResponse, len(reported))
	for _, r := range reported {
		byID[r.TestID] = r
	}

	results := make([]schemas.TestResult, 0, len(state.GeneratedTests))
	for i, t := range state.GeneratedTests {
		r, ok := byID[t.ID]
		if !ok && i < len(reported) && reported[i].TestID == "" {
			// Oracle dropped the IDs; trust positional order.
			r, ok = reported[i], true
		}
		if !ok {
			results = append(results, schemas.TestResult{
				TestID:      t.ID,
				TestName:    t.Name,
				Passed:      false,
				ErrorDetail: "no result reported for test",
			})
			continue
		}
		results = append(results, schemas.TestResult{
			TestID:      t.ID,
			TestName:    t.Name,
			Passed:      r.Passed,
			ErrorDetail: r.ErrorDetail,
		})
	}
	return results
}

// analyzeFailures makes one Oracle call summarizing all failures into a root
// cause. Analysis failure degrades to a generic summary; healing continues.
func (e *Engine) analyzeFailures(ctx context.Context, state *schemas.WorkflowState, failures []schemas.TestResult) string {
	genReq := schemas.GenerateRequest{
		SystemPrompt: rootCauseSystemPrompt,
		UserPrompt:   rootCausePrompt(state, failures),
		Options: schemas.GenerateOptions{
			Temperature: 0.1,
		},
	}

	var response string
	err := e.retry.Do(ctx, func() error {
		var genErr error
		response, genErr = e.oracle.Generate(ctx, genReq)
		return genErr
	})
	if err != nil {
		e.logger.Warn("Root-cause analysis failed.", zap.Error(err))
		return fmt.Sprintf("analysis unavailable; %d tests failing", len(failures))
	}
	return oracleutil.CleanCodeOutput(response)
}

// regenerateImplementation requests a fixed implementation that must not
// regress already-passing tests and replaces the current one. A regeneration
// failure keeps the prior implementation so the next iteration retries.
func (e *Engine) regenerateImplementation(ctx context.Context, state *schemas.WorkflowState, failures []schemas.TestResult, rootCause string) {
	genReq := schemas.GenerateRequest{
		SystemPrompt: fixGenSystemPrompt,
		UserPrompt:   fixGenPrompt(state, failures, rootCause),
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
		e.logger.Warn("Implementation regeneration failed; keeping current revision.", zap.Error(err))
		return
	}

	code := oracleutil.CleanCodeOutput(response)
	if code == "" {
		e.logger.Warn("Implementation regeneration returned empty code; keeping current revision.")
		return
	}

	e.mu.Lock()
	current := state.GeneratedCode[len(state.GeneratedCode)-1]
	state.GeneratedCode = append(state.GeneratedCode, schemas.GeneratedCode{
		ID:       current.ID,
		Language: current.Language,
		Code:     code,
		Revision: current.Revision + 1,
	})
	e.mu.Unlock()
}

func failing(results []schemas.TestResult) []schemas.TestResult {
	var failures []schemas.TestResult
	for _, r := range results {
		if !r.Passed {
			failures = append(failures, r)
		}
	}
	return failures
}

package schemas

import (
	"errors"
)

// Error kinds for the loop. Expected negative outcomes (partial workflow
// runs, rejected optimizations) are reported through status fields, not
// errors; these sentinels cover structural failures only.
var (
	// ErrInvalidRequest marks a generation request with no testable criteria.
	ErrInvalidRequest = errors.New("invalid generation request")

	// ErrPlanningFailure marks a failed query-planning call. Recovered by the
	// planner's single-query fallback, so callers rarely see it.
	ErrPlanningFailure = errors.New("query planning failed")

	// ErrQueryExecution marks one failed sub-query. Recovered as an empty
	// result set.
	ErrQueryExecution = errors.New("sub-query execution failed")

	// ErrGenerationFailure marks a failed test or code generation call.
	// Fatal to the owning workflow run.
	ErrGenerationFailure = errors.New("artifact generation failed")

	// ErrEvaluationFailure marks a failed principle evaluation. Recovered
	// with a neutral score.
	ErrEvaluationFailure = errors.New("principle evaluation failed")

	// ErrNoTelemetryData is returned by AnalyzeTelemetry on an empty buffer.
	ErrNoTelemetryData = errors.New("no telemetry data ingested")

	// ErrNoAnalysisAvailable is returned by OptimizeUI when AnalyzeTelemetry
	// has never produced an analysis.
	ErrNoAnalysisAvailable = errors.New("no telemetry analysis available")

	// ErrMalformedResponse marks Oracle output that failed schema validation.
	ErrMalformedResponse = errors.New("malformed oracle response")

	// ErrOracle marks a transport-level Oracle failure: timeout, rate limit,
	// or provider error.
	ErrOracle = errors.New("oracle call failed")
)

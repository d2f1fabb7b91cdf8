package schemas

import (
	"context"
)

// GenerateOptions provides parameters controlling a single Oracle call.
type GenerateOptions struct {
	// Temperature controls randomness. 0.0 is deterministic, 1.0 is creative.
	Temperature float64 `json:"temperature"`
	// ForceJSONFormat instructs the provider to constrain output to JSON.
	ForceJSONFormat bool `json:"force_json_format"`
	// MaxOutputTokens caps the response length. Zero means provider default.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`
}

// GenerateRequest encapsulates one complete prompt to the Oracle.
type GenerateRequest struct {
	SystemPrompt string          `json:"system_prompt"`
	UserPrompt   string          `json:"user_prompt"`
	Options      GenerateOptions `json:"options"`
}

// Oracle is the external text/structured-output generation capability the
// loop depends on but does not implement. It may be slow, rate-limited, or
// return malformed output; every caller treats a call as fallible and owns
// its own bounded retry policy.
//
//go:generate mockery --name Oracle --output ../../internal/mocks --outpkg mocks
type Oracle interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// TelemetrySource supplies batches of telemetry events to the orchestrator.
// Transport and batching live behind this boundary.
type TelemetrySource interface {
	Collect(ctx context.Context) ([]TelemetryEvent, error)
}

// ContextRetriever decomposes an intent into sub-queries, executes them, and
// synthesizes a single context bundle. Implemented by the rag pipeline;
// consumed by the workflow engine.
type ContextRetriever interface {
	Retrieve(ctx context.Context, intent string) ([]CodeContext, error)
}

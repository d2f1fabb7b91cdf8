// Package rag implements the query planner and synthesizer: it decomposes an
// intent into parallel sub-queries against the code corpus and merges the
// results into a single context bundle.
package rag

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/xkilldash9x/evoloop/api/schemas"
)

// SynthesisStrategy is the method used to merge sub-query results.
type SynthesisStrategy string

const (
	// StrategyConcatenate is a raw join of all contexts. It is the universal
	// fallback for every other strategy.
	StrategyConcatenate SynthesisStrategy = "concatenate"
	// StrategySummarize condenses all contexts into prose via the Oracle.
	StrategySummarize SynthesisStrategy = "summarize"
	// StrategyGraphBased builds a file->dependencies adjacency map and asks
	// the Oracle to explain the architecture from it.
	StrategyGraphBased SynthesisStrategy = "graph_based"
	// StrategyHierarchical produces a layered overview -> details ->
	// best-practices document.
	StrategyHierarchical SynthesisStrategy = "hierarchical"
)

// ParseStrategy maps free-form Oracle output onto a known strategy,
// defaulting to concatenate.
func ParseStrategy(s string) SynthesisStrategy {
	switch SynthesisStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategySummarize:
		return StrategySummarize
	case StrategyGraphBased:
		return StrategyGraphBased
	case StrategyHierarchical:
		return StrategyHierarchical
	case StrategyConcatenate:
		return StrategyConcatenate
	default:
		return StrategyConcatenate
	}
}

// SubQuery is one independently executable slice of the intent. Its ID is a
// stable digest of the query text so the result cache survives re-planning.
type SubQuery struct {
	ID    string `json:"id"`
	Query string `json:"query"`
	Focus string `json:"focus,omitempty"`
}

// QueryID derives the stable cache key for a query string.
func QueryID(query string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(query))))
	return fmt.Sprintf("q-%016x", h.Sum64())
}

// QueryPlan is the decomposition of one intent.
type QueryPlan struct {
	Intent     string            `json:"intent"`
	SubQueries []SubQuery        `json:"sub_queries"`
	Strategy   SynthesisStrategy `json:"synthesis_strategy"`
	// Fallback marks a plan degraded to the single raw-intent query after a
	// planning failure.
	Fallback bool `json:"fallback,omitempty"`
}

// QueryResult holds the contexts one sub-query produced. A failed sub-query
// yields an empty (never nil-plan-aborting) result.
type QueryResult struct {
	QueryID   string                `json:"query_id"`
	Contexts  []schemas.CodeContext `json:"contexts"`
	FromCache bool                  `json:"from_cache,omitempty"`
}

// SynthesizedContext is the merged bundle handed to code generation.
type SynthesizedContext struct {
	Text       string                `json:"text"`
	Contexts   []schemas.CodeContext `json:"contexts"`
	Strategy   SynthesisStrategy     `json:"strategy"`
	Confidence float64               `json:"confidence"`
}

// confidence computes mean(relevance) x min(1, len(text)/500). An empty
// context set yields 0.
func confidence(contexts []schemas.CodeContext, text string) float64 {
	if len(contexts) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range contexts {
		sum += c.Relevance
	}
	mean := sum / float64(len(contexts))

	lengthFactor := float64(len(text)) / 500.0
	if lengthFactor > 1 {
		lengthFactor = 1
	}
	return mean * lengthFactor
}

package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/oracle"
)

// Synthesizer merges sub-query results into one context bundle using the
// plan's strategy. Concatenation is the universal fallback: any Oracle-backed
// strategy that fails degrades to it instead of aborting.
type Synthesizer struct {
	logger *zap.Logger
	oracle schemas.Oracle
	retry  oracle.RetryPolicy
}

// NewSynthesizer initializes the synthesizer.
func NewSynthesizer(logger *zap.Logger, o schemas.Oracle, retry oracle.RetryPolicy) *Synthesizer {
	return &Synthesizer{
		logger: logger.Named("rag.synthesizer"),
		oracle: o,
		retry:  retry,
	}
}

// Synthesize merges the results according to the plan's strategy and scores
// the bundle's confidence. An empty result set yields confidence 0.
func (s *Synthesizer) Synthesize(ctx context.Context, plan *QueryPlan, results []QueryResult) *SynthesizedContext {
	contexts := flatten(results)
	if len(contexts) == 0 {
		return &SynthesizedContext{Strategy: plan.Strategy, Confidence: 0}
	}

	strategy := plan.Strategy
	text, err := s.applyStrategy(ctx, plan, contexts)
	if err != nil {
		s.logger.Warn("Synthesis strategy failed, falling back to concatenation.",
			zap.String("strategy", string(plan.Strategy)),
			zap.Error(err),
		)
		strategy = StrategyConcatenate
		text = concatenate(contexts)
	}

	return &SynthesizedContext{
		Text:       text,
		Contexts:   contexts,
		Strategy:   strategy,
		Confidence: confidence(contexts, text),
	}
}

func (s *Synthesizer) applyStrategy(ctx context.Context, plan *QueryPlan, contexts []schemas.CodeContext) (string, error) {
	switch plan.Strategy {
	case StrategySummarize:
		return s.oracleSynthesis(ctx, s.summarizePrompt(plan.Intent, contexts))
	case StrategyGraphBased:
		return s.oracleSynthesis(ctx, s.graphPrompt(plan.Intent, contexts))
	case StrategyHierarchical:
		return s.oracleSynthesis(ctx, s.hierarchicalPrompt(plan.Intent, contexts))
	default:
		return concatenate(contexts), nil
	}
}

func (s *Synthesizer) oracleSynthesis(ctx context.Context, prompt string) (string, error) {
	req := schemas.GenerateRequest{
		SystemPrompt: "You are the synthesis stage of a code-context retrieval subsystem. Produce clear prose a code generator can consume directly. Do not invent files that were not provided.",
		UserPrompt:   prompt,
		Options: schemas.GenerateOptions{
			Temperature: 0.2,
		},
	}

	var response string
	err := s.retry.Do(ctx, func() error {
		var genErr error
		response, genErr = s.oracle.Generate(ctx, req)
		return genErr
	})
	if err != nil {
		return "", err
	}

	response = strings.TrimSpace(response)
	if response == "" {
		return "", fmt.Errorf("synthesis returned empty text")
	}
	return response, nil
}

// flatten merges all result contexts, deduplicating by file path (highest
// relevance wins) and ordering by relevance descending.
func flatten(results []QueryResult) []schemas.CodeContext {
	byPath := make(map[string]schemas.CodeContext)
	for _, r := range results {
		for _, c := range r.Contexts {
			if existing, ok := byPath[c.FilePath]; !ok || c.Relevance > existing.Relevance {
				byPath[c.FilePath] = c
			}
		}
	}

	contexts := make([]schemas.CodeContext, 0, len(byPath))
	for _, c := range byPath {
		contexts = append(contexts, c)
	}
	sort.Slice(contexts, func(i, j int) bool {
		if contexts[i].Relevance != contexts[j].Relevance {
			return contexts[i].Relevance > contexts[j].Relevance
		}
		return contexts[i].FilePath < contexts[j].FilePath
	})
	return contexts
}

func concatenate(contexts []schemas.CodeContext) string {
	var sb strings.Builder
	for _, c := range contexts {
		fmt.Fprintf(&sb, "// -- %s (relevance %.2f) --\n%s\n\n", c.FilePath, c.Relevance, c.Content)
	}
	return strings.TrimSpace(sb.String())
}

func (s *Synthesizer) summarizePrompt(intent string, contexts []schemas.CodeContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**INTENT:** %s\n\nCondense the following code contexts into prose that preserves every API surface and behavior relevant to the intent.\n\n", intent)
	sb.WriteString(concatenate(contexts))
	return sb.String()
}

func (s *Synthesizer) graphPrompt(intent string, contexts []schemas.CodeContext) string {
	// Adjacency map: file -> dependencies.
	var sb strings.Builder
	fmt.Fprintf(&sb, "**INTENT:** %s\n\n**DEPENDENCY GRAPH (file -> dependencies):**\n", intent)
	for _, c := range contexts {
		fmt.Fprintf(&sb, "- %s -> [%s]\n", c.FilePath, strings.Join(c.Dependencies, ", "))
	}
	sb.WriteString("\n**FILE CONTENTS:**\n")
	sb.WriteString(concatenate(contexts))
	sb.WriteString("\n\nExplain the architecture implied by this dependency graph, walking from the leaves upward, so a code generator understands where new code must attach.")
	return sb.String()
}

func (s *Synthesizer) hierarchicalPrompt(intent string, contexts []schemas.CodeContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**INTENT:** %s\n\n", intent)
	sb.WriteString(concatenate(contexts))
	sb.WriteString("\n\nProduce a layered document with exactly three sections: '## Overview' (system shape), '## Details' (per-file behavior and contracts), '## Best Practices' (conventions the new code must follow).")
	return sb.String()
}

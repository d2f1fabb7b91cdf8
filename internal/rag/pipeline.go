package rag

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/config"
	"github.com/xkilldash9x/evoloop/internal/oracle"
)

// Pipeline wires planner, executor, and synthesizer into the full
// plan -> fan-out -> synthesize flow. It implements schemas.ContextRetriever
// for the workflow engine.
type Pipeline struct {
	logger      *zap.Logger
	planner     *Planner
	executor    *Executor
	synthesizer *Synthesizer
	maxContexts int
}

// NewPipeline constructs the pipeline from configuration.
func NewPipeline(logger *zap.Logger, o schemas.Oracle, cfg config.RAGConfig, retry oracle.RetryPolicy) *Pipeline {
	maxContexts := cfg.MaxContextsTotal
	if maxContexts <= 0 {
		maxContexts = 20
	}
	return &Pipeline{
		logger:      logger.Named("rag"),
		planner:     NewPlanner(logger, o, retry, cfg.MaxSubQueries),
		executor:    NewExecutor(logger, o, retry),
		synthesizer: NewSynthesizer(logger, o, retry),
		maxContexts: maxContexts,
	}
}

// Bundle runs the full retrieval flow for an intent.
func (p *Pipeline) Bundle(ctx context.Context, intent string) *SynthesizedContext {
	plan := p.planner.Plan(ctx, intent)
	results := p.executor.Execute(ctx, plan)
	bundle := p.synthesizer.Synthesize(ctx, plan, results)

	p.logger.Info("Context bundle synthesized.",
		zap.String("strategy", string(bundle.Strategy)),
		zap.Int("contexts", len(bundle.Contexts)),
		zap.Float64("confidence", bundle.Confidence),
		zap.Bool("fallback_plan", plan.Fallback),
	)
	return bundle
}

// Retrieve implements schemas.ContextRetriever: it returns the flattened,
// relevance-capped context list for an intent.
func (p *Pipeline) Retrieve(ctx context.Context, intent string) ([]schemas.CodeContext, error) {
	bundle := p.Bundle(ctx, intent)
	contexts := bundle.Contexts
	if len(contexts) > p.maxContexts {
		contexts = contexts[:p.maxContexts]
	}
	return contexts, nil
}

// CacheSize exposes the executor's cache population for inspection.
func (p *Pipeline) CacheSize() int {
	return p.executor.CacheSize()
}

// Reset clears the per-query result cache.
func (p *Pipeline) Reset() {
	p.executor.ResetCache()
}

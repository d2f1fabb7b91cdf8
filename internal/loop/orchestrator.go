// Package loop implements the closed-loop orchestrator: it observes product
// telemetry, translates it into issues and feature requests, drives the
// workflow engine and UI optimizer, and keeps an append-only evolution record
// of every completed iteration.
package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/config"
	"github.com/xkilldash9x/evoloop/internal/feedback"
	"github.com/xkilldash9x/evoloop/internal/oracle"
	"github.com/xkilldash9x/evoloop/internal/optimizer"
	"github.com/xkilldash9x/evoloop/internal/rag"
	"github.com/xkilldash9x/evoloop/internal/workflow"
)

// State is a read-only snapshot of the orchestrator.
type State struct {
	LoopIteration  int                       `json:"loop_iteration"`
	Running        bool                      `json:"running"`
	Metrics        schemas.ProductMetrics    `json:"metrics"`
	History        []schemas.EvolutionRecord `json:"evolution_history"`
	LastWorkflow   schemas.WorkflowState     `json:"last_workflow"`
	CurrentFitness float64                   `json:"current_fitness"`
}

// Orchestrator owns one instance of every stage and runs the observe,
// analyze, generate, optimize cycle over them.
type Orchestrator struct {
	logger     *zap.Logger
	cfg        *config.Config
	engine     *workflow.Engine
	pipeline   *rag.Pipeline
	optimizer  *optimizer.Optimizer
	translator *feedback.Translator
	telemetry  schemas.TelemetrySource

	mu        sync.Mutex
	iteration int
	metrics   schemas.ProductMetrics
	history   []schemas.EvolutionRecord
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New wires the full loop. The telemetry source is injected so production
// collectors and the seeded simulator are interchangeable.
func New(logger *zap.Logger, cfg *config.Config, o schemas.Oracle, telemetry schemas.TelemetrySource) *Orchestrator {
	retry := oracle.RetryPolicy{
		MaxAttempts:     cfg.Oracle.RetryAttempts,
		InitialInterval: cfg.Oracle.RetryBaseDelay,
	}
	pipeline := rag.NewPipeline(logger, o, cfg.RAG, retry)
	return &Orchestrator{
		logger:     logger.Named("loop"),
		cfg:        cfg,
		engine:     workflow.NewEngine(logger, o, pipeline, cfg.Workflow, retry),
		pipeline:   pipeline,
		optimizer:  optimizer.New(logger, o, cfg.Optimizer, retry),
		translator: feedback.NewTranslator(logger, o, retry),
		telemetry:  telemetry,
	}
}

// Optimizer exposes the optimizer instance, primarily for telemetry ingestion
// endpoints and tests.
func (orc *Orchestrator) Optimizer() *optimizer.Optimizer {
	return orc.optimizer
}

// Engine exposes the workflow engine instance.
func (orc *Orchestrator) Engine() *workflow.Engine {
	return orc.engine
}

// Initialize runs the seed workflow and generates the initial UI hypothesis,
// then records the baseline product metrics. It must complete before the loop
// starts.
func (orc *Orchestrator) Initialize(ctx context.Context, req schemas.GenerationRequest, meta optimizer.Metaprompt) error {
	wfState, err := orc.engine.Execute(ctx, req)
	if err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	if err := orc.optimizer.Initialize(ctx, meta); err != nil {
		return fmt.Errorf("optimizer init: %w", err)
	}

	metrics := orc.computeMetrics(wfState, 0)
	orc.mu.Lock()
	orc.metrics = metrics
	orc.mu.Unlock()

	orc.logger.Info("Loop initialized.",
		zap.String("workflow_status", string(wfState.FinalStatus)),
		zap.Float64("user_delight", metrics.UserDelight),
	)
	return nil
}

// RunIteration executes one observe-analyze-generate-optimize cycle. An empty
// telemetry batch skips the iteration entirely: nothing is recorded and the
// iteration counter does not advance. A failed cycle still counts as an
// iteration and leaves a record of what aborted it. Stage failures inside an
// iteration are logged and the cycle continues with what it has.
func (orc *Orchestrator) RunIteration(ctx context.Context) error {
	events, err := orc.telemetry.Collect(ctx)
	if err != nil {
		err = fmt.Errorf("telemetry collection: %w", err)
		orc.recordFailedIteration(err)
		return err
	}
	if len(events) == 0 {
		orc.logger.Debug("No telemetry this cycle; skipping iteration.")
		return nil
	}

	orc.mu.Lock()
	metricsBefore := orc.metrics
	orc.mu.Unlock()

	orc.optimizer.IngestTelemetry(events)

	analysis, err := orc.optimizer.AnalyzeTelemetry(ctx)
	if err != nil {
		err = fmt.Errorf("telemetry analysis: %w", err)
		orc.recordFailedIteration(err)
		return err
	}

	var changes []string
	lastWorkflow := orc.engine.Snapshot()

	translation, err := orc.translator.Translate(ctx, analysis)
	if err != nil {
		orc.logger.Warn("Feedback translation failed; continuing with optimization only.", zap.Error(err))
	} else {
		for _, req := range translation.Requests {
			wfState, wfErr := orc.engine.Execute(ctx, req)
			if wfErr != nil {
				orc.logger.Warn("Generated feature workflow failed.",
					zap.String("request_id", req.ID),
					zap.Error(wfErr),
				)
				continue
			}
			lastWorkflow = *wfState
			changes = append(changes, fmt.Sprintf("workflow %s: %s (%s)", req.ID, req.Intent, wfState.FinalStatus))
		}
	}

	if translation != nil && hasUIIssue(translation.Issues) {
		record, optErr := orc.optimizer.OptimizeUI(ctx)
		if optErr != nil {
			orc.logger.Warn("UI optimization failed this cycle.", zap.Error(optErr))
		} else if record.Accepted {
			changes = append(changes, fmt.Sprintf("ui optimization accepted: fitness %.3f -> %.3f", record.FitnessBefore, record.FitnessAfter))
		} else {
			changes = append(changes, "ui optimization rejected: no fitness improvement")
		}
	}

	metricsAfter := orc.computeMetrics(&lastWorkflow, analysis.Patterns.CompletionRate)

	orc.mu.Lock()
	orc.iteration++
	orc.metrics = metricsAfter
	orc.history = append(orc.history, schemas.EvolutionRecord{
		Iteration:     orc.iteration,
		ChangesMade:   changes,
		MetricsBefore: metricsBefore,
		MetricsAfter:  metricsAfter,
		Timestamp:     time.Now().UTC(),
	})
	iteration := orc.iteration
	orc.mu.Unlock()

	orc.logger.Info("Loop iteration complete.",
		zap.Int("iteration", iteration),
		zap.Int("changes", len(changes)),
		zap.Float64("user_delight", metricsAfter.UserDelight),
	)
	return nil
}

// recordFailedIteration advances the counter and leaves an evolution record
// for a cycle that aborted, keeping the iteration count equal to the number
// of non-empty cycles attempted.
func (orc *Orchestrator) recordFailedIteration(err error) {
	orc.mu.Lock()
	defer orc.mu.Unlock()
	orc.iteration++
	orc.history = append(orc.history, schemas.EvolutionRecord{
		Iteration:     orc.iteration,
		ChangesMade:   []string{fmt.Sprintf("iteration aborted: %v", err)},
		MetricsBefore: orc.metrics,
		MetricsAfter:  orc.metrics,
		Timestamp:     time.Now().UTC(),
	})
}

// hasUIIssue reports whether any issue warrants a UI optimization pass.
func hasUIIssue(issues []schemas.Issue) bool {
	for _, issue := range issues {
		if issue.Type == schemas.IssueFriction || issue.Type == schemas.IssueCognitiveOverload {
			return true
		}
	}
	return false
}

// computeMetrics derives the composite product metrics from the latest
// workflow outcome, the optimizer's fitness, and observed conversion.
func (orc *Orchestrator) computeMetrics(wf *schemas.WorkflowState, conversionRate float64) schemas.ProductMetrics {
	errorRate := 0.0
	if wf != nil {
		errorRate = 1 - wf.PassRate()
	}
	return schemas.ProductMetrics{
		UserDelight:      orc.optimizer.Fitness(),
		ConversionRate:   conversionRate,
		ErrorRate:        errorRate,
		PerformanceScore: orc.cfg.Loop.PerformanceScore,
	}
}

// Start launches the loop in a background goroutine, running one iteration
// per configured interval. Starting an already-running loop is a logged no-op.
func (orc *Orchestrator) Start(ctx context.Context) {
	orc.mu.Lock()
	if orc.running {
		orc.mu.Unlock()
		orc.logger.Warn("Loop already running; ignoring start.")
		return
	}
	orc.running = true
	orc.stopCh = make(chan struct{})
	orc.doneCh = make(chan struct{})
	stopCh := orc.stopCh
	doneCh := orc.doneCh
	orc.mu.Unlock()

	orc.logger.Info("Loop started.", zap.Duration("interval", orc.cfg.Loop.Interval))

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(orc.cfg.Loop.Interval)
		defer ticker.Stop()

		for {
			// Stop is observed only between iterations; an in-flight
			// iteration always completes.
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := orc.RunIteration(ctx); err != nil {
					orc.logger.Error("Loop iteration failed.", zap.Error(err))
				}
			}
		}
	}()
}

// Stop signals the loop to halt after the current iteration and waits for
// the goroutine to exit. Stopping a stopped loop is a no-op.
func (orc *Orchestrator) Stop() {
	orc.mu.Lock()
	if !orc.running {
		orc.mu.Unlock()
		return
	}
	orc.running = false
	close(orc.stopCh)
	doneCh := orc.doneCh
	orc.mu.Unlock()

	<-doneCh
	orc.logger.Info("Loop stopped.")
}

// RunSimulation runs n iterations back to back without the ticker. Iteration
// failures are logged, recorded, and counted, not fatal: after n non-empty
// cycles the loop iteration is n whether or not each one completed.
func (orc *Orchestrator) RunSimulation(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := orc.RunIteration(ctx); err != nil {
			orc.logger.Error("Simulated iteration failed.", zap.Int("attempt", i+1), zap.Error(err))
		}
	}
	return nil
}

// State returns a read-only snapshot of the orchestrator.
func (orc *Orchestrator) State() State {
	orc.mu.Lock()
	defer orc.mu.Unlock()
	return State{
		LoopIteration:  orc.iteration,
		Running:        orc.running,
		Metrics:        orc.metrics,
		History:        append([]schemas.EvolutionRecord(nil), orc.history...),
		LastWorkflow:   orc.engine.Snapshot(),
		CurrentFitness: orc.optimizer.Fitness(),
	}
}

// History returns the append-only evolution record.
func (orc *Orchestrator) History() []schemas.EvolutionRecord {
	orc.mu.Lock()
	defer orc.mu.Unlock()
	return append([]schemas.EvolutionRecord(nil), orc.history...)
}

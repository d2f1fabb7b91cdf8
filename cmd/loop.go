package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/loop"
	"github.com/xkilldash9x/evoloop/internal/observability"
	"github.com/xkilldash9x/evoloop/internal/optimizer"
	"github.com/xkilldash9x/evoloop/internal/oracle"
)

// newLoopCmd creates the `loop` command group: `loop run` drives the live
// loop until interrupted, `loop simulate` runs a fixed number of iterations
// against the seeded telemetry simulator.
func newLoopCmd() *cobra.Command {
	loopCmd := &cobra.Command{
		Use:   "loop",
		Short: "Runs the closed generation and optimization loop",
	}
	loopCmd.AddCommand(newLoopRunCmd())
	loopCmd.AddCommand(newLoopSimulateCmd())
	return loopCmd
}

func newLoopRunCmd() *cobra.Command {
	var requestFile string
	var persona string
	var product string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Initializes the loop and runs it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			orc, err := buildOrchestrator(logger)
			if err != nil {
				return err
			}

			req, err := loadRequest(requestFile)
			if err != nil {
				return err
			}
			meta := optimizer.Metaprompt{
				TargetPersona:  persona,
				ProductContext: product,
				Fitness:        optimizer.DefaultFitnessFunction(),
			}

			if err := orc.Initialize(ctx, *req, meta); err != nil {
				return fmt.Errorf("loop initialization: %w", err)
			}

			orc.Start(ctx)

			// The context is signal-aware; wait for interrupt or cancellation.
			<-ctx.Done()
			logger.Info("Shutdown signal received")
			orc.Stop()

			state := orc.State()
			logger.Info("Loop halted",
				zap.Int("iterations", state.LoopIteration),
				zap.Float64("user_delight", state.Metrics.UserDelight),
			)
			return nil
		},
	}

	runCmd.Flags().StringVarP(&requestFile, "request", "r", "", "path to the seed JSON generation request (required)")
	runCmd.Flags().StringVar(&persona, "persona", "a first-time visitor completing a purchase", "target persona for the UI hypothesis")
	runCmd.Flags().StringVar(&product, "product", "", "short product context for the UI hypothesis")
	_ = runCmd.MarkFlagRequired("request")
	return runCmd
}

func newLoopSimulateCmd() *cobra.Command {
	var iterations int
	var outputFile string

	simCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Runs a fixed number of loop iterations against synthetic telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			orc, err := buildOrchestrator(logger)
			if err != nil {
				return err
			}

			req := seedRequest()
			meta := optimizer.Metaprompt{
				TargetPersona:  "a first-time visitor completing a purchase",
				ProductContext: "a four-step signup and checkout funnel",
				Fitness:        optimizer.DefaultFitnessFunction(),
			}
			if err := orc.Initialize(ctx, req, meta); err != nil {
				return fmt.Errorf("loop initialization: %w", err)
			}

			start := time.Now()
			if err := orc.RunSimulation(ctx, iterations); err != nil {
				return err
			}

			state := orc.State()
			logger.Info("Simulation complete",
				zap.Int("iterations", state.LoopIteration),
				zap.Duration("elapsed", time.Since(start)),
				zap.Float64("user_delight", state.Metrics.UserDelight),
				zap.Float64("conversion_rate", state.Metrics.ConversionRate),
			)

			if outputFile != "" {
				if werr := writeJSON(outputFile, state); werr != nil {
					return werr
				}
				logger.Info("Loop state written", zap.String("path", outputFile))
			}
			return nil
		},
	}

	simCmd.Flags().IntVarP(&iterations, "iterations", "n", 3, "number of loop iterations to run")
	simCmd.Flags().StringVarP(&outputFile, "output", "o", "", "path to write the final loop state as JSON")
	return simCmd
}

// buildOrchestrator wires the loop with the telemetry simulator. Production
// collectors plug in by replacing the TelemetrySource.
func buildOrchestrator(logger *zap.Logger) (*loop.Orchestrator, error) {
	client, err := oracle.NewClient(cfg.Oracle, logger)
	if err != nil {
		return nil, fmt.Errorf("oracle client: %w", err)
	}
	telemetry := loop.NewSimulatedTelemetry(cfg.Loop.SimSeed, cfg.Loop.SimSessions, cfg.Loop.SimDropOffProb)
	return loop.New(logger, cfg, client, telemetry), nil
}

// seedRequest is the default seed for simulation runs.
func seedRequest() schemas.GenerationRequest {
	return schemas.GenerationRequest{
		ID:     "seed-funnel",
		Intent: "Implement a four-step signup and checkout funnel with validated forms",
		AcceptanceCriteria: []schemas.AcceptanceCriterion{
			{
				Given:    "a visitor on the landing page",
				When:     "they select the primary call to action",
				Then:     "they reach the signup form with their progress preserved",
				Priority: schemas.PriorityHigh,
			},
			{
				Given:    "a visitor who submitted a valid payment form",
				When:     "the payment is accepted",
				Then:     "a conversion event is recorded and a confirmation is shown",
				Priority: schemas.PriorityCritical,
			},
		},
		Origin:    "operator",
		CreatedAt: time.Now().UTC(),
	}
}

func init() {
	rootCmd.AddCommand(newLoopCmd())
}

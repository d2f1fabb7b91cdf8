package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/observability"
	"github.com/xkilldash9x/evoloop/internal/oracle"
	"github.com/xkilldash9x/evoloop/internal/rag"
	"github.com/xkilldash9x/evoloop/internal/workflow"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newWorkflowCmd creates the `workflow` command: run a single generation
// request from a JSON file through the full test-driven workflow.
func newWorkflowCmd() *cobra.Command {
	var requestFile string
	var outputFile string

	workflowCmd := &cobra.Command{
		Use:   "workflow",
		Short: "Runs one generation request through the test-driven workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			req, err := loadRequest(requestFile)
			if err != nil {
				return err
			}

			client, err := oracle.NewClient(cfg.Oracle, logger)
			if err != nil {
				return fmt.Errorf("oracle client: %w", err)
			}
			retry := oracle.RetryPolicy{
				MaxAttempts:     cfg.Oracle.RetryAttempts,
				InitialInterval: cfg.Oracle.RetryBaseDelay,
			}

			pipeline := rag.NewPipeline(logger, client, cfg.RAG, retry)
			engine := workflow.NewEngine(logger, client, pipeline, cfg.Workflow, retry)

			state, err := engine.Execute(ctx, *req)
			if err != nil {
				logger.Error("Workflow failed", zap.Error(err))
			}
			if state == nil {
				return err
			}

			logger.Info("Workflow result",
				zap.String("final_status", string(state.FinalStatus)),
				zap.Int("tests", len(state.GeneratedTests)),
				zap.Int("revisions", len(state.GeneratedCode)),
				zap.Int("healing_iterations", len(state.HealingIterations)),
			)

			if outputFile != "" {
				if werr := writeJSON(outputFile, state); werr != nil {
					return werr
				}
				logger.Info("Workflow state written", zap.String("path", outputFile))
			}
			return err
		},
	}

	workflowCmd.Flags().StringVarP(&requestFile, "request", "r", "", "path to a JSON generation request (required)")
	workflowCmd.Flags().StringVarP(&outputFile, "output", "o", "", "path to write the final workflow state as JSON")
	_ = workflowCmd.MarkFlagRequired("request")
	return workflowCmd
}

// loadRequest reads a generation request from disk, filling in an ID and
// timestamp when the file omits them.
func loadRequest(path string) (*schemas.GenerationRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}
	var req schemas.GenerationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request file: %w", err)
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.Origin == "" {
		req.Origin = "operator"
	}
	return &req, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(newWorkflowCmd())
}

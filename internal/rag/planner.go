package rag

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/oracle"
	"github.com/xkilldash9x/evoloop/internal/oracle/oracleutil"
)

// Planner decomposes an intent into a query plan by delegating to the Oracle.
type Planner struct {
	logger        *zap.Logger
	oracle        schemas.Oracle
	retry         oracle.RetryPolicy
	maxSubQueries int
}

// NewPlanner initializes the planner. maxSubQueries is clamped to at least 2.
func NewPlanner(logger *zap.Logger, o schemas.Oracle, retry oracle.RetryPolicy, maxSubQueries int) *Planner {
	if maxSubQueries < 2 {
		maxSubQueries = 2
	}
	return &Planner{
		logger:        logger.Named("rag.planner"),
		oracle:        o,
		retry:         retry,
		maxSubQueries: maxSubQueries,
	}
}

// plannerResponse is the JSON shape the Oracle must return.
type plannerResponse struct {
	SubQueries []struct {
		Query string `json:"query"`
		Focus string `json:"focus"`
	} `json:"sub_queries"`
	SynthesisStrategy string `json:"synthesis_strategy"`
}

// Plan produces a query plan for the intent. A planning failure of any kind
// degrades to the single-query fallback plan; Plan never returns an empty
// plan and never fails.
func (p *Planner) Plan(ctx context.Context, intent string) *QueryPlan {
	plan, err := p.planViaOracle(ctx, intent)
	if err != nil {
		p.logger.Warn("Query planning failed, falling back to single-query plan.",
			zap.Error(fmt.Errorf("%w: %v", schemas.ErrPlanningFailure, err)),
		)
		return p.fallbackPlan(intent)
	}
	return plan
}

func (p *Planner) planViaOracle(ctx context.Context, intent string) (*QueryPlan, error) {
	req := schemas.GenerateRequest{
		SystemPrompt: p.getSystemPrompt(),
		UserPrompt:   p.constructPrompt(intent),
		Options: schemas.GenerateOptions{
			ForceJSONFormat: true,
			Temperature:     0.2,
		},
	}

	var response string
	err := p.retry.Do(ctx, func() error {
		var genErr error
		response, genErr = p.oracle.Generate(ctx, req)
		return genErr
	})
	if err != nil {
		return nil, err
	}

	parsed, err := oracleutil.ParseJSON[plannerResponse](response)
	if err != nil {
		return nil, err
	}
	if len(parsed.SubQueries) == 0 {
		return nil, fmt.Errorf("plan contained no sub-queries")
	}

	subQueries := make([]SubQuery, 0, p.maxSubQueries)
	for _, sq := range parsed.SubQueries {
		query := strings.TrimSpace(sq.Query)
		if query == "" {
			continue
		}
		subQueries = append(subQueries, SubQuery{
			ID:    QueryID(query),
			Query: query,
			Focus: sq.Focus,
		})
		if len(subQueries) == p.maxSubQueries {
			break
		}
	}
	if len(subQueries) < 2 {
		return nil, fmt.Errorf("plan produced %d usable sub-queries, need at least 2", len(subQueries))
	}

	p.logger.Debug("Query plan generated.",
		zap.Int("sub_queries", len(subQueries)),
		zap.String("strategy", parsed.SynthesisStrategy),
	)

	return &QueryPlan{
		Intent:     intent,
		SubQueries: subQueries,
		Strategy:   ParseStrategy(parsed.SynthesisStrategy),
	}, nil
}

// fallbackPlan wraps the raw intent as the only sub-query.
func (p *Planner) fallbackPlan(intent string) *QueryPlan {
	return &QueryPlan{
		Intent: intent,
		SubQueries: []SubQuery{
			{ID: QueryID(intent), Query: intent},
		},
		Strategy: StrategyConcatenate,
		Fallback: true,
	}
}

func (p *Planner) getSystemPrompt() string {
	return `You are the query planner of a retrieval subsystem for a code-generation pipeline.
    You receive an INTENT and must decompose it into 2 to 5 focused sub-queries against a code corpus,
    plus a synthesis strategy for merging their results.

    **Output Requirements (Strict JSON Format):**
    Respond ONLY with a JSON object:
    {
      "sub_queries": [{"query": "...", "focus": "e.g. data model, transport, error handling"}, ...],
      "synthesis_strategy": "concatenate" | "summarize" | "graph_based" | "hierarchical"
    }

    **Guidelines:**
    - Each sub-query must be independently answerable and non-overlapping.
    - Prefer "hierarchical" for broad architectural intents, "graph_based" when
      dependencies matter, "summarize" for narrow intents, "concatenate" only
      for trivial ones.`
}

func (p *Planner) constructPrompt(intent string) string {
	return fmt.Sprintf("**INTENT:** %s\n\nDecompose this intent into sub-queries. Respond ONLY with the JSON object.", intent)
}
